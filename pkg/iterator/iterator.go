package iterator

// Iterator iterates over a sorted sequence of key-value pairs.
type Iterator interface {
	// Seek moves the iterator to the first key >= target.
	Seek(target []byte)
	// First moves to the smallest key.
	First()
	// Last moves to the largest key.
	Last()
	// Next advances to the next key.
	Next()
	// Prev moves to the previous key.
	Prev()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() []byte
	// Value returns the current value.
	Value() []byte
	// Err returns the first error the iterator encountered, if any.
	Err() error
	// Close releases resources.
	Close() error
}

// Compare is a three-way key comparison.
type Compare func(a, b []byte) int

type errIterator struct {
	err error
}

// NewError returns an always-invalid iterator carrying err.
func NewError(err error) Iterator { return &errIterator{err: err} }

func (i *errIterator) Seek([]byte)   {}
func (i *errIterator) First()        {}
func (i *errIterator) Last()         {}
func (i *errIterator) Next()         {}
func (i *errIterator) Prev()         {}
func (i *errIterator) Valid() bool   { return false }
func (i *errIterator) Key() []byte   { return nil }
func (i *errIterator) Value() []byte { return nil }
func (i *errIterator) Err() error    { return i.err }
func (i *errIterator) Close() error  { return i.err }
