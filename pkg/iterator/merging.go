package iterator

type direction int

const (
	forward direction = iota
	reverse
)

// mergingIterator yields the union of its children in key order. Children
// with equal keys are resolved by child index, so callers must order
// children newest-first when keys can collide.
type mergingIterator struct {
	cmp      Compare
	children []Iterator
	current  Iterator
	dir      direction
}

// NewMerging builds a merging iterator over the given children. It takes
// ownership: closing the merged iterator closes every child.
func NewMerging(cmp Compare, children ...Iterator) Iterator {
	if len(children) == 1 {
		return children[0]
	}
	return &mergingIterator{cmp: cmp, children: children}
}

func (m *mergingIterator) First() {
	for _, c := range m.children {
		c.First()
	}
	m.findSmallest()
	m.dir = forward
}

func (m *mergingIterator) Last() {
	for _, c := range m.children {
		c.Last()
	}
	m.findLargest()
	m.dir = reverse
}

func (m *mergingIterator) Seek(target []byte) {
	for _, c := range m.children {
		c.Seek(target)
	}
	m.findSmallest()
	m.dir = forward
}

func (m *mergingIterator) Next() {
	// When switching from reverse iteration, every non-current child sits
	// before Key(); advance them past it first.
	if m.dir != forward {
		key := m.Key()
		for _, c := range m.children {
			if c == m.current {
				continue
			}
			c.Seek(key)
			if c.Valid() && m.cmp(key, c.Key()) == 0 {
				c.Next()
			}
		}
		m.dir = forward
	}
	m.current.Next()
	m.findSmallest()
}

func (m *mergingIterator) Prev() {
	if m.dir != reverse {
		key := m.Key()
		for _, c := range m.children {
			if c == m.current {
				continue
			}
			c.Seek(key)
			if c.Valid() {
				c.Prev()
			} else {
				c.Last()
			}
		}
		m.dir = reverse
	}
	m.current.Prev()
	m.findLargest()
}

func (m *mergingIterator) Valid() bool { return m.current != nil && m.current.Valid() }

func (m *mergingIterator) Key() []byte {
	if !m.Valid() {
		return nil
	}
	return m.current.Key()
}

func (m *mergingIterator) Value() []byte {
	if !m.Valid() {
		return nil
	}
	return m.current.Value()
}

func (m *mergingIterator) Err() error {
	for _, c := range m.children {
		if err := c.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *mergingIterator) Close() error {
	var first error
	for _, c := range m.children {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *mergingIterator) findSmallest() {
	var smallest Iterator
	for _, c := range m.children {
		if !c.Valid() {
			continue
		}
		if smallest == nil || m.cmp(c.Key(), smallest.Key()) < 0 {
			smallest = c
		}
	}
	m.current = smallest
}

func (m *mergingIterator) findLargest() {
	var largest Iterator
	// Scan backwards so ties resolve to the lowest child index, matching
	// forward iteration where earlier children shadow later ones.
	for i := len(m.children) - 1; i >= 0; i-- {
		c := m.children[i]
		if !c.Valid() {
			continue
		}
		if largest == nil || m.cmp(c.Key(), largest.Key()) >= 0 {
			largest = c
		}
	}
	m.current = largest
}
