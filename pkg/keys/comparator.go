package keys

import "bytes"

// Comparator defines a total order over user keys. Separator and Successor
// produce shortened keys for table index blocks; both must preserve order.
type Comparator interface {
	// Compare returns -1, 0 or +1 per the usual three-way contract.
	Compare(a, b []byte) int
	// Name identifies the order. It is persisted in the manifest and checked
	// on reopen, so it must change whenever the order changes.
	Name() string
	// Separator appends to dst a key k with a <= k < b, as short as possible.
	Separator(dst, a, b []byte) []byte
	// Successor appends to dst a key k >= a, as short as possible.
	Successor(dst, a []byte) []byte
}

type bytewiseComparator struct{}

// BytewiseComparator orders user keys lexicographically by raw bytes.
func BytewiseComparator() Comparator { return bytewiseComparator{} }

func (bytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (bytewiseComparator) Name() string { return "shaledb.BytewiseComparator" }

func (bytewiseComparator) Separator(dst, a, b []byte) []byte {
	// Find the length of the shared prefix.
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	if i >= n {
		// One key is a prefix of the other; a itself is the only choice.
		return append(dst, a...)
	}
	if c := a[i]; c < 0xff && c+1 < b[i] {
		dst = append(dst, a[:i+1]...)
		dst[len(dst)-1]++
		return dst
	}
	return append(dst, a...)
}

func (bytewiseComparator) Successor(dst, a []byte) []byte {
	for i, c := range a {
		if c != 0xff {
			dst = append(dst, a[:i+1]...)
			dst[len(dst)-1]++
			return dst
		}
	}
	// Run of 0xff bytes; a is its own successor.
	return append(dst, a...)
}

// InternalComparator orders internal keys: user key ascending by the wrapped
// comparator, then trailer descending so newer sequences sort first.
type InternalComparator struct {
	User Comparator
}

func (c InternalComparator) Compare(a, b []byte) int {
	if r := c.User.Compare(UserKey(a), UserKey(b)); r != 0 {
		return r
	}
	at, bt := Trailer(a), Trailer(b)
	switch {
	case at > bt:
		return -1
	case at < bt:
		return 1
	}
	return 0
}

func (c InternalComparator) Name() string { return "shaledb.InternalKeyComparator" }

// Separator shortens the user portion when possible and reattaches a trailer
// that keeps the result ordered before every real entry of the shortened key.
func (c InternalComparator) Separator(dst, a, b []byte) []byte {
	ua, ub := UserKey(a), UserKey(b)
	tmp := c.User.Separator(nil, ua, ub)
	if len(tmp) < len(ua) && c.User.Compare(ua, tmp) < 0 {
		return AppendInternalKey(dst, tmp, MaxSequence, kindSeek)
	}
	return append(dst, a...)
}

func (c InternalComparator) Successor(dst, a []byte) []byte {
	ua := UserKey(a)
	tmp := c.User.Successor(nil, ua)
	if len(tmp) < len(ua) && c.User.Compare(ua, tmp) < 0 {
		return AppendInternalKey(dst, tmp, MaxSequence, kindSeek)
	}
	return append(dst, a...)
}
