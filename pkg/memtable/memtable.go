package memtable

import (
	"sync/atomic"

	"shaledb/pkg/iterator"
	"shaledb/pkg/keys"
)

// MemTable is an in-memory sorted map from internal keys to values, backed
// by an arena-allocated skiplist. It is reference counted: the engine, the
// flush path and live iterators each hold a reference, and the table may
// only be dropped once the count reaches zero.
type MemTable struct {
	icmp keys.InternalComparator
	a    *arena
	list *skipList
	refs atomic.Int32
}

// New creates an empty memtable with one reference held by the caller.
func New(icmp keys.InternalComparator) *MemTable {
	a := &arena{}
	m := &MemTable{
		icmp: icmp,
		a:    a,
		list: newSkipList(icmp.Compare, a),
	}
	m.refs.Store(1)
	return m
}

func (m *MemTable) Ref() { m.refs.Add(1) }

// Unref drops a reference. The arena is reclaimed by the collector once the
// last reference is gone; a negative count is a caller bug.
func (m *MemTable) Unref() {
	if m.refs.Add(-1) < 0 {
		panic("memtable: unref below zero")
	}
}

// Add inserts an entry. Only one goroutine may call Add at a time; the write
// leader role in the engine enforces this.
func (m *MemTable) Add(seq uint64, kind keys.Kind, ukey, value []byte) {
	ikey := keys.AppendInternalKey(make([]byte, 0, len(ukey)+keys.TrailerLen), ukey, seq, kind)
	m.list.insert(ikey, value)
}

// Get looks up the newest entry for ukey visible at snapshot sequence seq.
// ok reports a conclusive answer; deleted distinguishes a tombstone from a
// live value.
func (m *MemTable) Get(ukey []byte, seq uint64) (value []byte, ok, deleted bool) {
	lk := keys.MakeLookupKey(ukey, seq)
	n := m.list.findGreaterOrEqual(lk, nil)
	if n == nil {
		return nil, false, false
	}
	if m.icmp.User.Compare(keys.UserKey(n.key), ukey) != 0 {
		return nil, false, false
	}
	_, kind := keys.UnpackTrailer(keys.Trailer(n.key))
	if kind == keys.KindDeletion {
		return nil, true, true
	}
	return n.value, true, false
}

// NewIterator yields the table's internal keys in order. The iterator does
// not take a reference; callers pin the memtable for its lifetime.
func (m *MemTable) NewIterator() iterator.Iterator {
	return &iter{list: m.list}
}

// ApproximateMemoryUsage returns the arena footprint in bytes.
func (m *MemTable) ApproximateMemoryUsage() int64 {
	return m.a.memoryUsage()
}

// Empty reports whether the table holds no entries.
func (m *MemTable) Empty() bool {
	return m.list.head.next[0].Load() == nil
}
