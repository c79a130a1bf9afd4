package memtable

import (
	"sync/atomic"

	"github.com/zhangyunhao116/fastrand"

	"shaledb/pkg/iterator"
)

const (
	maxHeight = 12
	// branching gives each node a 1/4 chance of reaching the next level.
	branching = 4
)

// node links are published with release stores and traversed with acquire
// loads, so readers observe either the old list or a fully initialized node.
type node struct {
	key   []byte
	value []byte
	next  []atomic.Pointer[node]
}

// skipList holds internal keys in sorted order. Inserts require external
// mutual exclusion; lookups and iteration run lock-free against a single
// concurrent writer. Nodes are never removed or mutated after insertion.
type skipList struct {
	cmp    iterator.Compare
	arena  *arena
	head   *node
	height atomic.Int32
}

func newSkipList(cmp iterator.Compare, a *arena) *skipList {
	s := &skipList{
		cmp:   cmp,
		arena: a,
		head:  &node{next: make([]atomic.Pointer[node], maxHeight)},
	}
	s.height.Store(1)
	return s
}

func randomHeight() int {
	h := 1
	for h < maxHeight && fastrand.Uint32n(branching) == 0 {
		h++
	}
	return h
}

// keyIsAfterNode reports whether key is strictly greater than n's key.
func (s *skipList) keyIsAfterNode(key []byte, n *node) bool {
	return n != nil && s.cmp(n.key, key) < 0
}

func (s *skipList) findGreaterOrEqual(key []byte, prev []*node) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.next[level].Load()
		if s.keyIsAfterNode(key, next) {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

func (s *skipList) findLessThan(key []byte) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil && s.cmp(next.key, key) < 0 {
			x = next
			continue
		}
		if level == 0 {
			if x == s.head {
				return nil
			}
			return x
		}
		level--
	}
}

func (s *skipList) findLast() *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil {
			x = next
			continue
		}
		if level == 0 {
			if x == s.head {
				return nil
			}
			return x
		}
		level--
	}
}

// insert adds key/value. The caller must hold the writer role; keys are
// unique because every internal key carries a distinct sequence number.
func (s *skipList) insert(key, value []byte) {
	prev := make([]*node, maxHeight)
	s.findGreaterOrEqual(key, prev)

	h := randomHeight()
	if cur := int(s.height.Load()); h > cur {
		for i := cur; i < h; i++ {
			prev[i] = s.head
		}
		// Concurrent readers that observe the new height before the new
		// node simply fall through head links, which is harmless.
		s.height.Store(int32(h))
	}

	n := &node{
		key:   s.arena.copyBytes(key),
		value: s.arena.copyBytes(value),
		next:  make([]atomic.Pointer[node], h),
	}
	for i := 0; i < h; i++ {
		n.next[i].Store(prev[i].next[i].Load())
	}
	for i := 0; i < h; i++ {
		prev[i].next[i].Store(n)
	}
}

// iter satisfies iterator.Iterator over the skiplist's internal keys.
type iter struct {
	list *skipList
	n    *node
}

func (it *iter) Valid() bool { return it.n != nil }

func (it *iter) Key() []byte {
	if it.n == nil {
		return nil
	}
	return it.n.key
}

func (it *iter) Value() []byte {
	if it.n == nil {
		return nil
	}
	return it.n.value
}

func (it *iter) Next() { it.n = it.n.next[0].Load() }

func (it *iter) Prev() { it.n = it.list.findLessThan(it.n.key) }

func (it *iter) Seek(target []byte) { it.n = it.list.findGreaterOrEqual(target, nil) }

func (it *iter) First() { it.n = it.list.head.next[0].Load() }

func (it *iter) Last() { it.n = it.list.findLast() }

func (it *iter) Err() error { return nil }

func (it *iter) Close() error { return nil }
