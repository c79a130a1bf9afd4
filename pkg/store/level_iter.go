package store

import (
	"shaledb/pkg/iterator"
	"shaledb/pkg/keys"
)

// levelIter concatenates the tables of one level >= 1, opening at most one
// table at a time. Files are disjoint and sorted by smallest key, so the
// concatenation is globally sorted.
type levelIter struct {
	icmp   keys.InternalComparator
	tcache *tableCache
	ro     ReadOptions
	files  []*fileMetadata

	idx int
	cur iterator.Iterator
	err error
}

func newLevelIter(icmp keys.InternalComparator, tcache *tableCache, ro ReadOptions, files []*fileMetadata) iterator.Iterator {
	return &levelIter{icmp: icmp, tcache: tcache, ro: ro, files: files, idx: -1}
}

func (l *levelIter) loadFile(idx int) bool {
	if l.cur != nil {
		if err := l.cur.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.cur = nil
	}
	if idx < 0 || idx >= len(l.files) {
		l.idx = idx
		return false
	}
	l.idx = idx
	f := l.files[idx]
	l.cur = l.tcache.newIterator(l.ro, f.number, f.size)
	return true
}

func (l *levelIter) Valid() bool { return l.cur != nil && l.cur.Valid() }

func (l *levelIter) Key() []byte {
	if !l.Valid() {
		return nil
	}
	return l.cur.Key()
}

func (l *levelIter) Value() []byte {
	if !l.Valid() {
		return nil
	}
	return l.cur.Value()
}

func (l *levelIter) First() {
	if l.loadFile(0) {
		l.cur.First()
		l.skipEmptyForward()
	}
}

func (l *levelIter) Last() {
	if l.loadFile(len(l.files) - 1) {
		l.cur.Last()
		l.skipEmptyBackward()
	}
}

func (l *levelIter) Seek(target []byte) {
	idx := findFile(l.icmp, l.files, target)
	if !l.loadFile(idx) {
		return
	}
	l.cur.Seek(target)
	l.skipEmptyForward()
}

func (l *levelIter) Next() {
	if l.cur == nil {
		return
	}
	l.cur.Next()
	l.skipEmptyForward()
}

func (l *levelIter) Prev() {
	if l.cur == nil {
		return
	}
	l.cur.Prev()
	l.skipEmptyBackward()
}

func (l *levelIter) skipEmptyForward() {
	for l.cur != nil && !l.cur.Valid() {
		if err := l.cur.Err(); err != nil && l.err == nil {
			l.err = err
		}
		if !l.loadFile(l.idx + 1) {
			return
		}
		l.cur.First()
	}
}

func (l *levelIter) skipEmptyBackward() {
	for l.cur != nil && !l.cur.Valid() {
		if err := l.cur.Err(); err != nil && l.err == nil {
			l.err = err
		}
		if !l.loadFile(l.idx - 1) {
			return
		}
		l.cur.Last()
	}
}

func (l *levelIter) Err() error {
	if l.err != nil {
		return l.err
	}
	if l.cur != nil {
		return l.cur.Err()
	}
	return nil
}

func (l *levelIter) Close() error {
	if l.cur != nil {
		if err := l.cur.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.cur = nil
	}
	return l.err
}
