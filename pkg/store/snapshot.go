package store

// Snapshot pins a sequence number so reads against it see a frozen view and
// compactions retain the entries needed to reproduce it. Snapshots form an
// intrusive list ordered oldest to newest, maintained under the database
// mutex.
type Snapshot struct {
	seq  uint64
	prev *Snapshot
	next *Snapshot
}

// Sequence returns the pinned sequence number.
func (s *Snapshot) Sequence() uint64 { return s.seq }

type snapshotList struct {
	head Snapshot
}

func (l *snapshotList) init() {
	l.head.prev = &l.head
	l.head.next = &l.head
}

func (l *snapshotList) empty() bool { return l.head.next == &l.head }

func (l *snapshotList) oldest() *Snapshot { return l.head.next }

func (l *snapshotList) newest() *Snapshot { return l.head.prev }

// add appends a snapshot at seq; sequences are non-decreasing, so insertion
// at the tail keeps the list ordered.
func (l *snapshotList) add(seq uint64) *Snapshot {
	s := &Snapshot{seq: seq}
	s.prev = l.head.prev
	s.next = &l.head
	s.prev.next = s
	s.next.prev = s
	return s
}

func (l *snapshotList) remove(s *Snapshot) {
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev = nil
	s.next = nil
}
