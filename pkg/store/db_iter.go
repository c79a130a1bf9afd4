package store

import (
	"github.com/zhangyunhao116/fastrand"

	"shaledb/pkg/iterator"
	"shaledb/pkg/keys"
)

type direction int

const (
	forward direction = iota
	reverse
)

// dbIter presents the merged internal iterator as a clean user-key view: it
// hides entries newer than the read sequence, tombstones, and shadowed
// older versions of a key. It also samples scanned keys to feed the
// seek-compaction heuristic.
type dbIter struct {
	d       *DB
	ucmp    keys.Comparator
	iter    iterator.Iterator
	seq     uint64
	cleanup func()

	dir        direction
	valid      bool
	savedKey   []byte // target to skip past (forward) or current key (reverse)
	savedValue []byte // current value when moving backwards

	bytesUntilReadSampling int
}

func newDBIter(d *DB, internal iterator.Iterator, seq uint64, cleanup func()) iterator.Iterator {
	return &dbIter{
		d:                      d,
		ucmp:                   d.icmp.User,
		iter:                   internal,
		seq:                    seq,
		cleanup:                cleanup,
		bytesUntilReadSampling: randomCompactionPeriod(),
	}
}

// randomCompactionPeriod picks how many scanned bytes to let pass before
// sampling one key, averaging readBytesPeriod.
func randomCompactionPeriod() int {
	return int(fastrand.Uint32n(2 * readBytesPeriod))
}

// parseKey decodes the current internal key, charging the scanned bytes
// against the sampling budget.
func (i *dbIter) parseKey() (ukey []byte, seq uint64, kind keys.Kind, ok bool) {
	k := i.iter.Key()
	n := len(k) + len(i.iter.Value())
	if i.bytesUntilReadSampling < n {
		i.bytesUntilReadSampling += randomCompactionPeriod()
		i.d.recordReadSample(k)
	}
	i.bytesUntilReadSampling -= n

	ukey, seq, kind, err := keys.ParseInternalKey(k)
	if err != nil {
		// Skip undecodable entries; table corruption surfaces through
		// the underlying iterator's Err.
		return nil, 0, 0, false
	}
	return ukey, seq, kind, true
}

func (i *dbIter) Valid() bool { return i.valid }

func (i *dbIter) Key() []byte {
	if !i.valid {
		return nil
	}
	if i.dir == forward {
		return keys.UserKey(i.iter.Key())
	}
	return i.savedKey
}

func (i *dbIter) Value() []byte {
	if !i.valid {
		return nil
	}
	if i.dir == forward {
		return i.iter.Value()
	}
	return i.savedValue
}

func (i *dbIter) First() {
	i.dir = forward
	i.savedKey = i.savedKey[:0]
	i.savedValue = nil
	i.iter.First()
	if i.iter.Valid() {
		i.findNextUserEntry(false)
	} else {
		i.valid = false
	}
}

func (i *dbIter) Last() {
	i.dir = reverse
	i.savedKey = i.savedKey[:0]
	i.savedValue = nil
	i.iter.Last()
	i.findPrevUserEntry()
}

func (i *dbIter) Seek(target []byte) {
	i.dir = forward
	i.savedKey = i.savedKey[:0]
	i.savedValue = nil
	i.iter.Seek(keys.MakeLookupKey(target, i.seq))
	if i.iter.Valid() {
		i.findNextUserEntry(false)
	} else {
		i.valid = false
	}
}

func (i *dbIter) Next() {
	if !i.valid {
		return
	}
	if i.dir == reverse {
		// The internal iterator sits just before the entries of savedKey;
		// step onto them, then skip past the key itself.
		i.dir = forward
		if !i.iter.Valid() {
			i.iter.First()
		} else {
			i.iter.Next()
		}
		if !i.iter.Valid() {
			i.valid = false
			i.savedKey = i.savedKey[:0]
			return
		}
		// savedKey already holds the user key to skip past.
	} else {
		i.savedKey = append(i.savedKey[:0], keys.UserKey(i.iter.Key())...)
	}
	i.findNextUserEntry(true)
}

func (i *dbIter) Prev() {
	if !i.valid {
		return
	}
	if i.dir == forward {
		// Walk backwards to the first entry of an earlier user key.
		i.savedKey = append(i.savedKey[:0], keys.UserKey(i.iter.Key())...)
		for {
			i.iter.Prev()
			if !i.iter.Valid() {
				i.valid = false
				i.savedKey = i.savedKey[:0]
				i.savedValue = nil
				return
			}
			if i.ucmp.Compare(keys.UserKey(i.iter.Key()), i.savedKey) < 0 {
				break
			}
		}
		i.dir = reverse
	}
	i.findPrevUserEntry()
}

// findNextUserEntry advances to the next visible, live user key. With
// skipping set, entries whose user key is <= savedKey are passed over.
func (i *dbIter) findNextUserEntry(skipping bool) {
	for i.iter.Valid() {
		if ukey, seq, kind, ok := i.parseKey(); ok && seq <= i.seq {
			switch kind {
			case keys.KindDeletion:
				// Hide every older entry of this key.
				i.savedKey = append(i.savedKey[:0], ukey...)
				skipping = true
			case keys.KindValue:
				if skipping && i.ucmp.Compare(ukey, i.savedKey) <= 0 {
					// Shadowed by a deletion or an already-yielded entry.
					break
				}
				i.valid = true
				i.savedKey = i.savedKey[:0]
				return
			}
		}
		i.iter.Next()
	}
	i.savedKey = i.savedKey[:0]
	i.valid = false
}

// findPrevUserEntry backs up to the newest visible entry of the largest
// user key below the current position, remembering it in savedKey/Value.
func (i *dbIter) findPrevUserEntry() {
	kind := keys.KindDeletion
	if i.iter.Valid() {
		for {
			if ukey, seq, ikind, ok := i.parseKey(); ok && seq <= i.seq {
				if kind != keys.KindDeletion && i.ucmp.Compare(ukey, i.savedKey) < 0 {
					// We passed the first entry of savedKey; it is the
					// answer.
					break
				}
				kind = ikind
				if kind == keys.KindDeletion {
					i.savedKey = i.savedKey[:0]
					i.savedValue = nil
				} else {
					i.savedKey = append(i.savedKey[:0], ukey...)
					i.savedValue = append(i.savedValue[:0], i.iter.Value()...)
				}
			}
			i.iter.Prev()
			if !i.iter.Valid() {
				break
			}
		}
	}

	if kind == keys.KindDeletion {
		// Ran off the start.
		i.valid = false
		i.savedKey = i.savedKey[:0]
		i.savedValue = nil
		i.dir = forward
	} else {
		i.valid = true
	}
}

func (i *dbIter) Err() error { return i.iter.Err() }

func (i *dbIter) Close() error {
	err := i.iter.Close()
	if i.cleanup != nil {
		i.cleanup()
		i.cleanup = nil
	}
	return err
}
