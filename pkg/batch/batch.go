package batch

import (
	"encoding/binary"

	"shaledb/pkg/dberrors"
	"shaledb/pkg/keys"
)

// HeaderLen is the fixed batch prefix: sequence (8 bytes) then count (4 bytes),
// both little-endian.
const HeaderLen = 12

// Batch groups put and delete operations that commit atomically under one
// contiguous run of sequence numbers. The in-memory representation is the
// wire representation, so batches append to the WAL without re-encoding.
type Batch struct {
	rep []byte
}

// Handler receives the decoded operations of a batch, in order.
type Handler interface {
	Put(key, value []byte)
	Delete(key []byte)
}

func New() *Batch {
	return &Batch{rep: make([]byte, HeaderLen)}
}

// Put queues a key/value insertion.
func (b *Batch) Put(key, value []byte) {
	b.init()
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(keys.KindValue))
	b.rep = appendLenPrefixed(b.rep, key)
	b.rep = appendLenPrefixed(b.rep, value)
}

// Delete queues a tombstone for key.
func (b *Batch) Delete(key []byte) {
	b.init()
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(keys.KindDeletion))
	b.rep = appendLenPrefixed(b.rep, key)
}

// Clear resets the batch to empty, keeping its buffer.
func (b *Batch) Clear() {
	b.init()
	b.rep = b.rep[:HeaderLen]
	for i := range b.rep {
		b.rep[i] = 0
	}
}

// Count returns the number of queued operations.
func (b *Batch) Count() int {
	b.init()
	return int(binary.LittleEndian.Uint32(b.rep[8:HeaderLen]))
}

// Size returns the encoded byte size of the batch.
func (b *Batch) Size() int {
	b.init()
	return len(b.rep)
}

// Sequence returns the sequence number assigned to the first record.
func (b *Batch) Sequence() uint64 {
	b.init()
	return binary.LittleEndian.Uint64(b.rep[:8])
}

// SetSequence stamps the sequence number of the first record; record i
// commits at Sequence()+i.
func (b *Batch) SetSequence(seq uint64) {
	b.init()
	binary.LittleEndian.PutUint64(b.rep[:8], seq)
}

// Contents exposes the wire encoding. The slice aliases the batch and is
// valid until the next mutation.
func (b *Batch) Contents() []byte {
	b.init()
	return b.rep
}

// SetContents replaces the batch with a previously encoded representation,
// e.g. one replayed from the WAL.
func (b *Batch) SetContents(data []byte) error {
	if len(data) < HeaderLen {
		return dberrors.Corruptionf("batch too small: %d bytes", len(data))
	}
	b.rep = append(b.rep[:0], data...)
	return nil
}

// Append concatenates the records of src onto b. Sequence assignment is the
// caller's concern; this is the group-commit coalescing primitive.
func (b *Batch) Append(src *Batch) {
	b.init()
	src.init()
	b.setCount(b.Count() + src.Count())
	b.rep = append(b.rep, src.rep[HeaderLen:]...)
}

// Iterate replays the queued operations into h in insertion order.
func (b *Batch) Iterate(h Handler) error {
	b.init()
	data := b.rep[HeaderLen:]
	var found int
	for len(data) > 0 {
		kind := keys.Kind(data[0])
		data = data[1:]
		key, rest, err := getLenPrefixed(data)
		if err != nil {
			return err
		}
		data = rest
		switch kind {
		case keys.KindValue:
			var value []byte
			value, data, err = getLenPrefixed(data)
			if err != nil {
				return err
			}
			h.Put(key, value)
		case keys.KindDeletion:
			h.Delete(key)
		default:
			return dberrors.Corruptionf("unknown batch record tag %d", kind)
		}
		found++
	}
	if found != b.Count() {
		return dberrors.Corruptionf("batch count %d does not match %d records", b.Count(), found)
	}
	return nil
}

func (b *Batch) init() {
	if b.rep == nil {
		b.rep = make([]byte, HeaderLen)
	}
}

func (b *Batch) setCount(n int) {
	binary.LittleEndian.PutUint32(b.rep[8:HeaderLen], uint32(n))
}

func appendLenPrefixed(dst, p []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(p)))
	return append(dst, p...)
}

func getLenPrefixed(data []byte) (p, rest []byte, err error) {
	n, w := binary.Uvarint(data)
	if w <= 0 || uint64(len(data)-w) < n {
		return nil, nil, dberrors.Corruptionf("bad length-prefixed field in batch")
	}
	return data[w : w+int(n)], data[w+int(n):], nil
}
