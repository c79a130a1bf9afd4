package sstable

import (
	"encoding/binary"
	"sort"

	"shaledb/pkg/dberrors"
	"shaledb/pkg/iterator"
)

// blockBuilder accumulates length-prefixed key/value entries in key order.
type blockBuilder struct {
	buf   []byte
	count int
}

func (b *blockBuilder) add(key, value []byte) {
	b.buf = binary.AppendUvarint(b.buf, uint64(len(key)))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, key...)
	b.buf = append(b.buf, value...)
	b.count++
}

func (b *blockBuilder) sizeEstimate() int { return len(b.buf) }

func (b *blockBuilder) empty() bool { return b.count == 0 }

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.count = 0
}

// block is a decoded, immutable data block. Entries are indexed up front so
// seeks binary-search and reverse iteration is O(1).
type block struct {
	keys [][]byte
	vals [][]byte
	size int64
}

func decodeBlock(data []byte) (*block, error) {
	b := &block{size: int64(len(data))}
	for len(data) > 0 {
		klen, kw := binary.Uvarint(data)
		if kw <= 0 {
			return nil, dberrors.Corruptionf("bad block entry key length")
		}
		vlen, vw := binary.Uvarint(data[kw:])
		if vw <= 0 {
			return nil, dberrors.Corruptionf("bad block entry value length")
		}
		data = data[kw+vw:]
		if uint64(len(data)) < klen+vlen {
			return nil, dberrors.Corruptionf("block entry overruns block")
		}
		b.keys = append(b.keys, data[:klen:klen])
		b.vals = append(b.vals, data[klen:klen+vlen:klen+vlen])
		data = data[klen+vlen:]
	}
	return b, nil
}

type blockIter struct {
	blk *block
	cmp iterator.Compare
	pos int
}

func newBlockIter(blk *block, cmp iterator.Compare) *blockIter {
	return &blockIter{blk: blk, cmp: cmp, pos: -1}
}

func (it *blockIter) Valid() bool { return it.pos >= 0 && it.pos < len(it.blk.keys) }

func (it *blockIter) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.blk.keys[it.pos]
}

func (it *blockIter) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.blk.vals[it.pos]
}

func (it *blockIter) First() { it.pos = 0 }
func (it *blockIter) Last()  { it.pos = len(it.blk.keys) - 1 }
func (it *blockIter) Next()  { it.pos++ }
func (it *blockIter) Prev()  { it.pos-- }

func (it *blockIter) Seek(target []byte) {
	it.pos = sort.Search(len(it.blk.keys), func(i int) bool {
		return it.cmp(it.blk.keys[i], target) >= 0
	})
}

func (it *blockIter) Err() error   { return nil }
func (it *blockIter) Close() error { return nil }
