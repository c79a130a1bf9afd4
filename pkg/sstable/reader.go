package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"shaledb/pkg/crc32c"
	"shaledb/pkg/dberrors"
	"shaledb/pkg/env"
	"shaledb/pkg/iterator"
	"shaledb/pkg/keys"
)

var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))

// Reader serves lookups and iteration over one table file. It is safe for
// concurrent use.
type Reader struct {
	f       env.RandomAccessFile
	opts    Options
	cacheID uint64

	indexKeys    [][]byte
	indexHandles []blockHandle
	filter       []byte
}

// Open reads the footer, index block and filter block of a table of the
// given size.
func Open(f env.RandomAccessFile, size int64, opts Options) (*Reader, error) {
	opts = opts.withDefaults()
	if size < footerLen {
		return nil, dberrors.Corruptionf("table file too small: %d bytes", size)
	}

	var footer [footerLen]byte
	if _, err := f.ReadAt(footer[:], size-footerLen); err != nil {
		return nil, dberrors.IOErr(err)
	}
	if binary.LittleEndian.Uint64(footer[32:40]) != tableMagic {
		return nil, dberrors.Corruptionf("bad table magic")
	}

	r := &Reader{f: f, opts: opts}
	if opts.Cache != nil {
		r.cacheID = opts.Cache.NewID()
	}

	filterHandle := blockHandle{
		offset: binary.LittleEndian.Uint64(footer[0:8]),
		length: binary.LittleEndian.Uint64(footer[8:16]),
	}
	indexHandle := blockHandle{
		offset: binary.LittleEndian.Uint64(footer[16:24]),
		length: binary.LittleEndian.Uint64(footer[24:32]),
	}

	indexPayload, err := r.readRaw(indexHandle, true)
	if err != nil {
		return nil, err
	}
	index, err := decodeBlock(indexPayload)
	if err != nil {
		return nil, err
	}
	r.indexKeys = index.keys
	for i, v := range index.vals {
		h, ok := decodeHandle(v)
		if !ok {
			return nil, dberrors.Corruptionf("bad index entry %d", i)
		}
		r.indexHandles = append(r.indexHandles, h)
	}

	if filterHandle.length > 0 {
		r.filter, err = r.readRaw(filterHandle, true)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// readRaw fetches and decompresses one block's payload, bypassing the cache.
func (r *Reader) readRaw(h blockHandle, verify bool) ([]byte, error) {
	raw := make([]byte, h.length+blockTrailerLen)
	if _, err := r.f.ReadAt(raw, int64(h.offset)); err != nil {
		return nil, dberrors.IOErr(err)
	}
	body := raw[:h.length]
	codec := Compression(raw[h.length])

	if verify {
		stored := binary.LittleEndian.Uint32(raw[h.length+1:])
		actual := crc32c.Extend(crc32c.Value(body), raw[h.length:h.length+1])
		if crc32c.Mask(actual) != stored {
			return nil, dberrors.Corruptionf("block checksum mismatch at offset %d", h.offset)
		}
	}

	switch codec {
	case NoCompression:
		return body, nil
	case SnappyCompression:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, dberrors.Corruptionf("snappy decode at offset %d: %v", h.offset, err)
		}
		return out, nil
	case ZstdCompression:
		out, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, dberrors.Corruptionf("zstd decode at offset %d: %v", h.offset, err)
		}
		return out, nil
	}
	return nil, dberrors.Corruptionf("unknown block codec %d", codec)
}

func (r *Reader) readBlock(h blockHandle) (*block, error) {
	if c := r.opts.Cache; c != nil {
		if blk := c.get(r.cacheID, h.offset); blk != nil {
			return blk, nil
		}
	}
	payload, err := r.readRaw(h, r.opts.VerifyChecksums)
	if err != nil {
		return nil, err
	}
	blk, err := decodeBlock(payload)
	if err != nil {
		return nil, err
	}
	if c := r.opts.Cache; c != nil {
		c.insert(r.cacheID, h.offset, blk)
	}
	return blk, nil
}

// seekIndex returns the position of the first block whose separator is >=
// the target key.
func (r *Reader) seekIndex(target []byte) int {
	return sort.Search(len(r.indexKeys), func(i int) bool {
		return r.opts.Comparator.Compare(r.indexKeys[i], target) >= 0
	})
}

// Get returns the first entry with key >= ikey, consulting the bloom filter
// first. The caller decides whether the returned entry answers the lookup.
func (r *Reader) Get(ikey []byte) (rkey, rvalue []byte, ok bool, err error) {
	if r.filter != nil && !bloomMayContain(r.filter, keys.UserKey(ikey)) {
		return nil, nil, false, nil
	}
	for idx := r.seekIndex(ikey); idx < len(r.indexHandles); idx++ {
		blk, err := r.readBlock(r.indexHandles[idx])
		if err != nil {
			return nil, nil, false, err
		}
		it := newBlockIter(blk, r.opts.Comparator.Compare)
		it.Seek(ikey)
		if it.Valid() {
			return it.Key(), it.Value(), true, nil
		}
	}
	return nil, nil, false, nil
}

// Close releases the underlying file and any cached blocks.
func (r *Reader) Close() error {
	if c := r.opts.Cache; c != nil {
		c.EvictFile(r.cacheID)
	}
	return r.f.Close()
}

// NewIterator iterates the table's entries. The reader must stay open for
// the iterator's lifetime.
func (r *Reader) NewIterator() iterator.Iterator {
	return &tableIter{r: r, idx: -1}
}

// tableIter walks the index and streams through data blocks.
type tableIter struct {
	r   *Reader
	idx int
	blk *blockIter
	err error
}

func (it *tableIter) loadBlock(idx int) bool {
	if idx < 0 || idx >= len(it.r.indexHandles) {
		it.blk = nil
		return false
	}
	blk, err := it.r.readBlock(it.r.indexHandles[idx])
	if err != nil {
		it.err = err
		it.blk = nil
		return false
	}
	it.idx = idx
	it.blk = newBlockIter(blk, it.r.opts.Comparator.Compare)
	return true
}

func (it *tableIter) Valid() bool { return it.err == nil && it.blk != nil && it.blk.Valid() }

func (it *tableIter) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.blk.Key()
}

func (it *tableIter) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.blk.Value()
}

func (it *tableIter) First() {
	if it.loadBlock(0) {
		it.blk.First()
		it.skipForwardEmpty()
	}
}

func (it *tableIter) Last() {
	if it.loadBlock(len(it.r.indexHandles) - 1) {
		it.blk.Last()
		it.skipBackwardEmpty()
	}
}

func (it *tableIter) Seek(target []byte) {
	idx := it.r.seekIndex(target)
	if !it.loadBlock(idx) {
		return
	}
	it.blk.Seek(target)
	it.skipForwardEmpty()
}

func (it *tableIter) Next() {
	if it.blk == nil {
		return
	}
	it.blk.Next()
	it.skipForwardEmpty()
}

func (it *tableIter) Prev() {
	if it.blk == nil {
		return
	}
	it.blk.Prev()
	it.skipBackwardEmpty()
}

// skipForwardEmpty advances to the next block when the current one is
// exhausted.
func (it *tableIter) skipForwardEmpty() {
	for it.blk != nil && !it.blk.Valid() && it.blk.pos >= 0 {
		if !it.loadBlock(it.idx + 1) {
			return
		}
		it.blk.First()
	}
}

func (it *tableIter) skipBackwardEmpty() {
	for it.blk != nil && !it.blk.Valid() && it.blk.pos < 0 {
		if it.idx == 0 {
			it.blk = nil
			return
		}
		if !it.loadBlock(it.idx - 1) {
			return
		}
		it.blk.Last()
	}
}

func (it *tableIter) Err() error { return it.err }

func (it *tableIter) Close() error { return it.err }
