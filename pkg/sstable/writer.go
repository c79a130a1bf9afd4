package sstable

import (
	"encoding/binary"
	"errors"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"shaledb/pkg/crc32c"
	"shaledb/pkg/dberrors"
	"shaledb/pkg/env"
	"shaledb/pkg/keys"
)

var (
	ErrNotAscending = errors.New("sstable: keys not in ascending order")
	ErrFinished     = errors.New("sstable: writer already finished")
)

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))

// Writer builds a table from entries added in ascending key order. The
// caller owns the underlying file: Finish does not sync or close it.
type Writer struct {
	f    env.WritableFile
	opts Options

	offset   uint64
	entries  int
	block    blockBuilder
	lastKey  []byte
	finished bool

	// pendingIndex defers the separator for a flushed block until the first
	// key of the next block is known.
	pendingIndex  bool
	pendingHandle blockHandle

	indexKeys    [][]byte
	indexHandles []blockHandle
	filterKeys   [][]byte

	compressBuf []byte
}

func NewWriter(f env.WritableFile, opts Options) *Writer {
	return &Writer{f: f, opts: opts.withDefaults()}
}

// Add appends an entry. Keys must arrive in strictly ascending order.
func (w *Writer) Add(key, value []byte) error {
	if w.finished {
		return ErrFinished
	}
	if w.lastKey != nil && w.opts.Comparator.Compare(key, w.lastKey) <= 0 {
		return ErrNotAscending
	}

	if w.pendingIndex {
		sep := w.opts.Comparator.Separator(nil, w.lastKey, key)
		w.indexKeys = append(w.indexKeys, sep)
		w.indexHandles = append(w.indexHandles, w.pendingHandle)
		w.pendingIndex = false
	}

	if w.opts.FilterBitsPerKey > 0 {
		w.filterKeys = append(w.filterKeys, append([]byte(nil), keys.UserKey(key)...))
	}

	w.lastKey = append(w.lastKey[:0], key...)
	w.block.add(key, value)
	w.entries++

	if w.block.sizeEstimate() >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.block.empty() {
		return nil
	}
	h, err := w.writeBlock(w.block.buf, w.opts.Compression)
	if err != nil {
		return err
	}
	w.block.reset()
	w.pendingHandle = h
	w.pendingIndex = true
	return nil
}

// writeBlock emits payload with a codec byte and masked CRC32C trailer.
func (w *Writer) writeBlock(payload []byte, codec Compression) (blockHandle, error) {
	body := payload
	switch codec {
	case SnappyCompression:
		w.compressBuf = snappy.Encode(w.compressBuf[:0], payload)
		if len(w.compressBuf) < len(payload) {
			body = w.compressBuf
		} else {
			codec = NoCompression
		}
	case ZstdCompression:
		w.compressBuf = zstdEncoder.EncodeAll(payload, w.compressBuf[:0])
		if len(w.compressBuf) < len(payload) {
			body = w.compressBuf
		} else {
			codec = NoCompression
		}
	}

	var trailer [blockTrailerLen]byte
	trailer[0] = byte(codec)
	crc := crc32c.Extend(crc32c.Value(body), trailer[:1])
	binary.LittleEndian.PutUint32(trailer[1:], crc32c.Mask(crc))

	if _, err := w.f.Write(body); err != nil {
		return blockHandle{}, dberrors.IOErr(err)
	}
	if _, err := w.f.Write(trailer[:]); err != nil {
		return blockHandle{}, dberrors.IOErr(err)
	}

	h := blockHandle{offset: w.offset, length: uint64(len(body))}
	w.offset += uint64(len(body)) + blockTrailerLen
	return h, nil
}

// Finish flushes the last data block and writes filter, index and footer.
func (w *Writer) Finish() error {
	if w.finished {
		return ErrFinished
	}
	w.finished = true

	if err := w.flushBlock(); err != nil {
		return err
	}
	if w.pendingIndex {
		w.indexKeys = append(w.indexKeys, w.opts.Comparator.Successor(nil, w.lastKey))
		w.indexHandles = append(w.indexHandles, w.pendingHandle)
		w.pendingIndex = false
	}

	var filterHandle blockHandle
	if len(w.filterKeys) > 0 {
		filter := buildBloomFilter(w.filterKeys, w.opts.FilterBitsPerKey)
		h, err := w.writeBlock(filter, NoCompression)
		if err != nil {
			return err
		}
		filterHandle = h
	}

	var index blockBuilder
	for i, sep := range w.indexKeys {
		index.add(sep, appendHandle(nil, w.indexHandles[i]))
	}
	indexHandle, err := w.writeBlock(index.buf, NoCompression)
	if err != nil {
		return err
	}

	var footer [footerLen]byte
	binary.LittleEndian.PutUint64(footer[0:8], filterHandle.offset)
	binary.LittleEndian.PutUint64(footer[8:16], filterHandle.length)
	binary.LittleEndian.PutUint64(footer[16:24], indexHandle.offset)
	binary.LittleEndian.PutUint64(footer[24:32], indexHandle.length)
	binary.LittleEndian.PutUint64(footer[32:40], tableMagic)
	if _, err := w.f.Write(footer[:]); err != nil {
		return dberrors.IOErr(err)
	}
	w.offset += footerLen
	return nil
}

// EntryCount returns the number of entries added so far.
func (w *Writer) EntryCount() int { return w.entries }

// FileSize estimates the final file size, including the unflushed block.
func (w *Writer) FileSize() uint64 {
	return w.offset + uint64(w.block.sizeEstimate())
}
