// Package sstable reads and writes immutable sorted table files. A table is
// a run of compressed, checksummed data blocks, followed by a bloom filter
// block, an index block of shortened separator keys, and a fixed footer.
package sstable

import (
	"encoding/binary"

	"shaledb/pkg/keys"
)

// Compression selects the per-block codec. The codec byte is stored in each
// block trailer, so readers do not depend on options to decode.
type Compression byte

const (
	NoCompression     Compression = 0
	SnappyCompression Compression = 1
	ZstdCompression   Compression = 2
)

const (
	// blockTrailerLen holds the codec byte and the masked CRC32C.
	blockTrailerLen = 5

	footerLen = 40

	tableMagic = 0x73686c6462746221
)

// Options parameterize table construction and reading.
type Options struct {
	// Comparator orders entries; tables store internal keys, so this is
	// normally the internal comparator.
	Comparator keys.Comparator
	// BlockSize bounds uncompressed data block payloads.
	BlockSize int
	// Compression is applied per block on write.
	Compression Compression
	// FilterBitsPerKey sizes the bloom filter; zero disables it.
	FilterBitsPerKey int
	// Cache, when set, holds decoded blocks across reads.
	Cache *Cache
	// VerifyChecksums re-checks block trailers on every read miss.
	VerifyChecksums bool
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	return o
}

type blockHandle struct {
	offset uint64
	length uint64
}

func appendHandle(dst []byte, h blockHandle) []byte {
	dst = binary.AppendUvarint(dst, h.offset)
	return binary.AppendUvarint(dst, h.length)
}

func decodeHandle(data []byte) (blockHandle, bool) {
	off, n := binary.Uvarint(data)
	if n <= 0 {
		return blockHandle{}, false
	}
	length, m := binary.Uvarint(data[n:])
	if m <= 0 {
		return blockHandle{}, false
	}
	return blockHandle{offset: off, length: length}, true
}
