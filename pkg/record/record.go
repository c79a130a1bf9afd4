// Package record implements the checksummed, block-aligned log format shared
// by the write-ahead log and the manifest. A stream is a sequence of 32 KiB
// blocks; each physical record carries a 7-byte header of masked CRC32C,
// payload length and fragment type. Logical records that do not fit the
// remainder of a block are split into first/middle/last fragments.
package record

const (
	// BlockSize is the framing granularity of the log stream.
	BlockSize = 32768

	// headerSize covers checksum (4), length (2) and type (1).
	headerSize = 7
)

const (
	// fullType through lastType describe how a physical record relates to
	// the logical record it belongs to. Zero is reserved for preallocated
	// file space.
	zeroType   = 0
	fullType   = 1
	firstType  = 2
	middleType = 3
	lastType   = 4
)
