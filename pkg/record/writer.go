package record

import (
	"encoding/binary"
	"io"

	"shaledb/pkg/crc32c"
)

// Writer appends logical records to a log stream. It is not safe for
// concurrent use; the engine serializes appends through the write leader.
type Writer struct {
	w           io.Writer
	blockOffset int
	head        [headerSize]byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// NewWriterAt resumes writing to a stream whose current length is offset.
func NewWriterAt(w io.Writer, offset int64) *Writer {
	return &Writer{w: w, blockOffset: int(offset % BlockSize)}
}

var zeros [headerSize]byte

// AddRecord frames p into one or more physical records. A zero-length p
// still emits a full-type record, so empty batches remain replayable.
func (w *Writer) AddRecord(p []byte) error {
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < headerSize {
			// The header does not fit; pad the block tail with zeros.
			if leftover > 0 {
				if _, err := w.w.Write(zeros[:leftover]); err != nil {
					return err
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - headerSize
		frag := len(p)
		if frag > avail {
			frag = avail
		}
		end := frag == len(p)

		var rt byte
		switch {
		case begin && end:
			rt = fullType
		case begin:
			rt = firstType
		case end:
			rt = lastType
		default:
			rt = middleType
		}

		if err := w.emit(rt, p[:frag]); err != nil {
			return err
		}
		p = p[frag:]
		begin = false
		if end {
			return nil
		}
	}
}

func (w *Writer) emit(rt byte, payload []byte) error {
	crc := crc32c.Extend(crc32c.Value([]byte{rt}), payload)
	binary.LittleEndian.PutUint32(w.head[0:4], crc32c.Mask(crc))
	binary.LittleEndian.PutUint16(w.head[4:6], uint16(len(payload)))
	w.head[6] = rt

	if _, err := w.w.Write(w.head[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	w.blockOffset += headerSize + len(payload)
	return nil
}
