package record

import (
	"encoding/binary"
	"errors"
	"io"

	"shaledb/pkg/crc32c"
	"shaledb/pkg/dberrors"
)

// Corruption is invoked for every span of bytes the reader drops. The reader
// resynchronizes at the next block; replay continues unless the caller stops.
type Corruption func(bytes int, reason error)

const (
	eofResult = iota + lastType + 1
	badResult
)

// Reader extracts logical records from a log stream, verifying checksums and
// reassembling fragmented records. A truncated final record is treated as a
// clean end of log (the writer died mid-append), not as corruption.
type Reader struct {
	r       io.Reader
	report  Corruption
	backing [BlockSize]byte
	buf     []byte
	eof     bool
}

func NewReader(r io.Reader, report Corruption) *Reader {
	if report == nil {
		report = func(int, error) {}
	}
	return &Reader{r: r, report: report}
}

// ReadRecord returns the next logical record, or io.EOF at the end of the
// stream. Returned slices are owned by the caller.
func (r *Reader) ReadRecord() ([]byte, error) {
	var scratch []byte
	inFragment := false

	for {
		rt, frag := r.readPhysicalRecord()
		switch rt {
		case fullType:
			if inFragment {
				r.report(len(scratch), dberrors.Corruptionf("partial record without end"))
				scratch = nil
				inFragment = false
			}
			return append([]byte(nil), frag...), nil

		case firstType:
			if inFragment {
				r.report(len(scratch), dberrors.Corruptionf("partial record without end"))
			}
			scratch = append(scratch[:0], frag...)
			inFragment = true

		case middleType:
			if !inFragment {
				r.report(len(frag), dberrors.Corruptionf("missing start of fragmented record"))
				continue
			}
			scratch = append(scratch, frag...)

		case lastType:
			if !inFragment {
				r.report(len(frag), dberrors.Corruptionf("missing start of fragmented record"))
				continue
			}
			return append(scratch, frag...), nil

		case eofResult:
			// A dangling fragment at EOF means the writer died mid-record;
			// the tail is simply not part of the log.
			return nil, io.EOF

		case badResult:
			if inFragment {
				scratch = nil
				inFragment = false
			}

		default:
			r.report(len(frag)+len(scratch), dberrors.Corruptionf("unknown record type %d", rt))
			scratch = nil
			inFragment = false
		}
	}
}

// readPhysicalRecord returns the next fragment, or eofResult/badResult.
func (r *Reader) readPhysicalRecord() (byte, []byte) {
	for {
		if len(r.buf) < headerSize {
			if r.eof {
				return eofResult, nil
			}
			// The block tail shorter than a header is padding; refill.
			n, err := io.ReadFull(r.r, r.backing[:])
			r.buf = r.backing[:n]
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					r.report(BlockSize, dberrors.IOErr(err))
					return eofResult, nil
				}
				r.eof = true
			}
			continue
		}

		crc := binary.LittleEndian.Uint32(r.buf[0:4])
		length := int(binary.LittleEndian.Uint16(r.buf[4:6]))
		rt := r.buf[6]

		if headerSize+length > len(r.buf) {
			dropped := len(r.buf)
			r.buf = nil
			if !r.eof {
				r.report(dropped, dberrors.Corruptionf("bad record length %d", length))
				return badResult, nil
			}
			// Truncated record at EOF: assume an interrupted write.
			return eofResult, nil
		}

		if rt == zeroType && length == 0 {
			// Zero-filled remainder of a preallocated block.
			r.buf = nil
			continue
		}

		payload := r.buf[headerSize : headerSize+length]
		if actual := crc32c.Extend(crc32c.Value([]byte{rt}), payload); crc32c.Mask(actual) != crc {
			dropped := len(r.buf)
			r.buf = nil
			r.report(dropped, dberrors.Corruptionf("checksum mismatch"))
			return badResult, nil
		}

		r.buf = r.buf[headerSize+length:]
		return rt, payload
	}
}
