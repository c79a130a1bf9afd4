package store

import (
	"encoding/binary"

	"shaledb/pkg/dberrors"
)

// Manifest field tags. Unknown tags are a corruption, not an extension
// point: the manifest format is closed.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

// fileMetadata describes one table file referenced by a version. The
// smallest and largest bounds are internal keys. allowedSeeks is mutated
// under the database mutex only.
type fileMetadata struct {
	number       uint64
	size         uint64
	smallest     []byte
	largest      []byte
	allowedSeeks int
}

type deletedFileEntry struct {
	level  int
	number uint64
}

type compactPointerEntry struct {
	level int
	key   []byte
}

type newFileEntry struct {
	level int
	meta  fileMetadata
}

// versionEdit is a structured delta between two versions, serialized into
// the manifest log.
type versionEdit struct {
	comparatorName    string
	hasComparatorName bool

	logNumber    uint64
	hasLogNumber bool

	prevLogNumber    uint64
	hasPrevLogNumber bool

	nextFileNumber    uint64
	hasNextFileNumber bool

	lastSequence    uint64
	hasLastSequence bool

	compactPointers []compactPointerEntry
	deletedFiles    map[deletedFileEntry]struct{}
	newFiles        []newFileEntry
}

func (e *versionEdit) setComparatorName(name string) {
	e.comparatorName = name
	e.hasComparatorName = true
}

func (e *versionEdit) setLogNumber(n uint64) {
	e.logNumber = n
	e.hasLogNumber = true
}

func (e *versionEdit) setPrevLogNumber(n uint64) {
	e.prevLogNumber = n
	e.hasPrevLogNumber = true
}

func (e *versionEdit) setNextFileNumber(n uint64) {
	e.nextFileNumber = n
	e.hasNextFileNumber = true
}

func (e *versionEdit) setLastSequence(s uint64) {
	e.lastSequence = s
	e.hasLastSequence = true
}

func (e *versionEdit) setCompactPointer(level int, key []byte) {
	e.compactPointers = append(e.compactPointers, compactPointerEntry{level: level, key: key})
}

func (e *versionEdit) addFile(level int, meta fileMetadata) {
	e.newFiles = append(e.newFiles, newFileEntry{level: level, meta: meta})
}

func (e *versionEdit) removeFile(level int, number uint64) {
	if e.deletedFiles == nil {
		e.deletedFiles = make(map[deletedFileEntry]struct{})
	}
	e.deletedFiles[deletedFileEntry{level: level, number: number}] = struct{}{}
}

func appendVarBytes(dst, p []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(p)))
	return append(dst, p...)
}

// encode serializes the edit as tagged fields.
func (e *versionEdit) encode(dst []byte) []byte {
	if e.hasComparatorName {
		dst = binary.AppendUvarint(dst, tagComparator)
		dst = appendVarBytes(dst, []byte(e.comparatorName))
	}
	if e.hasLogNumber {
		dst = binary.AppendUvarint(dst, tagLogNumber)
		dst = binary.AppendUvarint(dst, e.logNumber)
	}
	if e.hasPrevLogNumber {
		dst = binary.AppendUvarint(dst, tagPrevLogNumber)
		dst = binary.AppendUvarint(dst, e.prevLogNumber)
	}
	if e.hasNextFileNumber {
		dst = binary.AppendUvarint(dst, tagNextFileNumber)
		dst = binary.AppendUvarint(dst, e.nextFileNumber)
	}
	if e.hasLastSequence {
		dst = binary.AppendUvarint(dst, tagLastSequence)
		dst = binary.AppendUvarint(dst, e.lastSequence)
	}
	for _, cp := range e.compactPointers {
		dst = binary.AppendUvarint(dst, tagCompactPointer)
		dst = binary.AppendUvarint(dst, uint64(cp.level))
		dst = appendVarBytes(dst, cp.key)
	}
	for df := range e.deletedFiles {
		dst = binary.AppendUvarint(dst, tagDeletedFile)
		dst = binary.AppendUvarint(dst, uint64(df.level))
		dst = binary.AppendUvarint(dst, df.number)
	}
	for _, nf := range e.newFiles {
		dst = binary.AppendUvarint(dst, tagNewFile)
		dst = binary.AppendUvarint(dst, uint64(nf.level))
		dst = binary.AppendUvarint(dst, nf.meta.number)
		dst = binary.AppendUvarint(dst, nf.meta.size)
		dst = appendVarBytes(dst, nf.meta.smallest)
		dst = appendVarBytes(dst, nf.meta.largest)
	}
	return dst
}

type editDecoder struct {
	data []byte
}

func (d *editDecoder) uvarint() (uint64, error) {
	n, w := binary.Uvarint(d.data)
	if w <= 0 {
		return 0, dberrors.Corruptionf("manifest edit: bad varint")
	}
	d.data = d.data[w:]
	return n, nil
}

func (d *editDecoder) varBytes() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.data)) < n {
		return nil, dberrors.Corruptionf("manifest edit: truncated field")
	}
	p := append([]byte(nil), d.data[:n]...)
	d.data = d.data[n:]
	return p, nil
}

func (d *editDecoder) level() (int, error) {
	n, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	if n >= numLevels {
		return 0, dberrors.Corruptionf("manifest edit: level %d out of range", n)
	}
	return int(n), nil
}

// decode parses a serialized edit; unknown tags are corruption.
func (e *versionEdit) decode(data []byte) error {
	d := editDecoder{data: data}
	for len(d.data) > 0 {
		tag, err := d.uvarint()
		if err != nil {
			return err
		}
		switch tag {
		case tagComparator:
			name, err := d.varBytes()
			if err != nil {
				return err
			}
			e.setComparatorName(string(name))

		case tagLogNumber:
			if e.logNumber, err = d.uvarint(); err != nil {
				return err
			}
			e.hasLogNumber = true

		case tagPrevLogNumber:
			if e.prevLogNumber, err = d.uvarint(); err != nil {
				return err
			}
			e.hasPrevLogNumber = true

		case tagNextFileNumber:
			if e.nextFileNumber, err = d.uvarint(); err != nil {
				return err
			}
			e.hasNextFileNumber = true

		case tagLastSequence:
			if e.lastSequence, err = d.uvarint(); err != nil {
				return err
			}
			e.hasLastSequence = true

		case tagCompactPointer:
			level, err := d.level()
			if err != nil {
				return err
			}
			key, err := d.varBytes()
			if err != nil {
				return err
			}
			e.setCompactPointer(level, key)

		case tagDeletedFile:
			level, err := d.level()
			if err != nil {
				return err
			}
			number, err := d.uvarint()
			if err != nil {
				return err
			}
			e.removeFile(level, number)

		case tagNewFile:
			level, err := d.level()
			if err != nil {
				return err
			}
			var meta fileMetadata
			if meta.number, err = d.uvarint(); err != nil {
				return err
			}
			if meta.size, err = d.uvarint(); err != nil {
				return err
			}
			if meta.smallest, err = d.varBytes(); err != nil {
				return err
			}
			if meta.largest, err = d.varBytes(); err != nil {
				return err
			}
			e.addFile(level, meta)

		default:
			return dberrors.Corruptionf("manifest edit: unknown tag %d", tag)
		}
	}
	return nil
}
