package keys

import (
	"encoding/binary"
	"fmt"

	"shaledb/pkg/dberrors"
)

// Kind tags the kind of entry an internal key describes.
type Kind uint8

const (
	KindDeletion Kind = 0
	KindValue    Kind = 1

	// kindSeek is the highest kind tag. A lookup key packed with it sorts
	// before every entry of the same user key and sequence, so a seek lands
	// on the newest entry visible at that sequence.
	kindSeek = KindValue
)

// MaxSequence is the largest sequence number that fits the 56-bit field.
const MaxSequence = uint64(1<<56) - 1

// TrailerLen is the byte length of the packed sequence+kind suffix.
const TrailerLen = 8

// PackTrailer stores seq in the high 56 bits and kind in the low 8.
func PackTrailer(seq uint64, kind Kind) uint64 {
	return seq<<8 | uint64(kind)
}

// UnpackTrailer splits a packed trailer into sequence and kind.
func UnpackTrailer(t uint64) (seq uint64, kind Kind) {
	return t >> 8, Kind(t & 0xff)
}

// AppendInternalKey appends user_key ∥ trailer to dst and returns it.
func AppendInternalKey(dst, ukey []byte, seq uint64, kind Kind) []byte {
	dst = append(dst, ukey...)
	return binary.LittleEndian.AppendUint64(dst, PackTrailer(seq, kind))
}

// MakeLookupKey builds the key used to seek memtables and tables for the
// newest entry of ukey visible at snapshot sequence seq.
func MakeLookupKey(ukey []byte, seq uint64) []byte {
	return AppendInternalKey(make([]byte, 0, len(ukey)+TrailerLen), ukey, seq, kindSeek)
}

// UserKey strips the trailer off an internal key.
func UserKey(ikey []byte) []byte {
	return ikey[:len(ikey)-TrailerLen]
}

// Trailer returns the packed sequence+kind suffix of an internal key.
func Trailer(ikey []byte) uint64 {
	return binary.LittleEndian.Uint64(ikey[len(ikey)-TrailerLen:])
}

// ParseInternalKey decodes an internal key. It fails on short keys and on
// unknown kind tags.
func ParseInternalKey(ikey []byte) (ukey []byte, seq uint64, kind Kind, err error) {
	if len(ikey) < TrailerLen {
		return nil, 0, 0, dberrors.Corruptionf("internal key too short: %d bytes", len(ikey))
	}
	seq, kind = UnpackTrailer(Trailer(ikey))
	if kind > kindSeek {
		return nil, 0, 0, dberrors.Corruptionf("unknown internal key kind %d", kind)
	}
	return UserKey(ikey), seq, kind, nil
}

// String formats an internal key for logs and debug listings.
func String(ikey []byte) string {
	ukey, seq, kind, err := ParseInternalKey(ikey)
	if err != nil {
		return fmt.Sprintf("<bad:%x>", ikey)
	}
	return fmt.Sprintf("%q@%d#%d", ukey, seq, kind)
}
