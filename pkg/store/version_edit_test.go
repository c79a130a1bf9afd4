package store

import (
	"bytes"
	"testing"

	"shaledb/pkg/keys"
)

func ik(ukey string, seq uint64) []byte {
	return keys.AppendInternalKey(nil, []byte(ukey), seq, keys.KindValue)
}

func TestVersionEditRoundTrip(t *testing.T) {
	var e versionEdit
	e.setComparatorName("shaledb.BytewiseComparator")
	e.setLogNumber(12)
	e.setPrevLogNumber(3)
	e.setNextFileNumber(42)
	e.setLastSequence(9999)
	e.setCompactPointer(2, ik("pointer", 500))
	e.removeFile(1, 8)
	e.removeFile(4, 17)
	e.addFile(3, fileMetadata{
		number:   41,
		size:     128 << 10,
		smallest: ik("aardvark", 100),
		largest:  ik("zebra", 7),
	})

	// Decode the encoding and compare each field with the original.
	var d versionEdit
	if err := d.decode(e.encode(nil)); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if d.comparatorName != e.comparatorName ||
		d.logNumber != e.logNumber ||
		d.prevLogNumber != e.prevLogNumber ||
		d.nextFileNumber != e.nextFileNumber ||
		d.lastSequence != e.lastSequence {
		t.Fatalf("scalar fields differ: %+v vs %+v", d, e)
	}
	if len(d.compactPointers) != 1 || d.compactPointers[0].level != 2 ||
		!bytes.Equal(d.compactPointers[0].key, ik("pointer", 500)) {
		t.Fatalf("compact pointers %+v", d.compactPointers)
	}
	if len(d.deletedFiles) != 2 {
		t.Fatalf("deleted files %+v", d.deletedFiles)
	}
	if _, ok := d.deletedFiles[deletedFileEntry{level: 4, number: 17}]; !ok {
		t.Fatal("missing deleted file 17@4")
	}
	if len(d.newFiles) != 1 {
		t.Fatalf("new files %+v", d.newFiles)
	}
	nf := d.newFiles[0]
	if nf.level != 3 || nf.meta.number != 41 || nf.meta.size != 128<<10 ||
		!bytes.Equal(nf.meta.smallest, ik("aardvark", 100)) ||
		!bytes.Equal(nf.meta.largest, ik("zebra", 7)) {
		t.Fatalf("new file %+v", nf)
	}
}

func TestVersionEditEmptyRoundTrip(t *testing.T) {
	var e, d versionEdit
	if err := d.decode(e.encode(nil)); err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if d.hasLogNumber || d.hasComparatorName || len(d.newFiles) != 0 {
		t.Fatalf("decoded fields from empty edit: %+v", d)
	}
}

func TestVersionEditUnknownTag(t *testing.T) {
	var e versionEdit
	data := e.encode(nil)
	data = append(data, 0x63) // unknown tag 99

	var d versionEdit
	if err := d.decode(data); err == nil {
		t.Fatal("expected corruption for unknown tag")
	}
}

func TestVersionEditTruncated(t *testing.T) {
	var e versionEdit
	e.addFile(0, fileMetadata{number: 1, size: 10, smallest: ik("a", 1), largest: ik("b", 1)})
	data := e.encode(nil)

	var d versionEdit
	if err := d.decode(data[:len(data)-3]); err == nil {
		t.Fatal("expected corruption for truncated edit")
	}
}
