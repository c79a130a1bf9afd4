package record

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func writeAll(t *testing.T, records ...[]byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, rec := range records {
		if err := w.AddRecord(rec); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	return &buf
}

func readAll(t *testing.T, buf *bytes.Buffer, report Corruption) [][]byte {
	t.Helper()
	r := NewReader(bytes.NewReader(buf.Bytes()), report)
	var out [][]byte
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		out = append(out, rec)
	}
}

func TestRoundTripSmallRecords(t *testing.T) {
	in := [][]byte{
		[]byte("foo"),
		[]byte("bar"),
		{}, // zero-length records are legal
		[]byte(strings.Repeat("x", 1000)),
	}
	out := readAll(t, writeAll(t, in...), nil)
	if len(out) != len(in) {
		t.Fatalf("got %d records, want %d", len(out), len(in))
	}
	for i := range in {
		if !bytes.Equal(out[i], in[i]) {
			t.Fatalf("record %d mismatch: %d bytes vs %d", i, len(out[i]), len(in[i]))
		}
	}
}

func TestFragmentedRecord(t *testing.T) {
	// Larger than one block: exercises first/middle/last framing.
	big := bytes.Repeat([]byte("abcdefgh"), 3*BlockSize/8)
	small := []byte("tail")
	out := readAll(t, writeAll(t, big, small), nil)
	if len(out) != 2 || !bytes.Equal(out[0], big) || !bytes.Equal(out[1], small) {
		t.Fatalf("fragmented round trip failed: %d records", len(out))
	}
}

func TestBlockBoundaryPadding(t *testing.T) {
	// Fill a block so fewer than 7 bytes remain, forcing zero padding.
	rec := make([]byte, BlockSize-headerSize-3)
	out := readAll(t, writeAll(t, rec, []byte("next")), nil)
	if len(out) != 2 || len(out[0]) != len(rec) || string(out[1]) != "next" {
		t.Fatalf("padding round trip failed: %d records", len(out))
	}
}

func TestCorruptChecksumIsReportedAndSkipped(t *testing.T) {
	buf := writeAll(t, []byte("first"), []byte("second"))
	data := buf.Bytes()
	// Flip a payload byte of the first record.
	data[headerSize] ^= 0xff

	var reports int
	r := NewReader(bytes.NewReader(data), func(bytes int, reason error) {
		reports++
	})
	// Both records live in the same block, so the whole block is dropped.
	if _, err := r.ReadRecord(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after dropped block, got %v", err)
	}
	if reports != 1 {
		t.Fatalf("reports = %d", reports)
	}
}

func TestTruncatedTailIsCleanEOF(t *testing.T) {
	buf := writeAll(t, []byte("complete"))
	w := NewWriterAt(buf, int64(buf.Len()))
	if err := w.AddRecord([]byte("this one is cut off")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	data := buf.Bytes()[:buf.Len()-4]

	var reports int
	r := NewReader(bytes.NewReader(data), func(int, error) { reports++ })
	rec, err := r.ReadRecord()
	if err != nil || string(rec) != "complete" {
		t.Fatalf("first record: %q, %v", rec, err)
	}
	if _, err := r.ReadRecord(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean EOF, got %v", err)
	}
	if reports != 0 {
		t.Fatalf("truncated tail must not be reported, got %d reports", reports)
	}
}

func TestWriterResumesMidBlock(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.AddRecord([]byte("one")); err != nil {
		t.Fatal(err)
	}

	// Reopen at the current offset, as manifest appends do.
	w2 := NewWriterAt(&buf, int64(buf.Len()))
	if err := w2.AddRecord([]byte("two")); err != nil {
		t.Fatal(err)
	}

	out := readAll(t, &buf, nil)
	if len(out) != 2 || string(out[0]) != "one" || string(out[1]) != "two" {
		t.Fatalf("resume round trip failed: %v", out)
	}
}
