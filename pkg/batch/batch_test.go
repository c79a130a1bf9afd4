package batch

import (
	"fmt"
	"testing"
)

type recordingHandler struct {
	ops []string
}

func (h *recordingHandler) Put(key, value []byte) {
	h.ops = append(h.ops, fmt.Sprintf("put(%s,%s)", key, value))
}

func (h *recordingHandler) Delete(key []byte) {
	h.ops = append(h.ops, fmt.Sprintf("del(%s)", key))
}

func TestBatchRoundTrip(t *testing.T) {
	b := New()
	b.Put([]byte("a"), []byte("1"))
	b.Delete([]byte("b"))
	b.Put([]byte("c"), []byte("33"))
	b.SetSequence(100)

	if b.Count() != 3 {
		t.Fatalf("count = %d", b.Count())
	}

	clone := New()
	if err := clone.SetContents(b.Contents()); err != nil {
		t.Fatalf("SetContents: %v", err)
	}
	if clone.Sequence() != 100 || clone.Count() != 3 {
		t.Fatalf("seq=%d count=%d", clone.Sequence(), clone.Count())
	}

	var h recordingHandler
	if err := clone.Iterate(&h); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	want := []string{"put(a,1)", "del(b)", "put(c,33)"}
	if len(h.ops) != len(want) {
		t.Fatalf("ops = %v", h.ops)
	}
	for i := range want {
		if h.ops[i] != want[i] {
			t.Fatalf("op %d = %q, want %q", i, h.ops[i], want[i])
		}
	}
}

func TestBatchEmpty(t *testing.T) {
	b := New()
	if b.Count() != 0 || b.Size() != HeaderLen {
		t.Fatalf("count=%d size=%d", b.Count(), b.Size())
	}
	var h recordingHandler
	if err := b.Iterate(&h); err != nil {
		t.Fatalf("Iterate empty: %v", err)
	}
	if len(h.ops) != 0 {
		t.Fatalf("ops = %v", h.ops)
	}
}

func TestBatchAppend(t *testing.T) {
	a := New()
	a.Put([]byte("x"), []byte("1"))
	b := New()
	b.Delete([]byte("y"))
	b.Put([]byte("z"), []byte("2"))

	a.Append(b)
	if a.Count() != 3 {
		t.Fatalf("count = %d", a.Count())
	}
	var h recordingHandler
	if err := a.Iterate(&h); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if h.ops[2] != "put(z,2)" {
		t.Fatalf("ops = %v", h.ops)
	}
}

func TestBatchClear(t *testing.T) {
	b := New()
	b.Put([]byte("a"), []byte("1"))
	b.SetSequence(7)
	b.Clear()
	if b.Count() != 0 || b.Sequence() != 0 || b.Size() != HeaderLen {
		t.Fatalf("clear left count=%d seq=%d size=%d", b.Count(), b.Sequence(), b.Size())
	}
}

func TestBatchCorruptContents(t *testing.T) {
	b := New()
	if err := b.SetContents([]byte("tiny")); err == nil {
		t.Fatal("expected error for short contents")
	}

	good := New()
	good.Put([]byte("k"), []byte("v"))
	data := append([]byte(nil), good.Contents()...)
	data = data[:len(data)-1] // truncate the value
	bad := New()
	if err := bad.SetContents(data); err != nil {
		t.Fatalf("SetContents: %v", err)
	}
	var h recordingHandler
	if err := bad.Iterate(&h); err == nil {
		t.Fatal("expected corruption from truncated record")
	}
}
