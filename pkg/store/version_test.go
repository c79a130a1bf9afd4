package store

import (
	"testing"

	"shaledb/pkg/keys"
)

var testICmp = keys.InternalComparator{User: keys.BytewiseComparator()}

func fm(number uint64, smallest, largest string, seqs ...uint64) *fileMetadata {
	lo, hi := uint64(100), uint64(100)
	if len(seqs) == 2 {
		lo, hi = seqs[0], seqs[1]
	}
	return &fileMetadata{
		number:   number,
		size:     1000,
		smallest: keys.AppendInternalKey(nil, []byte(smallest), lo, keys.KindValue),
		largest:  keys.AppendInternalKey(nil, []byte(largest), hi, keys.KindValue),
	}
}

func TestMaxBytesForLevel(t *testing.T) {
	if got := maxBytesForLevel(1); got != 10*1048576 {
		t.Fatalf("level 1 budget %f", got)
	}
	if got := maxBytesForLevel(3); got != 1000*1048576 {
		t.Fatalf("level 3 budget %f", got)
	}
}

func TestSomeFileOverlapsRange(t *testing.T) {
	disjoint := []*fileMetadata{
		fm(1, "c", "f"),
		fm(2, "h", "k"),
		fm(3, "m", "p"),
	}

	cases := []struct {
		lo, hi string
		want   bool
	}{
		{"a", "b", false},
		{"a", "c", true},
		{"f", "g", true},
		{"g", "g", false},
		{"k", "m", true},
		{"q", "z", false},
	}
	for _, tc := range cases {
		got := someFileOverlapsRange(testICmp, true, disjoint, []byte(tc.lo), []byte(tc.hi))
		if got != tc.want {
			t.Errorf("[%s,%s] overlap = %v, want %v", tc.lo, tc.hi, got, tc.want)
		}
	}

	// Open ends.
	if !someFileOverlapsRange(testICmp, true, disjoint, nil, []byte("d")) {
		t.Error("open low end should overlap")
	}
	if !someFileOverlapsRange(testICmp, true, disjoint, []byte("o"), nil) {
		t.Error("open high end should overlap")
	}
	if someFileOverlapsRange(testICmp, true, disjoint, []byte("q"), nil) {
		t.Error("range past the last file should not overlap")
	}
}

func TestFindFile(t *testing.T) {
	files := []*fileMetadata{
		fm(1, "c", "f"),
		fm(2, "h", "k"),
	}
	if idx := findFile(testICmp, files, keys.MakeLookupKey([]byte("a"), keys.MaxSequence)); idx != 0 {
		t.Fatalf("findFile(a) = %d", idx)
	}
	if idx := findFile(testICmp, files, keys.MakeLookupKey([]byte("g"), keys.MaxSequence)); idx != 1 {
		t.Fatalf("findFile(g) = %d", idx)
	}
	if idx := findFile(testICmp, files, keys.MakeLookupKey([]byte("z"), keys.MaxSequence)); idx != 2 {
		t.Fatalf("findFile(z) = %d", idx)
	}
}

func TestAddBoundaryInputs(t *testing.T) {
	// f2's smallest is a lower-sequence entry of f1's largest user key, so
	// compacting f1 alone would leave stale entries of "k" behind.
	f1 := fm(1, "a", "k", 50, 50)
	f2 := fm(2, "k", "z", 40, 10)
	level := []*fileMetadata{f1, f2}

	inputs := []*fileMetadata{f1}
	addBoundaryInputs(testICmp, level, &inputs)
	if len(inputs) != 2 || inputs[1] != f2 {
		t.Fatalf("boundary expansion got %d files", len(inputs))
	}

	// Distinct user keys: no expansion.
	f3 := fm(3, "a", "j", 50, 50)
	inputs = []*fileMetadata{f3}
	addBoundaryInputs(testICmp, []*fileMetadata{f3, f2}, &inputs)
	if len(inputs) != 1 {
		t.Fatalf("unexpected boundary expansion to %d files", len(inputs))
	}
}
