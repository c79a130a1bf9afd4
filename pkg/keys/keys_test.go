package keys

import (
	"bytes"
	"testing"
)

func TestTrailerPacking(t *testing.T) {
	cases := []struct {
		seq  uint64
		kind Kind
	}{
		{0, KindDeletion},
		{1, KindValue},
		{1 << 40, KindValue},
		{MaxSequence, KindDeletion},
	}
	for _, tc := range cases {
		seq, kind := UnpackTrailer(PackTrailer(tc.seq, tc.kind))
		if seq != tc.seq || kind != tc.kind {
			t.Fatalf("round trip (%d,%d) -> (%d,%d)", tc.seq, tc.kind, seq, kind)
		}
	}
}

func TestParseInternalKey(t *testing.T) {
	ik := AppendInternalKey(nil, []byte("foo"), 42, KindValue)
	ukey, seq, kind, err := ParseInternalKey(ik)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(ukey) != "foo" || seq != 42 || kind != KindValue {
		t.Fatalf("got %q %d %d", ukey, seq, kind)
	}

	if _, _, _, err := ParseInternalKey([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestInternalOrdering(t *testing.T) {
	icmp := InternalComparator{User: BytewiseComparator()}

	mk := func(ukey string, seq uint64, kind Kind) []byte {
		return AppendInternalKey(nil, []byte(ukey), seq, kind)
	}

	// Ascending internal order: user key asc, then sequence desc, then kind desc.
	ordered := [][]byte{
		mk("a", 100, KindValue),
		mk("a", 3, KindValue),
		mk("a", 3, KindDeletion),
		mk("a", 1, KindValue),
		mk("b", 50, KindDeletion),
		mk("b", 2, KindValue),
	}
	for i := 0; i+1 < len(ordered); i++ {
		if icmp.Compare(ordered[i], ordered[i+1]) >= 0 {
			t.Fatalf("expected %s < %s", String(ordered[i]), String(ordered[i+1]))
		}
	}

	// A lookup key at sequence s sorts before all entries with sequence <= s.
	lk := MakeLookupKey([]byte("a"), 3)
	if icmp.Compare(lk, mk("a", 3, KindValue)) > 0 {
		t.Fatal("lookup key must not sort after the visible entry")
	}
	if icmp.Compare(lk, mk("a", 4, KindValue)) <= 0 {
		t.Fatal("lookup key must sort after newer entries")
	}
}

func TestBytewiseSeparator(t *testing.T) {
	cmp := BytewiseComparator()
	cases := []struct {
		a, b, want string
	}{
		{"abcdef", "abzz", "abd"},
		{"abc", "abd", "abc"},
		{"abc", "abcd", "abc"},
		{"", "x", ""},
		{"axy", "ax\xff", "axz"},
	}
	for _, tc := range cases {
		got := cmp.Separator(nil, []byte(tc.a), []byte(tc.b))
		if string(got) != tc.want {
			t.Errorf("Separator(%q,%q) = %q, want %q", tc.a, tc.b, got, tc.want)
		}
		if cmp.Compare(got, []byte(tc.a)) < 0 || (tc.b != "" && cmp.Compare(got, []byte(tc.b)) >= 0) {
			t.Errorf("Separator(%q,%q) = %q breaks ordering", tc.a, tc.b, got)
		}
	}
}

func TestBytewiseSuccessor(t *testing.T) {
	cmp := BytewiseComparator()
	if got := cmp.Successor(nil, []byte("abc")); string(got) != "b" {
		t.Fatalf("Successor(abc) = %q", got)
	}
	ff := []byte{0xff, 0xff}
	if got := cmp.Successor(nil, ff); !bytes.Equal(got, ff) {
		t.Fatalf("Successor(ff ff) = %x", got)
	}
}

func TestInternalSeparatorKeepsOrder(t *testing.T) {
	icmp := InternalComparator{User: BytewiseComparator()}
	a := AppendInternalKey(nil, []byte("abcdef"), 10, KindValue)
	b := AppendInternalKey(nil, []byte("abzz"), 20, KindValue)
	sep := icmp.Separator(nil, a, b)
	if icmp.Compare(a, sep) > 0 || icmp.Compare(sep, b) >= 0 {
		t.Fatalf("separator %s out of range [%s,%s)", String(sep), String(a), String(b))
	}
	if len(sep) >= len(a) {
		t.Fatalf("separator %s not shortened", String(sep))
	}
}
