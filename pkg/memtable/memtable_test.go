package memtable

import (
	"fmt"
	"sync"
	"testing"

	"shaledb/pkg/keys"
)

func newTestTable() *MemTable {
	return New(keys.InternalComparator{User: keys.BytewiseComparator()})
}

func TestMemTableGetVisibility(t *testing.T) {
	m := newTestTable()
	m.Add(1, keys.KindValue, []byte("k"), []byte("v1"))
	m.Add(2, keys.KindValue, []byte("k"), []byte("v2"))

	// Latest visible wins.
	v, ok, deleted := m.Get([]byte("k"), 10)
	if !ok || deleted || string(v) != "v2" {
		t.Fatalf("get@10 = %q ok=%v deleted=%v", v, ok, deleted)
	}

	// A snapshot at seq 1 sees only the first write.
	v, ok, deleted = m.Get([]byte("k"), 1)
	if !ok || deleted || string(v) != "v1" {
		t.Fatalf("get@1 = %q ok=%v deleted=%v", v, ok, deleted)
	}

	// Absent key is inconclusive, not deleted.
	if _, ok, _ := m.Get([]byte("missing"), 10); ok {
		t.Fatal("expected absent key to be inconclusive")
	}
}

func TestMemTableTombstone(t *testing.T) {
	m := newTestTable()
	m.Add(1, keys.KindValue, []byte("k"), []byte("v"))
	m.Add(2, keys.KindDeletion, []byte("k"), nil)

	_, ok, deleted := m.Get([]byte("k"), 10)
	if !ok || !deleted {
		t.Fatalf("expected conclusive deletion, ok=%v deleted=%v", ok, deleted)
	}

	// The value is still visible below the tombstone's sequence.
	v, ok, deleted := m.Get([]byte("k"), 1)
	if !ok || deleted || string(v) != "v" {
		t.Fatalf("get@1 = %q ok=%v deleted=%v", v, ok, deleted)
	}
}

func TestMemTableIteratorOrder(t *testing.T) {
	m := newTestTable()
	in := []string{"banana", "apple", "cherry", "apricot"}
	for i, k := range in {
		m.Add(uint64(i+1), keys.KindValue, []byte(k), []byte(k))
	}

	it := m.NewIterator()
	defer it.Close()

	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(keys.UserKey(it.Key())))
	}
	want := []string{"apple", "apricot", "banana", "cherry"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}

	// Reverse traversal.
	got = got[:0]
	for it.Last(); it.Valid(); it.Prev() {
		got = append(got, string(keys.UserKey(it.Key())))
	}
	for i := range want {
		if got[len(got)-1-i] != want[i] {
			t.Fatalf("reverse order %v", got)
		}
	}
}

func TestMemTableSeek(t *testing.T) {
	m := newTestTable()
	for i := 0; i < 10; i += 2 {
		k := fmt.Sprintf("k%d", i)
		m.Add(uint64(i+1), keys.KindValue, []byte(k), []byte(k))
	}

	it := m.NewIterator()
	defer it.Close()

	it.Seek(keys.MakeLookupKey([]byte("k3"), keys.MaxSequence))
	if !it.Valid() || string(keys.UserKey(it.Key())) != "k4" {
		t.Fatalf("seek(k3) landed on %q", it.Key())
	}
}

func TestMemTableConcurrentReaders(t *testing.T) {
	m := newTestTable()
	const n = 2000
	var wg sync.WaitGroup

	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				it := m.NewIterator()
				prev := []byte(nil)
				for it.First(); it.Valid(); it.Next() {
					if prev != nil && m.icmp.Compare(prev, it.Key()) >= 0 {
						t.Error("iterator out of order during concurrent insert")
						return
					}
					prev = append(prev[:0], it.Key()...)
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		m.Add(uint64(i+1), keys.KindValue, []byte(fmt.Sprintf("key%06d", i)), []byte("v"))
	}
	close(stop)
	wg.Wait()

	if m.ApproximateMemoryUsage() == 0 {
		t.Fatal("expected nonzero arena usage")
	}
}

func TestMemTableRefCounting(t *testing.T) {
	m := newTestTable()
	m.Ref()
	m.Unref()
	m.Unref()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unref below zero")
		}
	}()
	m.Unref()
}
