package store

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"shaledb/pkg/batch"
	"shaledb/pkg/dberrors"
	"shaledb/pkg/record"
)

func testOptions() Options {
	return Options{
		CreateIfMissing: true,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func openTestDB(t *testing.T, dir string, opts Options) *DB {
	t.Helper()
	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open(%s): %v", dir, err)
	}
	return db
}

func mustGet(t *testing.T, db *DB, key string) string {
	t.Helper()
	v, err := db.Get(ReadOptions{}, []byte(key))
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return string(v)
}

func mustPut(t *testing.T, db *DB, key, value string) {
	t.Helper()
	if err := db.Put(WriteOptions{}, []byte(key), []byte(value)); err != nil {
		t.Fatalf("Put(%q): %v", key, err)
	}
}

func numFilesAtLevel(t *testing.T, db *DB, level int) int {
	t.Helper()
	s, ok := db.GetProperty(fmt.Sprintf("shaledb.num-files-at-level%d", level))
	if !ok {
		t.Fatalf("property for level %d missing", level)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("bad property value %q", s)
	}
	return n
}

func TestBasicDurability(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, testOptions())
	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db = openTestDB(t, dir, testOptions())
	defer db.Close()
	if got := mustGet(t, db, "a"); got != "1" {
		t.Fatalf("a = %q", got)
	}
	if got := mustGet(t, db, "b"); got != "2" {
		t.Fatalf("b = %q", got)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())
	defer db.Close()

	mustPut(t, db, "x", "v1")
	snap := db.GetSnapshot()
	mustPut(t, db, "x", "v2")

	if got := mustGet(t, db, "x"); got != "v2" {
		t.Fatalf("latest = %q", got)
	}
	v, err := db.Get(ReadOptions{Snapshot: snap}, []byte("x"))
	if err != nil || string(v) != "v1" {
		t.Fatalf("snapshot read = %q, %v", v, err)
	}
	db.ReleaseSnapshot(snap)
}

func TestDeleteTombstone(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, testOptions())

	mustPut(t, db, "k", "v")
	if err := db.Delete(WriteOptions{}, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get(ReadOptions{}, []byte("k")); !dberrors.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}

	db.Close()
	db = openTestDB(t, dir, testOptions())
	defer db.Close()
	if _, err := db.Get(ReadOptions{}, []byte("k")); !dberrors.IsNotFound(err) {
		t.Fatalf("expected NotFound after reopen, got %v", err)
	}
}

func TestWriteBatchAtomicity(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())
	defer db.Close()

	mustPut(t, db, "old", "x")
	b := batch.New()
	b.Put([]byte("n1"), []byte("1"))
	b.Delete([]byte("old"))
	b.Put([]byte("n2"), []byte("2"))
	if err := db.Write(WriteOptions{}, b); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := mustGet(t, db, "n1"); got != "1" {
		t.Fatalf("n1 = %q", got)
	}
	if got := mustGet(t, db, "n2"); got != "2" {
		t.Fatalf("n2 = %q", got)
	}
	if _, err := db.Get(ReadOptions{}, []byte("old")); !dberrors.IsNotFound(err) {
		t.Fatalf("old not deleted: %v", err)
	}
}

func TestEmptyBatchIsNoOp(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())
	defer db.Close()

	before := db.GetSnapshot().Sequence()
	if err := db.Write(WriteOptions{Sync: true}, batch.New()); err != nil {
		t.Fatalf("empty write: %v", err)
	}
	after := db.GetSnapshot().Sequence()
	if before != after {
		t.Fatalf("empty batch advanced sequence %d -> %d", before, after)
	}
}

func TestCompactionCorrectness(t *testing.T) {
	const n = 10000
	dir := t.TempDir()
	opts := testOptions()
	opts.WriteBufferSize = 64 << 10
	db := openTestDB(t, dir, opts)
	defer db.Close()

	key := func(i int) string { return fmt.Sprintf("k%04d", i) }

	// First generation: value equals key.
	for i := 0; i < n; i++ {
		mustPut(t, db, key(i), key(i))
	}
	if err := db.CompactRange(nil, nil); err != nil {
		t.Fatalf("CompactRange: %v", err)
	}

	// Second generation shadows the first.
	for i := 0; i < n; i++ {
		mustPut(t, db, key(i), key(i)+"!")
	}
	if err := db.CompactRange(nil, nil); err != nil {
		t.Fatalf("CompactRange: %v", err)
	}

	if l0 := numFilesAtLevel(t, db, 0); l0 != 0 {
		t.Fatalf("level 0 still has %d files after full compaction", l0)
	}

	for _, i := range []int{0, 1, 999, 5000, n - 1} {
		if got := mustGet(t, db, key(i)); got != key(i)+"!" {
			t.Fatalf("%s = %q", key(i), got)
		}
	}

	// A full scan visits each key exactly once, in order.
	it := db.NewIterator(ReadOptions{})
	defer it.Close()
	i := 0
	for it.First(); it.Valid(); it.Next() {
		if string(it.Key()) != key(i) {
			t.Fatalf("scan entry %d = %q", i, it.Key())
		}
		if string(it.Value()) != key(i)+"!" {
			t.Fatalf("scan value %d = %q", i, it.Value())
		}
		i++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if i != n {
		t.Fatalf("scan visited %d keys, want %d", i, n)
	}
}

func TestRecoverFromWALTail(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, testOptions())
	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")
	lastSeq := db.GetSnapshot().Sequence()
	db.Close()

	// Simulate a crash after a WAL append the engine never saw through a
	// clean close: append one more committed batch to the live log.
	names, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var logName string
	var maxLog uint64
	for _, e := range names {
		if num, ft, ok := parseFileName(e.Name()); ok && ft == logFile && num >= maxLog {
			maxLog = num
			logName = e.Name()
		}
	}
	if logName == "" {
		t.Fatal("no log file found")
	}
	path := filepath.Join(dir, logName)
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	w := record.NewWriterAt(f, fi.Size())
	b := batch.New()
	b.Put([]byte("c"), []byte("3"))
	b.SetSequence(lastSeq + 1)
	if err := w.AddRecord(b.Contents()); err != nil {
		t.Fatal(err)
	}
	f.Close()

	db = openTestDB(t, dir, testOptions())
	defer db.Close()
	for k, v := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		if got := mustGet(t, db, k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
	if seq := db.GetSnapshot().Sequence(); seq != lastSeq+1 {
		t.Fatalf("last sequence %d, want %d", seq, lastSeq+1)
	}

	// Recovery flushed exactly one level-0 table, and every table on disk
	// is accounted for by the current version.
	if l0 := numFilesAtLevel(t, db, 0); l0 != 1 {
		t.Fatalf("level-0 files = %d, want 1", l0)
	}
	total := 0
	for level := 0; level < numLevels; level++ {
		total += numFilesAtLevel(t, db, level)
	}
	onDisk := 0
	names, _ = os.ReadDir(dir)
	for _, e := range names {
		if _, ft, ok := parseFileName(e.Name()); ok && ft == tableFile {
			onDisk++
		}
	}
	if onDisk != total {
		t.Fatalf("%d table files on disk, version references %d", onDisk, total)
	}
}

func TestManualCompactionMigratesFiles(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.WriteBufferSize = 16 << 10
	db := openTestDB(t, dir, opts)
	defer db.Close()

	// Spread keys across several memtable generations so level 0 collects
	// multiple files.
	expect := make(map[string]string)
	for g := 0; g < 4; g++ {
		for i := 0; i < 400; i++ {
			k := fmt.Sprintf("key%03d", i)
			v := fmt.Sprintf("gen%d-%03d", g, i)
			mustPut(t, db, k, v)
			expect[k] = v
		}
		if err := db.flushMemTable(); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	if err := db.CompactRange(nil, nil); err != nil {
		t.Fatalf("CompactRange: %v", err)
	}
	if l0 := numFilesAtLevel(t, db, 0); l0 != 0 {
		t.Fatalf("level 0 has %d files after manual compaction", l0)
	}

	for k, v := range expect {
		if got := mustGet(t, db, k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}

	var ordered []string
	for k := range expect {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	it := db.NewIterator(ReadOptions{})
	defer it.Close()
	i := 0
	for it.First(); it.Valid(); it.Next() {
		if i >= len(ordered) || string(it.Key()) != ordered[i] {
			t.Fatalf("scan entry %d = %q", i, it.Key())
		}
		i++
	}
	if i != len(ordered) {
		t.Fatalf("scan visited %d keys, want %d", i, len(ordered))
	}
}

func TestConcurrentWritersSequencing(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())
	defer db.Close()

	const writers = 8
	const perWriter = 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := fmt.Sprintf("w%d-%04d", w, i)
				if err := db.Put(WriteOptions{}, []byte(k), []byte(k)); err != nil {
					t.Errorf("Put: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	// Sequences are assigned contiguously: one op per put.
	if seq := db.GetSnapshot().Sequence(); seq != writers*perWriter {
		t.Fatalf("last sequence %d, want %d", seq, writers*perWriter)
	}
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			k := fmt.Sprintf("w%d-%04d", w, i)
			if got := mustGet(t, db, k); got != k {
				t.Fatalf("%s = %q", k, got)
			}
		}
	}
}

func TestBackgroundCompactionKicksIn(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.WriteBufferSize = 8 << 10
	db := openTestDB(t, dir, opts)
	defer db.Close()

	for i := 0; i < 4000; i++ {
		mustPut(t, db, fmt.Sprintf("k%05d", i), fmt.Sprintf("value-%05d", i))
	}

	// The ascending keys give each background memtable flush a range that
	// overlaps no existing table, so a flush may place its table below
	// level 0 directly; wait until some data sits below level 0.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		deeper := 0
		for level := 1; level < numLevels; level++ {
			deeper += numFilesAtLevel(t, db, level)
		}
		if deeper > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no data migrated below level 0")
}

func TestIteratorSnapshotView(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())
	defer db.Close()

	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")
	it := db.NewIterator(ReadOptions{})
	defer it.Close()

	// Writes after iterator creation are invisible to it.
	mustPut(t, db, "c", "3")
	if err := db.Delete(WriteOptions{}, []byte("a")); err != nil {
		t.Fatal(err)
	}

	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("iterator saw %v", got)
	}

	// A fresh iterator sees the new state.
	it2 := db.NewIterator(ReadOptions{})
	defer it2.Close()
	got = got[:0]
	for it2.First(); it2.Valid(); it2.Next() {
		got = append(got, string(it2.Key()))
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("fresh iterator saw %v", got)
	}
}

func TestIteratorReverse(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())
	defer db.Close()

	for _, k := range []string{"a", "b", "c", "d"} {
		mustPut(t, db, k, "v-"+k)
	}
	if err := db.Delete(WriteOptions{}, []byte("c")); err != nil {
		t.Fatal(err)
	}

	it := db.NewIterator(ReadOptions{})
	defer it.Close()

	var got []string
	for it.Last(); it.Valid(); it.Prev() {
		got = append(got, string(it.Key()))
	}
	want := []string{"d", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("reverse scan %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reverse scan %v, want %v", got, want)
		}
	}

	// Direction switch: Prev then Next lands back on the same key.
	it.Last()
	it.Prev()
	it.Next()
	if !it.Valid() || string(it.Key()) != "d" {
		t.Fatalf("direction switch landed on %q", it.Key())
	}
}

func TestOverwriteKeepsNewestValue(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.WriteBufferSize = 8 << 10
	db := openTestDB(t, dir, opts)
	defer db.Close()

	for i := 0; i < 50; i++ {
		mustPut(t, db, "hot", fmt.Sprintf("v%d", i))
		for j := 0; j < 100; j++ {
			mustPut(t, db, fmt.Sprintf("filler-%d-%d", i, j), "x")
		}
	}
	if got := mustGet(t, db, "hot"); got != "v49" {
		t.Fatalf("hot = %q", got)
	}
	if err := db.CompactRange(nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, db, "hot"); got != "v49" {
		t.Fatalf("hot after compaction = %q", got)
	}
}

func TestSnapshotSurvivesCompaction(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.WriteBufferSize = 8 << 10
	db := openTestDB(t, dir, opts)
	defer db.Close()

	mustPut(t, db, "pinned", "old")
	snap := db.GetSnapshot()
	mustPut(t, db, "pinned", "new")
	for i := 0; i < 2000; i++ {
		mustPut(t, db, fmt.Sprintf("filler-%05d", i), "x")
	}
	if err := db.CompactRange(nil, nil); err != nil {
		t.Fatal(err)
	}

	v, err := db.Get(ReadOptions{Snapshot: snap}, []byte("pinned"))
	if err != nil || string(v) != "old" {
		t.Fatalf("snapshot read after compaction = %q, %v", v, err)
	}
	if got := mustGet(t, db, "pinned"); got != "new" {
		t.Fatalf("latest read = %q", got)
	}
	db.ReleaseSnapshot(snap)
}

func TestOpenMissingWithoutCreate(t *testing.T) {
	opts := testOptions()
	opts.CreateIfMissing = false
	if _, err := Open(t.TempDir(), opts); err == nil {
		t.Fatal("expected error opening missing database")
	}
}

func TestOpenExistingWithErrorIfExists(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, testOptions())
	db.Close()

	opts := testOptions()
	opts.ErrorIfExists = true
	if _, err := Open(dir, opts); err == nil {
		t.Fatal("expected error reopening with error_if_exists")
	}
}

func TestLockExcludesSecondOpen(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, testOptions())
	defer db.Close()

	if _, err := Open(dir, testOptions()); err == nil {
		t.Fatal("expected second open to fail on the file lock")
	}
}

func TestReopenPreservesVersionState(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.WriteBufferSize = 16 << 10
	db := openTestDB(t, dir, opts)
	for i := 0; i < 2000; i++ {
		mustPut(t, db, fmt.Sprintf("k%05d", i), fmt.Sprintf("v%05d", i))
	}
	if err := db.CompactRange(nil, nil); err != nil {
		t.Fatal(err)
	}
	var before [numLevels]int
	for level := range before {
		before[level] = numFilesAtLevel(t, db, level)
	}
	seqBefore := db.GetSnapshot().Sequence()
	db.Close()

	db = openTestDB(t, dir, opts)
	defer db.Close()
	for level := range before {
		if got := numFilesAtLevel(t, db, level); got != before[level] {
			t.Fatalf("level %d files %d, want %d", level, got, before[level])
		}
	}
	if seq := db.GetSnapshot().Sequence(); seq != seqBefore {
		t.Fatalf("sequence %d, want %d", seq, seqBefore)
	}
	if got := mustGet(t, db, "k00042"); got != "v00042" {
		t.Fatalf("k00042 = %q", got)
	}
}

func TestProperties(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())
	defer db.Close()

	mustPut(t, db, "a", "1")
	if _, ok := db.GetProperty("shaledb.stats"); !ok {
		t.Fatal("stats property missing")
	}
	if _, ok := db.GetProperty("shaledb.sstables"); !ok {
		t.Fatal("sstables property missing")
	}
	if s, ok := db.GetProperty("shaledb.approximate-memory-usage"); !ok || s == "0" {
		t.Fatalf("approximate-memory-usage = %q ok=%v", s, ok)
	}
	if _, ok := db.GetProperty("shaledb.bogus"); ok {
		t.Fatal("bogus property should not resolve")
	}
	if _, ok := db.GetProperty("other.stats"); ok {
		t.Fatal("foreign prefix should not resolve")
	}
}

func TestGetAfterClose(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())
	mustPut(t, db, "a", "1")
	db.Close()

	if _, err := db.Get(ReadOptions{}, []byte("a")); err != dberrors.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := db.Put(WriteOptions{}, []byte("x"), []byte("y")); err != dberrors.ErrClosed {
		t.Fatalf("expected ErrClosed on write, got %v", err)
	}
}
