package env

import (
	"io"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	e := Default()
	dir := t.TempDir()
	name := filepath.Join(dir, "data")

	f, err := e.NewWritableFile(name)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := e.NewSequentialFile(name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil || string(data) != "hello" {
		t.Fatalf("read %q, %v", data, err)
	}

	size, err := e.FileSize(name)
	if err != nil || size != 5 {
		t.Fatalf("size %d, %v", size, err)
	}
}

func TestListAndRename(t *testing.T) {
	e := Default()
	dir := t.TempDir()

	f, err := e.NewWritableFile(filepath.Join(dir, "a"))
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	names, err := e.List(dir)
	if err != nil || len(names) != 1 || names[0] != "a" {
		t.Fatalf("list %v, %v", names, err)
	}

	if err := e.Rename(filepath.Join(dir, "a"), filepath.Join(dir, "b")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if e.FileExists(filepath.Join(dir, "a")) || !e.FileExists(filepath.Join(dir, "b")) {
		t.Fatal("rename did not move the file")
	}
}

func TestLockIsExclusive(t *testing.T) {
	e := Default()
	name := filepath.Join(t.TempDir(), "LOCK")

	l1, err := e.Lock(name)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := e.Lock(name); err == nil {
		t.Fatal("second lock should fail")
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	l2, err := e.Lock(name)
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	l2.Close()
}
