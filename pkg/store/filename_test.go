package store

import "testing"

func TestFileNames(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{logFileName("db", 7), "db/000007.log"},
		{tableFileName("db", 123456), "db/123456.ldb"},
		{sstTableFileName("db", 5), "db/000005.sst"},
		{descriptorFileName("db", 3), "db/MANIFEST-000003"},
		{currentFileName("db"), "db/CURRENT"},
		{lockFileName("db"), "db/LOCK"},
		{tempFileName("db", 9), "db/000009.dbtmp"},
		{infoLogFileName("db"), "db/LOG"},
		{oldInfoLogFileName("db"), "db/LOG.old"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestParseFileName(t *testing.T) {
	cases := []struct {
		name   string
		number uint64
		ft     fileType
		ok     bool
	}{
		{"CURRENT", 0, currentFile, true},
		{"LOCK", 0, lockFile, true},
		{"LOG", 0, infoLogFile, true},
		{"LOG.old", 0, infoLogFile, true},
		{"MANIFEST-000002", 2, descriptorFile, true},
		{"000042.log", 42, logFile, true},
		{"000042.ldb", 42, tableFile, true},
		{"000042.sst", 42, tableFile, true},
		{"000042.dbtmp", 42, tempFile, true},
		{"MANIFEST-", 0, 0, false},
		{"foo.log", 0, 0, false},
		{"000042.bar", 0, 0, false},
		{"042", 0, 0, false},
	}
	for _, tc := range cases {
		number, ft, ok := parseFileName(tc.name)
		if ok != tc.ok {
			t.Errorf("%q: ok=%v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if ok && (number != tc.number || ft != tc.ft) {
			t.Errorf("%q: (%d,%d), want (%d,%d)", tc.name, number, ft, tc.number, tc.ft)
		}
	}
}
