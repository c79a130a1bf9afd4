package store

import (
	"fmt"
	"strconv"
	"strings"

	"shaledb/pkg/env"
)

type fileType int

const (
	logFile fileType = iota
	lockFile
	tableFile
	descriptorFile
	currentFile
	tempFile
	infoLogFile
)

// All numbered files share one monotonic counter, so a number identifies a
// file regardless of type.

func logFileName(dbname string, number uint64) string {
	return fmt.Sprintf("%s/%06d.log", dbname, number)
}

func tableFileName(dbname string, number uint64) string {
	return fmt.Sprintf("%s/%06d.ldb", dbname, number)
}

// sstTableFileName is the legacy table suffix still accepted on open.
func sstTableFileName(dbname string, number uint64) string {
	return fmt.Sprintf("%s/%06d.sst", dbname, number)
}

func descriptorFileName(dbname string, number uint64) string {
	return fmt.Sprintf("%s/MANIFEST-%06d", dbname, number)
}

func currentFileName(dbname string) string { return dbname + "/CURRENT" }

func lockFileName(dbname string) string { return dbname + "/LOCK" }

func tempFileName(dbname string, number uint64) string {
	return fmt.Sprintf("%s/%06d.dbtmp", dbname, number)
}

func infoLogFileName(dbname string) string { return dbname + "/LOG" }

func oldInfoLogFileName(dbname string) string { return dbname + "/LOG.old" }

// parseFileName decodes a directory entry base name.
func parseFileName(name string) (number uint64, ft fileType, ok bool) {
	switch {
	case name == "CURRENT":
		return 0, currentFile, true
	case name == "LOCK":
		return 0, lockFile, true
	case name == "LOG" || name == "LOG.old":
		return 0, infoLogFile, true
	case strings.HasPrefix(name, "MANIFEST-"):
		n, err := strconv.ParseUint(name[len("MANIFEST-"):], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return n, descriptorFile, true
	}

	i := strings.IndexByte(name, '.')
	if i <= 0 {
		return 0, 0, false
	}
	n, err := strconv.ParseUint(name[:i], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	switch name[i:] {
	case ".log":
		return n, logFile, true
	case ".ldb", ".sst":
		return n, tableFile, true
	case ".dbtmp":
		return n, tempFile, true
	}
	return 0, 0, false
}

// setCurrentFile atomically points CURRENT at the given manifest by writing
// a temp file and renaming it into place.
func setCurrentFile(e env.Env, dbname string, descriptorNumber uint64) error {
	contents := fmt.Sprintf("MANIFEST-%06d\n", descriptorNumber)
	tmp := tempFileName(dbname, descriptorNumber)

	f, err := e.NewWritableFile(tmp)
	if err != nil {
		return err
	}
	_, err = f.Write([]byte(contents))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = e.Rename(tmp, currentFileName(dbname))
	}
	if err == nil {
		err = e.SyncDir(dbname)
	}
	if err != nil {
		e.Remove(tmp)
	}
	return err
}
