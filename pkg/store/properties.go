package store

import (
	"fmt"
	"strconv"
	"strings"
)

const propertyPrefix = "shaledb."

// GetProperty exposes engine internals by name:
//
//	shaledb.num-files-at-level<N>     file count of one level
//	shaledb.stats                     per-level compaction counters
//	shaledb.sstables                  table listing with key ranges
//	shaledb.approximate-memory-usage  memtable arena footprint
func (d *DB) GetProperty(name string) (string, bool) {
	if !strings.HasPrefix(name, propertyPrefix) {
		return "", false
	}
	prop := name[len(propertyPrefix):]

	d.mu.Lock()
	defer d.mu.Unlock()

	if rest, ok := strings.CutPrefix(prop, "num-files-at-level"); ok {
		level, err := strconv.Atoi(rest)
		if err != nil || level < 0 || level >= numLevels {
			return "", false
		}
		return strconv.Itoa(d.versions.numLevelFiles(level)), true
	}

	switch prop {
	case "stats":
		var b strings.Builder
		b.WriteString("                               Compactions\n")
		b.WriteString("Level  Files Size(MB) Time(sec) Read(MB) Write(MB)\n")
		b.WriteString("--------------------------------------------------\n")
		for level := 0; level < numLevels; level++ {
			files := d.versions.numLevelFiles(level)
			st := d.stats[level]
			if files == 0 && st.duration == 0 {
				continue
			}
			fmt.Fprintf(&b, "%3d %8d %8.0f %9.0f %8.0f %9.0f\n",
				level,
				files,
				float64(d.versions.numLevelBytes(level))/1048576.0,
				st.duration.Seconds(),
				float64(st.bytesRead)/1048576.0,
				float64(st.bytesWritten)/1048576.0)
		}
		return b.String(), true

	case "sstables":
		return d.versions.current.debugString(), true

	case "approximate-memory-usage":
		total := d.mem.ApproximateMemoryUsage()
		if d.imm != nil {
			total += d.imm.ApproximateMemoryUsage()
		}
		return strconv.FormatInt(total, 10), true
	}
	return "", false
}
