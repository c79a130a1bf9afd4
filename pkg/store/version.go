package store

import (
	"fmt"
	"sort"
	"strings"

	"shaledb/pkg/iterator"
	"shaledb/pkg/keys"
)

// version is an immutable snapshot of the per-level file sets. Versions are
// reference counted under the database mutex and chained in the version
// set's list; iterators and compactions pin the version they started from.
type version struct {
	vset *versionSet

	next *version
	prev *version
	refs int

	files [numLevels][]*fileMetadata

	// Seek-triggered compaction state, filled by updateStats.
	fileToCompact      *fileMetadata
	fileToCompactLevel int

	// Size-triggered compaction state, filled by finalize.
	compactionScore float64
	compactionLevel int
}

func newVersion(vset *versionSet) *version {
	return &version{vset: vset, compactionLevel: -1}
}

func (v *version) ref() { v.refs++ }

// unref drops a reference; the version leaves the list at zero. Callers
// hold the database mutex.
func (v *version) unref() {
	v.refs--
	if v.refs < 0 {
		panic("store: version refs below zero")
	}
	if v.refs == 0 && v != &v.vset.dummy {
		v.prev.next = v.next
		v.next.prev = v.prev
	}
}

func totalFileSize(files []*fileMetadata) int64 {
	var sum int64
	for _, f := range files {
		sum += int64(f.size)
	}
	return sum
}

// findFile returns the index of the first file whose largest key is >= ikey.
// Files must be disjoint and sorted (levels >= 1).
func findFile(icmp keys.InternalComparator, files []*fileMetadata, ikey []byte) int {
	return sort.Search(len(files), func(i int) bool {
		return icmp.Compare(files[i].largest, ikey) >= 0
	})
}

func afterFile(ucmp keys.Comparator, ukey []byte, f *fileMetadata) bool {
	// nil ukey means "before every key".
	return ukey != nil && ucmp.Compare(ukey, keys.UserKey(f.largest)) > 0
}

func beforeFile(ucmp keys.Comparator, ukey []byte, f *fileMetadata) bool {
	return ukey != nil && ucmp.Compare(ukey, keys.UserKey(f.smallest)) < 0
}

// someFileOverlapsRange reports whether any file overlaps [smallest,
// largest] in user-key space. Either bound may be nil for an open end.
func someFileOverlapsRange(
	icmp keys.InternalComparator,
	disjoint bool,
	files []*fileMetadata,
	smallestUkey, largestUkey []byte,
) bool {
	ucmp := icmp.User
	if !disjoint {
		for _, f := range files {
			if !afterFile(ucmp, smallestUkey, f) && !beforeFile(ucmp, largestUkey, f) {
				return true
			}
		}
		return false
	}

	idx := 0
	if smallestUkey != nil {
		idx = findFile(icmp, files, keys.MakeLookupKey(smallestUkey, keys.MaxSequence))
	}
	if idx >= len(files) {
		return false
	}
	return !beforeFile(ucmp, largestUkey, files[idx])
}

// overlapInLevel reports whether the level has data in the user-key range.
func (v *version) overlapInLevel(level int, smallestUkey, largestUkey []byte) bool {
	return someFileOverlapsRange(v.vset.icmp, level > 0, v.files[level], smallestUkey, largestUkey)
}

// getStats reports the file to charge for a read that consulted more than
// one table.
type getStats struct {
	seekFile      *fileMetadata
	seekFileLevel int
}

// get looks ukey up across the levels, newest data first. ok reports a
// conclusive answer (value or tombstone).
func (v *version) get(ro ReadOptions, ukey []byte, seq uint64) (value []byte, ok, deleted bool, stats getStats, err error) {
	icmp := v.vset.icmp
	ucmp := icmp.User
	lookup := keys.MakeLookupKey(ukey, seq)

	var lastFileRead *fileMetadata
	lastFileReadLevel := -1

	for level := 0; level < numLevels; level++ {
		files := v.files[level]
		if len(files) == 0 {
			continue
		}

		var candidates []*fileMetadata
		if level == 0 {
			// Level-0 files overlap; check every match, newest first.
			for _, f := range files {
				if ucmp.Compare(ukey, keys.UserKey(f.smallest)) >= 0 &&
					ucmp.Compare(ukey, keys.UserKey(f.largest)) <= 0 {
					candidates = append(candidates, f)
				}
			}
			sort.Slice(candidates, func(i, j int) bool {
				return candidates[i].number > candidates[j].number
			})
		} else {
			idx := findFile(icmp, files, lookup)
			if idx >= len(files) {
				continue
			}
			f := files[idx]
			if ucmp.Compare(ukey, keys.UserKey(f.smallest)) < 0 {
				continue
			}
			candidates = []*fileMetadata{f}
		}

		for _, f := range candidates {
			if lastFileRead != nil && stats.seekFile == nil {
				// A second file on the search path: charge the first.
				stats.seekFile = lastFileRead
				stats.seekFileLevel = lastFileReadLevel
			}
			lastFileRead = f
			lastFileReadLevel = level

			rkey, rval, found, gerr := v.vset.tcache.get(ro, f.number, f.size, lookup)
			if gerr != nil {
				return nil, false, false, stats, gerr
			}
			if !found {
				continue
			}
			fukey, _, kind, perr := keys.ParseInternalKey(rkey)
			if perr != nil {
				return nil, false, false, stats, perr
			}
			if ucmp.Compare(fukey, ukey) != 0 {
				continue
			}
			if kind == keys.KindDeletion {
				return nil, true, true, stats, nil
			}
			return rval, true, false, stats, nil
		}
	}
	return nil, false, false, stats, nil
}

// updateStats applies the seek charge of a read. It returns true when a
// file's seek allowance ran out and a compaction should be scheduled.
// Callers hold the database mutex.
func (v *version) updateStats(stats getStats) bool {
	f := stats.seekFile
	if f == nil {
		return false
	}
	f.allowedSeeks--
	// Files in the bottom level have nowhere to go; never nominate them.
	if f.allowedSeeks <= 0 && v.fileToCompact == nil && stats.seekFileLevel+1 < numLevels {
		v.fileToCompact = f
		v.fileToCompactLevel = stats.seekFileLevel
		return true
	}
	return false
}

// recordReadSample charges a sampled iterator key when two or more files
// overlap it, mirroring the read path's seek accounting.
func (v *version) recordReadSample(ikey []byte) bool {
	ukey, _, _, err := keys.ParseInternalKey(ikey)
	if err != nil {
		return false
	}
	ucmp := v.vset.icmp.User

	// Remember the first overlapping file; charge it only when a second
	// one shows up on the search path.
	var stats getStats
	matches := 0
	for level := 0; level < numLevels; level++ {
		for _, f := range v.files[level] {
			if ucmp.Compare(ukey, keys.UserKey(f.smallest)) < 0 ||
				ucmp.Compare(ukey, keys.UserKey(f.largest)) > 0 {
				continue
			}
			matches++
			if matches == 1 {
				stats = getStats{seekFile: f, seekFileLevel: level}
			} else {
				return v.updateStats(stats)
			}
			if level > 0 {
				// Disjoint level: at most one file can match.
				break
			}
		}
	}
	return false
}

// getOverlappingInputs returns the files in level whose user-key ranges
// intersect [begin, end] (internal keys; nil means open). For level 0 the
// range grows until it is closed under overlap.
func (v *version) getOverlappingInputs(level int, begin, end []byte) []*fileMetadata {
	ucmp := v.vset.icmp.User
	var userBegin, userEnd []byte
	if begin != nil {
		userBegin = keys.UserKey(begin)
	}
	if end != nil {
		userEnd = keys.UserKey(end)
	}

	var inputs []*fileMetadata
	for i := 0; i < len(v.files[level]); {
		f := v.files[level][i]
		i++
		fileStart := keys.UserKey(f.smallest)
		fileLimit := keys.UserKey(f.largest)
		if userBegin != nil && ucmp.Compare(fileLimit, userBegin) < 0 {
			continue
		}
		if userEnd != nil && ucmp.Compare(fileStart, userEnd) > 0 {
			continue
		}
		inputs = append(inputs, f)
		if level == 0 {
			// Level-0 files overlap each other; widen the range and
			// restart so the input set is closed under overlap.
			if userBegin != nil && ucmp.Compare(fileStart, userBegin) < 0 {
				userBegin = fileStart
				inputs = inputs[:0]
				i = 0
			} else if userEnd != nil && ucmp.Compare(fileLimit, userEnd) > 0 {
				userEnd = fileLimit
				inputs = inputs[:0]
				i = 0
			}
		}
	}
	return inputs
}

// pickLevelForMemTableOutput pushes a non-overlapping flush past level 0
// while the next level is clear and the grandparent overlap stays small.
func (v *version) pickLevelForMemTableOutput(minUkey, maxUkey []byte) int {
	level := 0
	if v.overlapInLevel(0, minUkey, maxUkey) {
		return 0
	}
	start := keys.MakeLookupKey(minUkey, keys.MaxSequence)
	limit := keys.AppendInternalKey(nil, maxUkey, 0, keys.KindDeletion)
	for level < maxMemCompactLevel {
		if v.overlapInLevel(level+1, minUkey, maxUkey) {
			break
		}
		if level+2 < numLevels {
			overlaps := v.getOverlappingInputs(level+2, start, limit)
			if totalFileSize(overlaps) > maxGrandparentOverlapBytes(v.vset.opts) {
				break
			}
		}
		level++
	}
	return level
}

// iterators returns one iterator per data source of the version: each
// level-0 file by itself, deeper levels as concatenating iterators.
func (v *version) iterators(ro ReadOptions) []iterator.Iterator {
	var iters []iterator.Iterator
	for _, f := range v.files[0] {
		iters = append(iters, v.vset.tcache.newIterator(ro, f.number, f.size))
	}
	for level := 1; level < numLevels; level++ {
		if len(v.files[level]) == 0 {
			continue
		}
		iters = append(iters, newLevelIter(v.vset.icmp, v.vset.tcache, ro, v.files[level]))
	}
	return iters
}

// debugString renders the version for the sstables property.
func (v *version) debugString() string {
	var b strings.Builder
	for level := 0; level < numLevels; level++ {
		fmt.Fprintf(&b, "--- level %d ---\n", level)
		for _, f := range v.files[level] {
			fmt.Fprintf(&b, " %d:%d[%s .. %s]\n",
				f.number, f.size, keys.String(f.smallest), keys.String(f.largest))
		}
	}
	return b.String()
}
