package store

import (
	"shaledb/pkg/iterator"
	"shaledb/pkg/keys"
)

// compaction describes the inputs of one level-N -> level-N+1 merge.
// inputs[0] holds the level-N files, inputs[1] the overlapping level-N+1
// files; grandparents are the level-N+2 overlappers used to bound output
// file overlap.
type compaction struct {
	level             int
	maxOutputFileSize uint64

	inputVersion *version
	edit         versionEdit

	inputs       [2][]*fileMetadata
	grandparents []*fileMetadata

	// Output-splitting state for shouldStopBefore.
	grandparentIndex int
	seenKey          bool
	overlappedBytes  int64

	// Per-level cursors for isBaseLevelForKey.
	levelPtrs [numLevels]int
}

func newCompaction(opts *Options, level int) *compaction {
	return &compaction{
		level:             level,
		maxOutputFileSize: uint64(opts.MaxFileSize),
	}
}

// isTrivialMove reports whether the compaction can be done by renaming a
// single file to the next level, with no merge at all.
func (c *compaction) isTrivialMove() bool {
	return len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		totalFileSize(c.grandparents) <= maxGrandparentOverlapBytes(c.inputVersion.vset.opts)
}

// addInputDeletions records the removal of every input file.
func (c *compaction) addInputDeletions(edit *versionEdit) {
	for which := 0; which < 2; which++ {
		for _, f := range c.inputs[which] {
			edit.removeFile(c.level+which, f.number)
		}
	}
}

// isBaseLevelForKey reports whether ukey cannot exist in any level deeper
// than the compaction's output level, so its tombstone may be dropped. The
// per-level cursors only ever advance: callers must present keys in order.
func (c *compaction) isBaseLevelForKey(ukey []byte) bool {
	ucmp := c.inputVersion.vset.icmp.User
	for level := c.level + 2; level < numLevels; level++ {
		files := c.inputVersion.files[level]
		for c.levelPtrs[level] < len(files) {
			f := files[c.levelPtrs[level]]
			if ucmp.Compare(ukey, keys.UserKey(f.largest)) <= 0 {
				if ucmp.Compare(ukey, keys.UserKey(f.smallest)) >= 0 {
					return false
				}
				break
			}
			c.levelPtrs[level]++
		}
	}
	return true
}

// shouldStopBefore reports whether the current output file should be closed
// before writing ikey, to bound how much grandparent data a single future
// compaction of that file will touch.
func (c *compaction) shouldStopBefore(ikey []byte) bool {
	vset := c.inputVersion.vset
	icmp := vset.icmp
	for c.grandparentIndex < len(c.grandparents) &&
		icmp.Compare(ikey, c.grandparents[c.grandparentIndex].largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += int64(c.grandparents[c.grandparentIndex].size)
		}
		c.grandparentIndex++
	}
	c.seenKey = true

	if c.overlappedBytes > maxGrandparentOverlapBytes(vset.opts) {
		c.overlappedBytes = 0
		return true
	}
	return false
}

// releaseInputs drops the compaction's pin on its input version.
func (c *compaction) releaseInputs() {
	if c.inputVersion != nil {
		c.inputVersion.unref()
		c.inputVersion = nil
	}
}

// keyRange returns the smallest and largest internal keys spanned by files.
func keyRange(icmp keys.InternalComparator, files []*fileMetadata) (smallest, largest []byte) {
	for i, f := range files {
		if i == 0 {
			smallest, largest = f.smallest, f.largest
			continue
		}
		if icmp.Compare(f.smallest, smallest) < 0 {
			smallest = f.smallest
		}
		if icmp.Compare(f.largest, largest) > 0 {
			largest = f.largest
		}
	}
	return smallest, largest
}

func (s *versionSet) getRange(files []*fileMetadata) (smallest, largest []byte) {
	return keyRange(s.icmp, files)
}

func (s *versionSet) getRange2(a, b []*fileMetadata) (smallest, largest []byte) {
	all := make([]*fileMetadata, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return s.getRange(all)
}

// addBoundaryInputs extends compactionFiles with files whose smallest key
// is a lower-sequence entry of the current largest user key. Leaving such a
// file behind would let a move expose stale values for that key.
func addBoundaryInputs(icmp keys.InternalComparator, levelFiles []*fileMetadata, compactionFiles *[]*fileMetadata) {
	if len(*compactionFiles) == 0 {
		return
	}
	_, largest := keyRange(icmp, *compactionFiles)

	for {
		var boundary *fileMetadata
		for _, f := range levelFiles {
			if icmp.Compare(f.smallest, largest) > 0 &&
				icmp.User.Compare(keys.UserKey(f.smallest), keys.UserKey(largest)) == 0 {
				if boundary == nil || icmp.Compare(f.smallest, boundary.smallest) < 0 {
					boundary = f
				}
			}
		}
		if boundary == nil {
			return
		}
		*compactionFiles = append(*compactionFiles, boundary)
		largest = boundary.largest
	}
}

// pickCompaction chooses what to compact: size-triggered work first, then
// seek-triggered. Returns nil when nothing needs doing.
func (s *versionSet) pickCompaction() *compaction {
	v := s.current

	var c *compaction
	switch {
	case v.compactionScore >= 1:
		level := v.compactionLevel
		c = newCompaction(s.opts, level)
		// Resume after the last compacted key in this level, wrapping to
		// the first file when the cursor runs off the end.
		for _, f := range v.files[level] {
			if len(s.compactPointer[level]) == 0 ||
				s.icmp.Compare(f.largest, s.compactPointer[level]) > 0 {
				c.inputs[0] = []*fileMetadata{f}
				break
			}
		}
		if len(c.inputs[0]) == 0 {
			c.inputs[0] = []*fileMetadata{v.files[level][0]}
		}
		if level == 0 {
			// Level-0 files overlap: pull in every sibling touching the
			// chosen range.
			smallest, largest := s.getRange(c.inputs[0])
			c.inputs[0] = v.getOverlappingInputs(0, smallest, largest)
		}

	case v.fileToCompact != nil:
		c = newCompaction(s.opts, v.fileToCompactLevel)
		c.inputs[0] = []*fileMetadata{v.fileToCompact}

	default:
		return nil
	}

	c.inputVersion = v
	c.inputVersion.ref()
	s.setupOtherInputs(c)
	return c
}

// setupOtherInputs completes the input set: boundary files, the overlapping
// next-level files, an optional expansion of the level inputs, and the
// grandparents.
func (s *versionSet) setupOtherInputs(c *compaction) {
	v := c.inputVersion
	level := c.level

	addBoundaryInputs(s.icmp, v.files[level], &c.inputs[0])
	smallest, largest := s.getRange(c.inputs[0])

	c.inputs[1] = v.getOverlappingInputs(level+1, smallest, largest)
	addBoundaryInputs(s.icmp, v.files[level+1], &c.inputs[1])

	allStart, allLimit := s.getRange2(c.inputs[0], c.inputs[1])

	// Try to grow the level inputs without changing the next-level inputs,
	// as long as the total stays within the expansion budget.
	if len(c.inputs[1]) > 0 {
		expanded0 := v.getOverlappingInputs(level, allStart, allLimit)
		addBoundaryInputs(s.icmp, v.files[level], &expanded0)
		inputs1Size := totalFileSize(c.inputs[1])
		expanded0Size := totalFileSize(expanded0)
		if len(expanded0) > len(c.inputs[0]) &&
			inputs1Size+expanded0Size < expandedCompactionByteSizeLimit(s.opts) {
			newStart, newLimit := s.getRange(expanded0)
			expanded1 := v.getOverlappingInputs(level+1, newStart, newLimit)
			addBoundaryInputs(s.icmp, v.files[level+1], &expanded1)
			if len(expanded1) == len(c.inputs[1]) {
				s.logger.Debug("expanding compaction inputs",
					"level", level,
					"files", len(c.inputs[0])+len(c.inputs[1]),
					"expanded_files", len(expanded0)+len(expanded1))
				c.inputs[0] = expanded0
				c.inputs[1] = expanded1
				smallest, largest = s.getRange(c.inputs[0])
				allStart, allLimit = s.getRange2(c.inputs[0], c.inputs[1])
			}
		}
	}

	if level+2 < numLevels {
		c.grandparents = v.getOverlappingInputs(level+2, allStart, allLimit)
	}

	// Advance the round-robin cursor now rather than on install, so a
	// failed compaction does not retry the same range forever.
	s.compactPointer[level] = append([]byte(nil), largest...)
	c.edit.setCompactPointer(level, largest)
}

// compactRange builds a manual compaction over [begin, end] internal keys
// (nil for open ends). For levels above 0 the input set is trimmed so one
// round stays within the expansion budget; the caller loops.
func (s *versionSet) compactRange(level int, begin, end []byte) *compaction {
	inputs := s.current.getOverlappingInputs(level, begin, end)
	if len(inputs) == 0 {
		return nil
	}

	if level > 0 {
		limit := expandedCompactionByteSizeLimit(s.opts)
		var total int64
		for i, f := range inputs {
			total += int64(f.size)
			if total >= limit {
				inputs = inputs[:i+1]
				break
			}
		}
	}

	c := newCompaction(s.opts, level)
	c.inputVersion = s.current
	c.inputVersion.ref()
	c.inputs[0] = inputs
	s.setupOtherInputs(c)
	return c
}

// makeInputIterator merges every input file of c into one internal-key
// ordered stream.
func (s *versionSet) makeInputIterator(c *compaction) iterator.Iterator {
	ro := ReadOptions{VerifyChecksums: s.opts.ParanoidChecks}
	var iters []iterator.Iterator
	for which := 0; which < 2; which++ {
		if len(c.inputs[which]) == 0 {
			continue
		}
		if which == 0 && c.level == 0 {
			for _, f := range c.inputs[which] {
				iters = append(iters, s.tcache.newIterator(ro, f.number, f.size))
			}
		} else {
			iters = append(iters, newLevelIter(s.icmp, s.tcache, ro, c.inputs[which]))
		}
	}
	return iterator.NewMerging(s.icmp.Compare, iters...)
}
