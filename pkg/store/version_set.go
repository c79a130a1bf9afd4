package store

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"shaledb/pkg/dberrors"
	"shaledb/pkg/env"
	"shaledb/pkg/keys"
	"shaledb/pkg/record"
)

// versionSet owns the list of live versions, the file-number and sequence
// counters, and the manifest log. All fields are guarded by the database
// mutex except where noted; manifest appends drop the mutex.
type versionSet struct {
	opts   *Options
	dbname string
	icmp   keys.InternalComparator
	tcache *tableCache
	logger *slog.Logger

	nextFileNumber     uint64
	manifestFileNumber uint64
	lastSequence       uint64
	logNumber          uint64
	prevLogNumber      uint64

	descriptorFile io.WriteCloser
	descriptorSync func() error
	descriptorLog  *record.Writer

	// dummy heads the circular list of live versions; current is the
	// newest.
	dummy   version
	current *version

	// compactPointer remembers where size compaction left off per level.
	compactPointer [numLevels][]byte

	// writingManifest serializes manifest appends across the mutex drop
	// inside logAndApply.
	writingManifest bool
	manifestDone    *sync.Cond
}

func newVersionSet(dbname string, opts *Options, icmp keys.InternalComparator, tcache *tableCache, logger *slog.Logger, mu *sync.Mutex) *versionSet {
	s := &versionSet{
		opts:               opts,
		dbname:             dbname,
		icmp:               icmp,
		tcache:             tcache,
		logger:             logger,
		nextFileNumber:     2,
		manifestFileNumber: 1,
		manifestDone:       sync.NewCond(mu),
	}
	s.dummy.vset = s
	s.dummy.next = &s.dummy
	s.dummy.prev = &s.dummy
	s.appendVersion(newVersion(s))
	return s
}

func (s *versionSet) newFileNumber() uint64 {
	n := s.nextFileNumber
	s.nextFileNumber++
	return n
}

// reuseFileNumber hands back a freshly allocated but unused number.
func (s *versionSet) reuseFileNumber(n uint64) {
	if s.nextFileNumber == n+1 {
		s.nextFileNumber = n
	}
}

func (s *versionSet) markFileNumberUsed(n uint64) {
	if s.nextFileNumber <= n {
		s.nextFileNumber = n + 1
	}
}

func (s *versionSet) numLevelFiles(level int) int {
	return len(s.current.files[level])
}

func (s *versionSet) numLevelBytes(level int) int64 {
	return totalFileSize(s.current.files[level])
}

// appendVersion installs v as current at the head of the list.
func (s *versionSet) appendVersion(v *version) {
	v.ref()
	if s.current != nil {
		s.current.unref()
	}
	s.current = v

	v.prev = s.dummy.prev
	v.next = &s.dummy
	v.prev.next = v
	v.next.prev = v

	if m := s.opts.Metrics; m != nil {
		for level := 0; level < numLevels; level++ {
			m.SetLevelFiles(level, len(v.files[level]))
		}
	}
}

// finalize precomputes the best compaction candidate for v. Level 0 scores
// by file count, deeper levels by total bytes against their budget.
func (s *versionSet) finalize(v *version) {
	bestLevel := -1
	bestScore := -1.0
	for level := 0; level < numLevels-1; level++ {
		var score float64
		if level == 0 {
			score = float64(len(v.files[level])) / float64(l0CompactionTrigger)
		} else {
			score = float64(totalFileSize(v.files[level])) / maxBytesForLevel(level)
		}
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}
	v.compactionLevel = bestLevel
	v.compactionScore = bestScore
}

// addLiveFiles collects every file number referenced by any live version.
func (s *versionSet) addLiveFiles(live map[uint64]struct{}) {
	for v := s.dummy.next; v != &s.dummy; v = v.next {
		for level := 0; level < numLevels; level++ {
			for _, f := range v.files[level] {
				live[f.number] = struct{}{}
			}
		}
	}
}

func (s *versionSet) needsCompaction() bool {
	v := s.current
	return v.compactionScore >= 1 || v.fileToCompact != nil
}

func (s *versionSet) levelSummary() string {
	var b strings.Builder
	b.WriteString("files[")
	for level := 0; level < numLevels; level++ {
		if level > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", len(s.current.files[level]))
	}
	b.WriteByte(']')
	return b.String()
}

// builder accumulates edits on top of a base version. Deletions are applied
// before additions, and added files are sorted on save.
type builder struct {
	vset *versionSet
	base *version

	added   [numLevels][]*fileMetadata
	deleted [numLevels]map[uint64]struct{}
}

func newBuilder(s *versionSet, base *version) *builder {
	b := &builder{vset: s, base: base}
	base.ref()
	for level := range b.deleted {
		b.deleted[level] = make(map[uint64]struct{})
	}
	return b
}

func (b *builder) release() {
	b.base.unref()
}

func (b *builder) apply(edit *versionEdit) {
	for _, cp := range edit.compactPointers {
		b.vset.compactPointer[cp.level] = append([]byte(nil), cp.key...)
	}
	for df := range edit.deletedFiles {
		b.deleted[df.level][df.number] = struct{}{}
	}
	for _, nf := range edit.newFiles {
		meta := nf.meta
		// Seek-compact a file after proportionally many gratuitous seeks:
		// one seek costs about as much as compacting 16 KiB.
		meta.allowedSeeks = int(meta.size / 16384)
		if meta.allowedSeeks < 100 {
			meta.allowedSeeks = 100
		}
		delete(b.deleted[nf.level], meta.number)
		b.added[nf.level] = append(b.added[nf.level], &meta)
	}
}

func (b *builder) saveTo(v *version) {
	icmp := b.vset.icmp
	for level := 0; level < numLevels; level++ {
		merged := make([]*fileMetadata, 0, len(b.base.files[level])+len(b.added[level]))
		merged = append(merged, b.base.files[level]...)
		merged = append(merged, b.added[level]...)
		sort.Slice(merged, func(i, j int) bool {
			if r := icmp.Compare(merged[i].smallest, merged[j].smallest); r != 0 {
				return r < 0
			}
			return merged[i].number < merged[j].number
		})

		files := make([]*fileMetadata, 0, len(merged))
		for _, f := range merged {
			if _, dead := b.deleted[level][f.number]; dead {
				continue
			}
			if level > 0 && len(files) > 0 {
				prev := files[len(files)-1]
				if icmp.Compare(prev.largest, f.smallest) >= 0 {
					panic(fmt.Sprintf("store: overlapping files %d and %d in level %d",
						prev.number, f.number, level))
				}
			}
			files = append(files, f)
		}
		v.files[level] = files
	}
}

// logAndApply persists edit to the manifest and installs the resulting
// version. The caller holds mu; the manifest append happens unlocked.
func (s *versionSet) logAndApply(edit *versionEdit, mu *sync.Mutex) error {
	for s.writingManifest {
		s.manifestDone.Wait()
	}
	s.writingManifest = true
	defer func() {
		s.writingManifest = false
		s.manifestDone.Broadcast()
	}()

	if !edit.hasLogNumber {
		edit.setLogNumber(s.logNumber)
	}
	if !edit.hasPrevLogNumber {
		edit.setPrevLogNumber(s.prevLogNumber)
	}
	edit.setNextFileNumber(s.nextFileNumber)
	edit.setLastSequence(s.lastSequence)

	v := newVersion(s)
	{
		b := newBuilder(s, s.current)
		b.apply(edit)
		b.saveTo(v)
		b.release()
	}
	s.finalize(v)

	// A fresh database (or one just recovered) has no manifest open yet.
	newManifest := s.descriptorLog == nil
	var manifestName string
	if newManifest {
		manifestName = descriptorFileName(s.dbname, s.manifestFileNumber)
		f, err := s.opts.Env.NewWritableFile(manifestName)
		if err != nil {
			return err
		}
		s.descriptorFile = f
		s.descriptorSync = f.Sync
		s.descriptorLog = record.NewWriter(f)
	}

	mu.Unlock()
	err := func() error {
		if newManifest {
			if err := s.writeSnapshot(s.descriptorLog); err != nil {
				return err
			}
		}
		if err := s.descriptorLog.AddRecord(edit.encode(nil)); err != nil {
			return err
		}
		if err := s.descriptorSync(); err != nil {
			return err
		}
		if newManifest {
			return setCurrentFile(s.opts.Env, s.dbname, s.manifestFileNumber)
		}
		return nil
	}()
	mu.Lock()

	if err != nil {
		if newManifest {
			s.descriptorFile.Close()
			s.opts.Env.Remove(manifestName)
			s.descriptorFile = nil
			s.descriptorSync = nil
			s.descriptorLog = nil
		}
		return err
	}

	s.appendVersion(v)
	s.logNumber = edit.logNumber
	s.prevLogNumber = edit.prevLogNumber
	return nil
}

// writeSnapshot appends a full description of the current state, used as
// the first record of every new manifest.
func (s *versionSet) writeSnapshot(w *record.Writer) error {
	var edit versionEdit
	edit.setComparatorName(s.icmp.User.Name())
	for level := 0; level < numLevels; level++ {
		if len(s.compactPointer[level]) > 0 {
			edit.setCompactPointer(level, s.compactPointer[level])
		}
		for _, f := range s.current.files[level] {
			edit.addFile(level, *f)
		}
	}
	return w.AddRecord(edit.encode(nil))
}

// recover rebuilds the current version from CURRENT and the manifest.
func (s *versionSet) recover() error {
	e := s.opts.Env

	currentName, err := readCurrentFile(e, s.dbname)
	if err != nil {
		return err
	}

	f, err := e.NewSequentialFile(s.dbname + "/" + currentName)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		haveLogNumber     bool
		havePrevLogNumber bool
		haveNextFile      bool
		haveLastSequence  bool
		logNumber         uint64
		prevLogNumber     uint64
		nextFile          uint64
		lastSequence      uint64
	)

	b := newBuilder(s, s.current)
	defer b.release()

	var corrupt error
	r := record.NewReader(f, func(bytes int, reason error) {
		if corrupt == nil {
			corrupt = reason
		}
	})
	for {
		rec, rerr := r.ReadRecord()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
		if corrupt != nil {
			// A damaged span precedes this record; anything after it
			// cannot be trusted.
			break
		}
		var edit versionEdit
		if err := edit.decode(rec); err != nil {
			return err
		}
		if edit.hasComparatorName && edit.comparatorName != s.icmp.User.Name() {
			return fmt.Errorf("%w: comparator %q does not match existing comparator %q",
				dberrors.ErrInvalidArgument, s.icmp.User.Name(), edit.comparatorName)
		}
		b.apply(&edit)
		if edit.hasLogNumber {
			logNumber = edit.logNumber
			haveLogNumber = true
		}
		if edit.hasPrevLogNumber {
			prevLogNumber = edit.prevLogNumber
			havePrevLogNumber = true
		}
		if edit.hasNextFileNumber {
			nextFile = edit.nextFileNumber
			haveNextFile = true
		}
		if edit.hasLastSequence {
			lastSequence = edit.lastSequence
			haveLastSequence = true
		}
	}
	if corrupt != nil {
		// Paranoid mode refuses a damaged manifest; otherwise the state up
		// to the last good record stands.
		if s.opts.ParanoidChecks {
			return corrupt
		}
		s.logger.Warn("manifest truncated at corruption", "reason", corrupt)
	}

	switch {
	case !haveNextFile:
		return dberrors.Corruptionf("manifest has no next-file entry")
	case !haveLogNumber:
		return dberrors.Corruptionf("manifest has no log-number entry")
	case !haveLastSequence:
		return dberrors.Corruptionf("manifest has no last-sequence entry")
	}
	if !havePrevLogNumber {
		prevLogNumber = 0
	}
	s.markFileNumberUsed(prevLogNumber)
	s.markFileNumberUsed(logNumber)

	v := newVersion(s)
	b.saveTo(v)
	s.finalize(v)
	s.appendVersion(v)

	if s.nextFileNumber < nextFile {
		s.nextFileNumber = nextFile
	}
	// The next manifest gets a fresh number; it is written on the first
	// logAndApply after recovery.
	s.manifestFileNumber = s.newFileNumber()
	s.lastSequence = lastSequence
	s.logNumber = logNumber
	s.prevLogNumber = prevLogNumber
	return nil
}

// readCurrentFile returns the manifest base name CURRENT points at.
func readCurrentFile(e env.Env, dbname string) (string, error) {
	f, err := e.NewSequentialFile(currentFileName(dbname))
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", dberrors.IOErr(err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		return "", dberrors.Corruptionf("CURRENT file does not end with newline")
	}
	name := string(data[:len(data)-1])
	if !strings.HasPrefix(name, "MANIFEST-") {
		return "", dberrors.Corruptionf("CURRENT points at %q", name)
	}
	return name, nil
}
