package store

import (
	"errors"
	"fmt"
	"time"

	"shaledb/pkg/dberrors"
	"shaledb/pkg/env"
	"shaledb/pkg/iterator"
	"shaledb/pkg/keys"
	"shaledb/pkg/memtable"
	"shaledb/pkg/sstable"
)

var errCompactionAborted = errors.New("store: compaction aborted during shutdown")

type manualCompaction struct {
	level int
	done  bool
	begin []byte // internal key or nil
	end   []byte // internal key or nil
}

// maybeScheduleCompaction starts the single background task when there is
// work: an immutable memtable, a pending manual compaction, or a version
// that wants compacting. Callers hold the mutex.
func (d *DB) maybeScheduleCompaction() {
	if d.bgCompactionScheduled {
		return
	}
	if d.shuttingDown.Load() || d.bgErr != nil {
		return
	}
	if d.imm == nil && d.manualCompaction == nil && !d.versions.needsCompaction() {
		return
	}
	d.bgCompactionScheduled = true
	go d.backgroundCall()
}

func (d *DB) backgroundCall() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.shuttingDown.Load() && d.bgErr == nil {
		d.backgroundCompaction()
	}
	d.bgCompactionScheduled = false

	// The previous round may have produced enough work for another.
	d.maybeScheduleCompaction()
	d.bgWorkFinished.Broadcast()
}

// backgroundCompaction runs one unit of background work with the mutex
// held, dropping it around file I/O.
func (d *DB) backgroundCompaction() {
	if d.imm != nil {
		if err := d.compactMemTable(); err != nil && !d.shuttingDown.Load() {
			d.recordBackgroundError(err)
		}
		return
	}

	var c *compaction
	isManual := d.manualCompaction != nil
	var manualEnd []byte
	if isManual {
		m := d.manualCompaction
		c = d.versions.compactRange(m.level, m.begin, m.end)
		m.done = c == nil
		if c != nil {
			manualEnd = c.inputs[0][len(c.inputs[0])-1].largest
		}
	} else {
		c = d.versions.pickCompaction()
	}

	var err error
	switch {
	case c == nil:
		// Nothing to do.

	case !isManual && c.isTrivialMove():
		// Move the file down a level without rewriting it.
		f := c.inputs[0][0]
		c.edit.removeFile(c.level, f.number)
		c.edit.addFile(c.level+1, *f)
		err = d.versions.logAndApply(&c.edit, &d.mu)
		if err != nil {
			d.recordBackgroundError(err)
		}
		d.logger.Info("trivial move",
			"file", f.number,
			"from_level", c.level,
			"to_level", c.level+1,
			"bytes", f.size,
			"summary", d.versions.levelSummary())
		c.releaseInputs()

	default:
		cs := &compactionState{c: c}
		err = d.doCompactionWork(cs)
		if err != nil && !d.shuttingDown.Load() {
			d.recordBackgroundError(err)
		}
		d.cleanupCompaction(cs)
		c.releaseInputs()
		d.removeObsoleteFiles()
	}

	if isManual {
		m := d.manualCompaction
		if err != nil {
			m.done = true
		}
		if !m.done {
			// Only part of the range was compacted; resume after it.
			m.begin = append([]byte(nil), manualEnd...)
		}
		d.manualCompaction = nil
	}
}

// compactMemTable flushes the immutable memtable as a level-0 (or deeper)
// table and retires the logs that fed it.
func (d *DB) compactMemTable() error {
	if d.imm == nil {
		panic("store: compactMemTable without immutable memtable")
	}

	var edit versionEdit
	base := d.versions.current
	base.ref()
	err := d.writeLevel0Table(d.imm, &edit, base)
	base.unref()

	if err == nil && d.shuttingDown.Load() {
		err = errCompactionAborted
	}
	if err == nil {
		edit.setPrevLogNumber(0)
		edit.setLogNumber(d.logFileNumber)
		err = d.versions.logAndApply(&edit, &d.mu)
	}
	if err != nil {
		return err
	}

	d.imm.Unref()
	d.imm = nil
	d.hasImm.Store(false)
	d.met.RecordMemtableFlush()
	d.removeObsoleteFiles()
	return nil
}

// writeLevel0Table builds a table from mem's contents. With a base version
// it may place the result below level 0 when nothing overlaps. Callers hold
// the mutex; the build itself runs unlocked.
func (d *DB) writeLevel0Table(mem *memtable.MemTable, edit *versionEdit, base *version) error {
	start := time.Now()
	var meta fileMetadata
	meta.number = d.versions.newFileNumber()
	d.pendingOutputs[meta.number] = struct{}{}

	it := mem.NewIterator()
	d.logger.Info("level-0 table started", "file", meta.number)

	d.mu.Unlock()
	err := d.buildTable(&meta, it)
	it.Close()
	d.mu.Lock()

	d.logger.Info("level-0 table finished",
		"file", meta.number, "bytes", meta.size, "err", err)
	delete(d.pendingOutputs, meta.number)

	level := 0
	if err == nil && meta.size > 0 {
		minUkey := keys.UserKey(meta.smallest)
		maxUkey := keys.UserKey(meta.largest)
		if base != nil {
			level = base.pickLevelForMemTableOutput(minUkey, maxUkey)
		}
		edit.addFile(level, meta)
	}

	d.stats[level].duration += time.Since(start)
	d.stats[level].bytesWritten += int64(meta.size)
	return err
}

// buildTable writes the iterator's entries to a fresh table file, fsyncs
// it, and fills meta. An empty iterator produces no file.
func (d *DB) buildTable(meta *fileMetadata, it iterator.Iterator) error {
	name := tableFileName(d.dbname, meta.number)
	it.First()
	if !it.Valid() {
		meta.size = 0
		return it.Err()
	}

	f, err := d.e.NewWritableFile(name)
	if err != nil {
		return err
	}
	w := sstable.NewWriter(f, d.tableOptions())

	meta.smallest = append([]byte(nil), it.Key()...)
	for ; it.Valid(); it.Next() {
		meta.largest = append(meta.largest[:0], it.Key()...)
		if err = w.Add(it.Key(), it.Value()); err != nil {
			break
		}
	}
	if err == nil {
		err = it.Err()
	}
	if err == nil {
		err = w.Finish()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		d.e.Remove(name)
		return err
	}
	meta.size = w.FileSize()
	return nil
}

// compactionState tracks the outputs of one running compaction.
type compactionState struct {
	c                *compaction
	smallestSnapshot uint64

	outputs []fileMetadata

	f env.WritableFile
	w *sstable.Writer

	totalBytes int64
}

func (cs *compactionState) currentOutput() *fileMetadata {
	return &cs.outputs[len(cs.outputs)-1]
}

func (d *DB) openCompactionOutputFile(cs *compactionState) error {
	number := d.versions.newFileNumber()
	d.pendingOutputs[number] = struct{}{}
	cs.outputs = append(cs.outputs, fileMetadata{number: number})

	d.mu.Unlock()
	f, err := d.e.NewWritableFile(tableFileName(d.dbname, number))
	d.mu.Lock()
	if err != nil {
		return err
	}
	cs.f = f
	cs.w = sstable.NewWriter(f, d.tableOptions())
	return nil
}

// finishCompactionOutputFile closes the current output table. Runs without
// the mutex.
func (d *DB) finishCompactionOutputFile(cs *compactionState, input iterator.Iterator) error {
	out := cs.currentOutput()
	err := input.Err()
	if err == nil {
		err = cs.w.Finish()
	}
	if err == nil {
		err = cs.f.Sync()
	}
	if cerr := cs.f.Close(); err == nil {
		err = cerr
	}
	out.size = cs.w.FileSize()
	cs.totalBytes += int64(out.size)
	cs.f = nil
	cs.w = nil
	return err
}

// installCompactionResults swaps the inputs for the outputs in one edit.
func (d *DB) installCompactionResults(cs *compactionState) error {
	c := cs.c
	d.logger.Info("compacted",
		"level", c.level,
		"inputs", len(c.inputs[0]),
		"next_level_inputs", len(c.inputs[1]),
		"outputs", len(cs.outputs),
		"bytes", cs.totalBytes)

	c.addInputDeletions(&c.edit)
	for _, out := range cs.outputs {
		c.edit.addFile(c.level+1, out)
	}
	return d.versions.logAndApply(&c.edit, &d.mu)
}

// doCompactionWork merge-iterates the inputs and emits merged outputs,
// dropping shadowed entries and dead tombstones. The mutex is held at entry
// and exit, released around the merge.
func (d *DB) doCompactionWork(cs *compactionState) error {
	start := time.Now()

	d.logger.Info("compacting",
		"level", cs.c.level,
		"files", len(cs.c.inputs[0]),
		"next_level_files", len(cs.c.inputs[1]))

	if d.snapshots.empty() {
		cs.smallestSnapshot = d.versions.lastSequence
	} else {
		cs.smallestSnapshot = d.snapshots.oldest().seq
	}

	input := d.versions.makeInputIterator(cs.c)
	d.mu.Unlock()

	var (
		err              error
		currentUserKey   []byte
		hasCurrentKey    bool
		lastSequence     = keys.MaxSequence + 1
		ucmp             = d.icmp.User
		imcPauseDuration time.Duration
	)

	for input.First(); input.Valid() && !d.shuttingDown.Load(); {
		// Flushing the immutable memtable takes priority over compaction:
		// writers stall on it.
		if d.hasImm.Load() {
			pause := time.Now()
			d.mu.Lock()
			if d.imm != nil {
				if ierr := d.compactMemTable(); ierr != nil {
					d.recordBackgroundError(ierr)
				}
				d.bgWorkFinished.Broadcast()
			}
			d.mu.Unlock()
			imcPauseDuration += time.Since(pause)
		}

		key := input.Key()
		if cs.w != nil && cs.c.shouldStopBefore(key) {
			if err = d.finishCompactionOutputFile(cs, input); err != nil {
				break
			}
		}

		drop := false
		ukey, seq, kind, perr := keys.ParseInternalKey(key)
		if perr != nil {
			// Keep unparseable keys so corruption stays visible.
			hasCurrentKey = false
			lastSequence = keys.MaxSequence + 1
		} else {
			if !hasCurrentKey || ucmp.Compare(ukey, currentUserKey) != 0 {
				currentUserKey = append(currentUserKey[:0], ukey...)
				hasCurrentKey = true
				lastSequence = keys.MaxSequence + 1
			}
			switch {
			case lastSequence <= cs.smallestSnapshot:
				// Shadowed by a newer entry that every live snapshot sees.
				drop = true
			case kind == keys.KindDeletion && seq <= cs.smallestSnapshot &&
				cs.c.isBaseLevelForKey(ukey):
				// No deeper level can hold this key, so the tombstone has
				// nothing left to shadow.
				drop = true
			}
			lastSequence = seq
		}

		if !drop {
			if cs.w == nil {
				d.mu.Lock()
				err = d.openCompactionOutputFile(cs)
				d.mu.Unlock()
				if err != nil {
					break
				}
			}
			out := cs.currentOutput()
			if cs.w.EntryCount() == 0 {
				out.smallest = append([]byte(nil), key...)
			}
			out.largest = append(out.largest[:0], key...)
			if err = cs.w.Add(key, input.Value()); err != nil {
				break
			}
			if cs.w.FileSize() >= cs.c.maxOutputFileSize {
				if err = d.finishCompactionOutputFile(cs, input); err != nil {
					break
				}
			}
		}

		input.Next()
	}

	if err == nil && d.shuttingDown.Load() {
		err = errCompactionAborted
	}
	if err == nil && cs.w != nil {
		err = d.finishCompactionOutputFile(cs, input)
	}
	if err == nil {
		err = input.Err()
	}
	input.Close()

	var bytesRead int64
	for which := 0; which < 2; which++ {
		bytesRead += totalFileSize(cs.c.inputs[which])
	}

	d.mu.Lock()
	st := &d.stats[cs.c.level+1]
	st.duration += time.Since(start) - imcPauseDuration
	st.bytesRead += bytesRead
	st.bytesWritten += cs.totalBytes
	d.met.RecordCompaction(cs.c.level, bytesRead, cs.totalBytes)

	if err == nil {
		err = d.installCompactionResults(cs)
	}
	if err == nil {
		d.logger.Info("compaction installed", "summary", d.versions.levelSummary())
	}
	return err
}

// cleanupCompaction releases output state after success or failure; failed
// outputs lose their pending reservation and are left for
// removeObsoleteFiles to delete. That sweep is skipped while a background
// error is recorded, so the outputs of a compaction that failed with a
// recorded error stay on disk until the database is next opened. Callers
// hold the mutex.
func (d *DB) cleanupCompaction(cs *compactionState) {
	if cs.f != nil {
		// An in-flight output: drop it.
		cs.f.Close()
		cs.w = nil
		cs.f = nil
	}
	for _, out := range cs.outputs {
		delete(d.pendingOutputs, out.number)
	}
}

// removeObsoleteFiles deletes every file that no live version references
// and no running compaction is producing. Callers hold the mutex.
func (d *DB) removeObsoleteFiles() {
	if d.bgErr != nil {
		// A background error leaves the true state uncertain; do not
		// guess at what is garbage.
		return
	}

	live := make(map[uint64]struct{}, len(d.pendingOutputs))
	for n := range d.pendingOutputs {
		live[n] = struct{}{}
	}
	d.versions.addLiveFiles(live)

	names, err := d.e.List(d.dbname)
	if err != nil {
		d.logger.Warn("cannot list database directory", "reason", err)
		return
	}

	var deleteNames []string
	var evictNumbers []uint64
	for _, name := range names {
		number, ft, ok := parseFileName(name)
		if !ok {
			continue
		}
		keep := true
		switch ft {
		case logFile:
			keep = number >= d.versions.logNumber || number == d.versions.prevLogNumber
		case descriptorFile:
			// Keep the current manifest and anything newer.
			keep = number >= d.versions.manifestFileNumber
		case tableFile, tempFile:
			_, keep = live[number]
		case currentFile, lockFile, infoLogFile:
			keep = true
		}
		if keep {
			continue
		}
		if ft == tableFile {
			evictNumbers = append(evictNumbers, number)
		}
		deleteNames = append(deleteNames, name)
		d.logger.Debug("deleting obsolete file", "file", name)
	}

	// Unlock while touching the filesystem; everything being deleted is
	// invisible to other threads.
	d.mu.Unlock()
	for _, n := range evictNumbers {
		d.tcache.evict(n)
	}
	for _, name := range deleteNames {
		d.e.Remove(d.dbname + "/" + name)
	}
	d.mu.Lock()
}

// CompactRange compacts the entire key range [begin, end] (nil means open)
// down to the bottom-most level that holds data, rewriting every table it
// touches. It blocks until the work completes.
func (d *DB) CompactRange(begin, end []byte) error {
	maxLevelWithFiles := 1
	d.mu.Lock()
	base := d.versions.current
	for level := 1; level < numLevels; level++ {
		if base.overlapInLevel(level, begin, end) {
			maxLevelWithFiles = level
		}
	}
	d.mu.Unlock()

	if err := d.flushMemTable(); err != nil {
		return err
	}
	for level := 0; level < maxLevelWithFiles; level++ {
		if err := d.compactRangeLevel(level, begin, end); err != nil {
			return err
		}
	}
	return nil
}

// flushMemTable forces the mutable memtable out to a table and waits for
// the flush to finish.
func (d *DB) flushMemTable() error {
	// A nil batch rotates the memtable without committing anything.
	if err := d.Write(WriteOptions{}, nil); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.imm != nil && d.bgErr == nil {
		d.bgWorkFinished.Wait()
	}
	return d.bgErr
}

// compactRangeLevel runs manual compactions at one level until the whole
// range is covered.
func (d *DB) compactRangeLevel(level int, begin, end []byte) error {
	m := &manualCompaction{level: level}
	if begin != nil {
		m.begin = keys.MakeLookupKey(begin, keys.MaxSequence)
	}
	if end != nil {
		m.end = keys.AppendInternalKey(nil, end, 0, keys.KindDeletion)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for !m.done && !d.shuttingDown.Load() && d.bgErr == nil {
		if d.manualCompaction == nil {
			d.manualCompaction = m
			d.maybeScheduleCompaction()
		}
		d.bgWorkFinished.Wait()
	}
	if d.shuttingDown.Load() {
		return fmt.Errorf("%w: shutting down", dberrors.ErrClosed)
	}
	return d.bgErr
}
