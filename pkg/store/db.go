// Package store implements the log-structured merge engine: the write path
// (group commit, WAL, memtable rotation), the on-disk level structure with
// its version/manifest machinery, and the background compactor.
package store

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"shaledb/pkg/batch"
	"shaledb/pkg/dberrors"
	"shaledb/pkg/env"
	"shaledb/pkg/iterator"
	"shaledb/pkg/keys"
	"shaledb/pkg/memtable"
	"shaledb/pkg/metrics"
	"shaledb/pkg/record"
	"shaledb/pkg/sstable"
)

type levelStats struct {
	duration     time.Duration
	bytesRead    int64
	bytesWritten int64
}

// DB is an embedded ordered key-value store owning one directory. A single
// coarse mutex guards all shared state; WAL, table and manifest I/O happen
// with the mutex released at well-defined points.
type DB struct {
	opts   Options
	e      env.Env
	icmp   keys.InternalComparator
	dbname string
	logger *slog.Logger
	met    *metrics.Metrics

	tcache   *tableCache
	fileLock io.Closer
	logClose io.Closer

	mu             sync.Mutex
	closed         bool
	shuttingDown   atomic.Bool
	bgWorkFinished *sync.Cond

	mem    *memtable.MemTable
	imm    *memtable.MemTable
	hasImm atomic.Bool

	walFile       env.WritableFile
	wal           *record.Writer
	logFileNumber uint64

	writers  []*dbWriter
	tmpBatch *batch.Batch

	snapshots      snapshotList
	pendingOutputs map[uint64]struct{}

	bgCompactionScheduled bool
	manualCompaction      *manualCompaction
	bgErr                 error

	versions *versionSet
	stats    [numLevels]levelStats
}

// Open opens (or creates) the database at dbname and recovers it to a
// consistent state.
func Open(dbname string, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	e := opts.Env

	if err := e.MkdirAll(dbname); err != nil {
		return nil, err
	}

	d := &DB{
		opts:           opts,
		e:              e,
		icmp:           keys.InternalComparator{User: opts.Comparator},
		dbname:         dbname,
		met:            opts.Metrics,
		tmpBatch:       batch.New(),
		pendingOutputs: make(map[uint64]struct{}),
	}
	d.bgWorkFinished = sync.NewCond(&d.mu)
	d.snapshots.init()

	if err := d.openInfoLog(); err != nil {
		return nil, err
	}

	lock, err := e.Lock(lockFileName(dbname))
	if err != nil {
		d.closeInfoLog()
		return nil, fmt.Errorf("failed to lock database %s: %w", dbname, err)
	}
	d.fileLock = lock

	d.tcache = newTableCache(dbname, d.icmp, &d.opts)
	d.versions = newVersionSet(dbname, &d.opts, d.icmp, d.tcache, d.logger, &d.mu)

	if err := d.recover(); err != nil {
		d.releaseResources()
		return nil, err
	}

	d.mu.Lock()
	d.removeObsoleteFiles()
	d.maybeScheduleCompaction()
	d.mu.Unlock()

	d.logger.Info("database opened",
		"path", dbname,
		"last_sequence", d.versions.lastSequence,
		"levels", d.versions.levelSummary())
	return d, nil
}

// openInfoLog rotates LOG to LOG.old and points a slog logger at the fresh
// file, unless the caller supplied a logger.
func (d *DB) openInfoLog() error {
	if d.opts.Logger != nil {
		d.logger = d.opts.Logger
		return nil
	}
	e := d.e
	if e.FileExists(infoLogFileName(d.dbname)) {
		e.Remove(oldInfoLogFileName(d.dbname))
		e.Rename(infoLogFileName(d.dbname), oldInfoLogFileName(d.dbname))
	}
	f, err := e.NewWritableFile(infoLogFileName(d.dbname))
	if err != nil {
		return err
	}
	d.logClose = f
	d.logger = slog.New(slog.NewTextHandler(f, nil))
	return nil
}

func (d *DB) closeInfoLog() {
	if d.logClose != nil {
		d.logClose.Close()
		d.logClose = nil
	}
}

// initDescriptor writes the descriptor of a brand new database: an empty
// snapshot manifest and a CURRENT file pointing at it.
func (d *DB) initDescriptor() error {
	var edit versionEdit
	edit.setComparatorName(d.icmp.User.Name())
	edit.setLogNumber(0)
	edit.setNextFileNumber(2)
	edit.setLastSequence(0)

	manifest := descriptorFileName(d.dbname, 1)
	f, err := d.e.NewWritableFile(manifest)
	if err != nil {
		return err
	}
	w := record.NewWriter(f)
	err = w.AddRecord(edit.encode(nil))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = setCurrentFile(d.e, d.dbname, 1)
	}
	if err != nil {
		d.e.Remove(manifest)
	}
	return err
}

// recover brings the database to the state implied by the manifest plus any
// write-ahead logs newer than it.
func (d *DB) recover() error {
	e := d.e

	if !e.FileExists(currentFileName(d.dbname)) {
		if !d.opts.CreateIfMissing {
			return fmt.Errorf("%w: %s does not exist (create_if_missing is false)",
				dberrors.ErrInvalidArgument, d.dbname)
		}
		d.logger.Info("creating new database", "path", d.dbname)
		if err := d.initDescriptor(); err != nil {
			return err
		}
	} else if d.opts.ErrorIfExists {
		return fmt.Errorf("%w: %s exists (error_if_exists is true)",
			dberrors.ErrInvalidArgument, d.dbname)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.versions.recover(); err != nil {
		return err
	}

	// Replay every log file at or after the one the manifest names (plus
	// the previous log, which may hold an unflushed memtable).
	names, err := e.List(d.dbname)
	if err != nil {
		return err
	}
	minLog := d.versions.logNumber
	prevLog := d.versions.prevLogNumber
	var logs []uint64
	for _, name := range names {
		if num, ft, ok := parseFileName(name); ok && ft == logFile &&
			(num >= minLog || num == prevLog) {
			logs = append(logs, num)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i] < logs[j] })

	var edit versionEdit
	var maxSeq uint64
	for _, num := range logs {
		// Recovery may allocate file numbers the log's writer had already
		// used; keep the counter ahead of every replayed log.
		d.versions.markFileNumberUsed(num)
		seq, err := d.replayLogFile(num, &edit)
		if err != nil {
			return err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	if d.versions.lastSequence < maxSeq {
		d.versions.lastSequence = maxSeq
	}

	// Open a fresh write-ahead log and persist a manifest naming it; older
	// logs become garbage once the edit lands.
	logNumber := d.versions.newFileNumber()
	lf, err := e.NewWritableFile(logFileName(d.dbname, logNumber))
	if err != nil {
		return err
	}
	d.walFile = lf
	d.wal = record.NewWriter(lf)
	d.logFileNumber = logNumber
	d.mem = memtable.New(d.icmp)

	edit.setLogNumber(logNumber)
	edit.setPrevLogNumber(0)
	return d.versions.logAndApply(&edit, &d.mu)
}

// replayLogFile rebuilds memtable state from one log, flushing level-0
// tables whenever the write buffer fills. Returns the highest sequence seen.
func (d *DB) replayLogFile(num uint64, edit *versionEdit) (uint64, error) {
	name := logFileName(d.dbname, num)
	f, err := d.e.NewSequentialFile(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var corrupt error
	reporter := func(bytes int, reason error) {
		d.logger.Warn("log corruption", "file", name, "bytes", bytes, "reason", reason)
		if d.opts.ParanoidChecks && corrupt == nil {
			corrupt = reason
		}
	}

	d.logger.Info("recovering log", "file", name)
	r := record.NewReader(f, reporter)
	var (
		mem    *memtable.MemTable
		maxSeq uint64
		b      batch.Batch
	)
	flush := func() error {
		if mem == nil {
			return nil
		}
		err := d.writeLevel0Table(mem, edit, nil)
		mem.Unref()
		mem = nil
		return err
	}

	for corrupt == nil {
		rec, rerr := r.ReadRecord()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, rerr
		}
		if len(rec) < batch.HeaderLen {
			reporter(len(rec), dberrors.Corruptionf("log record too small"))
			continue
		}
		if err := b.SetContents(rec); err != nil {
			return 0, err
		}

		if mem == nil {
			mem = memtable.New(d.icmp)
		}
		ins := &memtableInserter{mem: mem, seq: b.Sequence()}
		if err := b.Iterate(ins); err != nil {
			if d.opts.ParanoidChecks {
				return 0, err
			}
			d.logger.Warn("ignoring bad batch during recovery", "file", name, "reason", err)
			continue
		}
		if last := b.Sequence() + uint64(b.Count()) - 1; last > maxSeq {
			maxSeq = last
		}

		if mem.ApproximateMemoryUsage() > int64(d.opts.WriteBufferSize) {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if corrupt != nil {
		return 0, corrupt
	}
	return maxSeq, flush()
}

// Get reads the newest value of key visible at the read's sequence.
func (d *DB) Get(ro ReadOptions, key []byte) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, dberrors.ErrClosed
	}
	seq := d.versions.lastSequence
	if ro.Snapshot != nil {
		seq = ro.Snapshot.seq
	}
	mem, imm, cur := d.mem, d.imm, d.versions.current
	mem.Ref()
	if imm != nil {
		imm.Ref()
	}
	cur.ref()
	d.mu.Unlock()

	var (
		value       []byte
		ok, deleted bool
		stats       getStats
		err         error
	)
	value, ok, deleted = mem.Get(key, seq)
	if !ok && imm != nil {
		value, ok, deleted = imm.Get(key, seq)
	}
	if !ok {
		value, ok, deleted, stats, err = cur.get(ro, key, seq)
	}

	d.mu.Lock()
	if cur.updateStats(stats) {
		d.maybeScheduleCompaction()
	}
	mem.Unref()
	if imm != nil {
		imm.Unref()
	}
	cur.unref()
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok || deleted {
		return nil, dberrors.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// GetSnapshot pins the current sequence number. The caller must release it.
func (d *DB) GetSnapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshots.add(d.versions.lastSequence)
}

// ReleaseSnapshot unpins a snapshot, letting compactions drop the entries
// it was holding alive.
func (d *DB) ReleaseSnapshot(s *Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots.remove(s)
}

// newInternalIterator merges the mutable memtable, the immutable memtable
// and every level into one internal-key stream. The cleanup releases the
// references the iterator holds.
func (d *DB) newInternalIterator(ro ReadOptions) (it iterator.Iterator, seq uint64, cleanup func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq = d.versions.lastSequence

	mem, imm, cur := d.mem, d.imm, d.versions.current
	mem.Ref()
	iters := []iterator.Iterator{mem.NewIterator()}
	if imm != nil {
		imm.Ref()
		iters = append(iters, imm.NewIterator())
	}
	cur.ref()
	iters = append(iters, cur.iterators(ro)...)

	cleanup = func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		mem.Unref()
		if imm != nil {
			imm.Unref()
		}
		cur.unref()
	}
	return iterator.NewMerging(d.icmp.Compare, iters...), seq, cleanup
}

// NewIterator returns an iterator over the user-visible key space. It
// observes a frozen view: the read options' snapshot, or the sequence at
// creation time.
func (d *DB) NewIterator(ro ReadOptions) iterator.Iterator {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return iterator.NewError(dberrors.ErrClosed)
	}
	d.mu.Unlock()

	internal, seq, cleanup := d.newInternalIterator(ro)
	if ro.Snapshot != nil {
		seq = ro.Snapshot.seq
	}
	return newDBIter(d, internal, seq, cleanup)
}

// recordReadSample charges an iterator's sampled key against the files that
// serve it; called without the mutex.
func (d *DB) recordReadSample(ikey []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.versions.current.recordReadSample(ikey) {
		d.maybeScheduleCompaction()
	}
}

// recordBackgroundError makes a background failure sticky: every later
// write fails with it until the process restarts. Callers hold the mutex.
func (d *DB) recordBackgroundError(err error) {
	if d.bgErr == nil {
		d.logger.Error("background error", "reason", err)
		d.met.RecordBackgroundError()
		d.bgErr = err
		d.bgWorkFinished.Broadcast()
	}
}

// Close waits for background work to drain, releases the file lock and
// closes every held resource. The database is unusable afterwards.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return dberrors.ErrClosed
	}
	d.shuttingDown.Store(true)
	for d.bgCompactionScheduled {
		d.bgWorkFinished.Wait()
	}
	d.closed = true
	// Wake anything parked on background progress (e.g. a manual
	// compaction) so it can observe the shutdown.
	d.bgWorkFinished.Broadcast()
	d.mu.Unlock()

	d.logger.Info("database closed", "path", d.dbname,
		"last_sequence", d.versions.lastSequence)
	d.releaseResources()
	return nil
}

func (d *DB) releaseResources() {
	if d.walFile != nil {
		d.walFile.Close()
		d.walFile = nil
	}
	if d.versions.descriptorFile != nil {
		d.versions.descriptorFile.Close()
		d.versions.descriptorFile = nil
		d.versions.descriptorLog = nil
	}
	if d.tcache != nil {
		d.tcache.close()
	}
	if d.mem != nil {
		d.mem.Unref()
		d.mem = nil
	}
	if d.imm != nil {
		d.imm.Unref()
		d.imm = nil
	}
	if d.fileLock != nil {
		d.fileLock.Close()
		d.fileLock = nil
	}
	d.closeInfoLog()
}

// tableOptions builds the sstable options used for building tables.
func (d *DB) tableOptions() sstable.Options {
	return d.tcache.tableOptions(ReadOptions{})
}
