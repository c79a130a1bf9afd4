package store

import (
	"sync"
	"time"

	"shaledb/pkg/batch"
	"shaledb/pkg/dberrors"
	"shaledb/pkg/keys"
	"shaledb/pkg/memtable"
	"shaledb/pkg/record"
)

// dbWriter queues one caller's batch for group commit. Each writer waits on
// its own condition variable; the queue head is the leader and commits a
// prefix of the queue in one WAL record.
type dbWriter struct {
	b    *batch.Batch
	sync bool
	done bool
	err  error
	cv   *sync.Cond
}

// memtableInserter replays a batch into a memtable, advancing the sequence
// per record.
type memtableInserter struct {
	mem *memtable.MemTable
	seq uint64
}

func (i *memtableInserter) Put(key, value []byte) {
	i.mem.Add(i.seq, keys.KindValue, key, value)
	i.seq++
}

func (i *memtableInserter) Delete(key []byte) {
	i.mem.Add(i.seq, keys.KindDeletion, key, nil)
	i.seq++
}

// Put sets key to value.
func (d *DB) Put(wo WriteOptions, key, value []byte) error {
	b := batch.New()
	b.Put(key, value)
	return d.Write(wo, b)
}

// Delete writes a tombstone for key.
func (d *DB) Delete(wo WriteOptions, key []byte) error {
	b := batch.New()
	b.Delete(key)
	return d.Write(wo, b)
}

// Write commits b atomically. A nil batch forces a memtable rotation and
// commits nothing; it is used by manual compaction.
func (d *DB) Write(wo WriteOptions, b *batch.Batch) error {
	w := &dbWriter{b: b, sync: wo.Sync}
	w.cv = sync.NewCond(&d.mu)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return dberrors.ErrClosed
	}
	d.writers = append(d.writers, w)
	for !w.done && d.writers[0] != w {
		w.cv.Wait()
	}
	if w.done {
		// A previous leader committed this batch as a follower.
		return w.err
	}

	// Leader: make room, coalesce followers, commit.
	err := d.makeRoomForWrite(b == nil)
	lastSeq := d.versions.lastSequence
	lastWriter := w
	if err == nil && b != nil {
		var updates *batch.Batch
		updates, lastWriter = d.buildBatchGroup(w)
		updates.SetSequence(lastSeq + 1)
		lastSeq += uint64(updates.Count())

		// The leader owns the WAL and the memtable while the mutex is
		// dropped; no other writer can advance until it finishes.
		syncWAL := groupSync(d.writers, lastWriter)
		d.mu.Unlock()
		err = d.wal.AddRecord(updates.Contents())
		d.met.RecordWALWrite(updates.Size())
		var syncErr bool
		if err == nil && syncWAL {
			if err = d.walFile.Sync(); err != nil {
				syncErr = true
			}
		}
		if err == nil {
			ins := &memtableInserter{mem: d.mem, seq: updates.Sequence()}
			err = updates.Iterate(ins)
		}
		d.mu.Lock()
		if syncErr {
			// The WAL tail state is unknown; the database must not
			// acknowledge further writes against it.
			d.recordBackgroundError(err)
		}
		if updates == d.tmpBatch {
			d.tmpBatch.Clear()
		}
		d.versions.lastSequence = lastSeq
	}

	// Pop the committed prefix and wake everyone in it.
	for {
		ready := d.writers[0]
		d.writers = d.writers[1:]
		if ready != w {
			ready.err = err
			ready.done = true
			ready.cv.Signal()
		}
		if ready == lastWriter {
			break
		}
	}
	if len(d.writers) > 0 {
		d.writers[0].cv.Signal()
	}
	return err
}

// groupSync reports whether any writer in the committed prefix asked for a
// synchronous commit.
func groupSync(writers []*dbWriter, lastWriter *dbWriter) bool {
	for _, w := range writers {
		if w.sync {
			return true
		}
		if w == lastWriter {
			break
		}
	}
	return false
}

// buildBatchGroup coalesces the leader's batch with a bounded prefix of
// compatible followers. A sync=true follower is never merged into a
// sync=false leader's commit.
func (d *DB) buildBatchGroup(leader *dbWriter) (*batch.Batch, *dbWriter) {
	result := leader.b
	lastWriter := leader

	maxSize := 1 << 20
	if leader.b.Size() <= 128<<10 {
		// Small writes stay latency-sensitive; do not make them wait on a
		// large group.
		maxSize = leader.b.Size() + 128<<10
	}

	size := leader.b.Size()
	for _, w := range d.writers[1:] {
		if w.sync && !leader.sync {
			break
		}
		if w.b == nil {
			break
		}
		size += w.b.Size()
		if size > maxSize {
			break
		}
		if result == leader.b {
			// Switch to the scratch batch so the leader's own batch is
			// not mutated.
			result = d.tmpBatch
			result.Append(leader.b)
		}
		result.Append(w.b)
		lastWriter = w
	}
	return result, lastWriter
}

// makeRoomForWrite blocks until the mutable memtable can absorb a write,
// rotating memtables and applying level-0 backpressure as needed. Callers
// hold the mutex.
func (d *DB) makeRoomForWrite(force bool) error {
	allowDelay := !force
	for {
		switch {
		case d.bgErr != nil:
			return d.bgErr

		case allowDelay && d.versions.numLevelFiles(0) >= l0SlowdownTrigger:
			// Soft backpressure: hand the CPU to the compactor for a
			// millisecond, once, instead of stalling hard later.
			d.met.RecordWriteSlowdown()
			d.mu.Unlock()
			time.Sleep(time.Millisecond)
			allowDelay = false
			d.mu.Lock()

		case !force && d.mem.ApproximateMemoryUsage() <= int64(d.opts.WriteBufferSize):
			return nil

		case d.imm != nil:
			d.logger.Debug("waiting for immutable memtable flush")
			d.bgWorkFinished.Wait()

		case d.versions.numLevelFiles(0) >= l0StopTrigger:
			d.met.RecordWriteStall()
			d.logger.Warn("too many level-0 files; stalling writes")
			d.bgWorkFinished.Wait()

		default:
			// Rotate: fresh WAL and memtable, flush the old one behind us.
			newLogNumber := d.versions.newFileNumber()
			f, err := d.e.NewWritableFile(logFileName(d.dbname, newLogNumber))
			if err != nil {
				d.versions.reuseFileNumber(newLogNumber)
				return err
			}
			if err := d.e.SyncDir(d.dbname); err != nil {
				f.Close()
				d.e.Remove(logFileName(d.dbname, newLogNumber))
				d.versions.reuseFileNumber(newLogNumber)
				return err
			}
			d.walFile.Close()
			d.walFile = f
			d.wal = record.NewWriter(f)
			d.logFileNumber = newLogNumber

			d.imm = d.mem
			d.hasImm.Store(true)
			d.mem = memtable.New(d.icmp)
			force = false
			d.maybeScheduleCompaction()
		}
	}
}
