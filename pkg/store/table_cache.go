package store

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"shaledb/pkg/iterator"
	"shaledb/pkg/keys"
	"shaledb/pkg/sstable"
)

// tableCache keeps table readers open across lookups, keyed by file number.
// The concurrent map serves the hot hit path without locking; the mutex
// only guards opens and capacity eviction.
type tableCache struct {
	opts    *Options
	icmp    keys.InternalComparator
	dbname  string
	handles *skipmap.FuncMap[uint64, *tableHandle]

	mu    sync.Mutex
	fifo  []uint64
	count int
}

// tableHandle pins one open reader. The cache holds one reference; every
// iterator holds another, so eviction never closes a reader in use.
type tableHandle struct {
	number uint64
	reader *sstable.Reader
	refs   atomic.Int32
}

// acquire takes a reference unless the handle already hit zero (a racing
// eviction closed it); callers fall back to reopening.
func (h *tableHandle) acquire() bool {
	for {
		r := h.refs.Load()
		if r == 0 {
			return false
		}
		if h.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

func (h *tableHandle) release() {
	if h.refs.Add(-1) == 0 {
		h.reader.Close()
	}
}

func newTableCache(dbname string, icmp keys.InternalComparator, opts *Options) *tableCache {
	return &tableCache{
		opts:    opts,
		icmp:    icmp,
		dbname:  dbname,
		handles: skipmap.NewFunc[uint64, *tableHandle](func(a, b uint64) bool { return a < b }),
	}
}

func (c *tableCache) tableOptions(ro ReadOptions) sstable.Options {
	return sstable.Options{
		Comparator:       c.icmp,
		BlockSize:        c.opts.BlockSize,
		Compression:      c.opts.Compression,
		FilterBitsPerKey: c.opts.FilterBitsPerKey,
		Cache:            c.opts.BlockCache,
		VerifyChecksums:  c.opts.VerifyChecksums || ro.VerifyChecksums,
	}
}

// findTable returns an acquired handle; callers release it when done.
func (c *tableCache) findTable(ro ReadOptions, number, size uint64) (*tableHandle, error) {
	if h, ok := c.handles.Load(number); ok && h.acquire() {
		return h, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Under the mutex an evicted handle cannot linger in the map, so a hit
	// here always acquires.
	if h, ok := c.handles.Load(number); ok && h.acquire() {
		return h, nil
	}

	e := c.opts.Env
	name := tableFileName(c.dbname, number)
	f, err := e.NewRandomAccessFile(name)
	if err != nil {
		// Fall back to the legacy suffix.
		var lerr error
		f, lerr = e.NewRandomAccessFile(sstTableFileName(c.dbname, number))
		if lerr != nil {
			return nil, err
		}
	}
	r, err := sstable.Open(f, int64(size), c.tableOptions(ro))
	if err != nil {
		f.Close()
		return nil, err
	}

	h := &tableHandle{number: number, reader: r}
	h.refs.Store(2) // the cache's reference plus the caller's
	c.handles.Store(number, h)
	c.fifo = append(c.fifo, number)
	c.count++

	for c.count > c.opts.MaxOpenFiles && len(c.fifo) > 1 {
		oldest := c.fifo[0]
		c.fifo = c.fifo[1:]
		if oldest == number {
			c.fifo = append(c.fifo, oldest)
			continue
		}
		if old, ok := c.handles.Load(oldest); ok {
			c.handles.Delete(oldest)
			c.count--
			old.release()
		}
	}
	return h, nil
}

// get finds the first entry >= ikey in the table.
func (c *tableCache) get(ro ReadOptions, number, size uint64, ikey []byte) (rkey, rvalue []byte, ok bool, err error) {
	h, err := c.findTable(ro, number, size)
	if err != nil {
		return nil, nil, false, err
	}
	defer h.release()
	return h.reader.Get(ikey)
}

// newIterator opens an iterator over the table, holding the handle alive
// until Close.
func (c *tableCache) newIterator(ro ReadOptions, number, size uint64) iterator.Iterator {
	h, err := c.findTable(ro, number, size)
	if err != nil {
		return iterator.NewError(err)
	}
	return &handleIter{Iterator: h.reader.NewIterator(), h: h}
}

// evict drops the cached reader of a deleted file.
func (c *tableCache) evict(number uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles.Load(number); ok {
		c.handles.Delete(number)
		c.count--
		h.release()
	}
}

// close releases every cached reader.
func (c *tableCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles.Range(func(number uint64, h *tableHandle) bool {
		c.handles.Delete(number)
		h.release()
		return true
	})
	c.fifo = nil
	c.count = 0
}

type handleIter struct {
	iterator.Iterator
	h *tableHandle
}

func (i *handleIter) Close() error {
	err := i.Iterator.Close()
	i.h.release()
	return err
}
