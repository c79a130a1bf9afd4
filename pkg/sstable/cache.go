package sstable

import (
	"container/list"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const cacheShards = 16

// Cache is a sharded LRU over decoded blocks, charged by block byte size.
// One Cache is shared by every table reader of a database; readers get a
// unique id so block offsets never collide across files.
type Cache struct {
	shards [cacheShards]cacheShard
	nextID atomic.Uint64
}

type cacheKey struct {
	id  uint64
	off uint64
}

type cacheEntry struct {
	key cacheKey
	blk *block
}

type cacheShard struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	lru      list.List
	table    map[cacheKey]*list.Element
}

// NewCache builds a cache bounded to roughly capacity bytes.
func NewCache(capacity int64) *Cache {
	c := &Cache{}
	per := capacity / cacheShards
	if per < 1 {
		per = 1
	}
	for i := range c.shards {
		c.shards[i].capacity = per
		c.shards[i].table = make(map[cacheKey]*list.Element)
	}
	return c
}

// NewID reserves a namespace for one table reader.
func (c *Cache) NewID() uint64 { return c.nextID.Add(1) }

func (c *Cache) shard(k cacheKey) *cacheShard {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], k.id)
	binary.LittleEndian.PutUint64(buf[8:], k.off)
	return &c.shards[xxhash.Sum64(buf[:])%cacheShards]
}

func (c *Cache) get(id, off uint64) *block {
	k := cacheKey{id: id, off: off}
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.table[k]; ok {
		s.lru.MoveToFront(el)
		return el.Value.(*cacheEntry).blk
	}
	return nil
}

func (c *Cache) insert(id, off uint64, blk *block) {
	k := cacheKey{id: id, off: off}
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.table[k]; ok {
		return
	}
	s.table[k] = s.lru.PushFront(&cacheEntry{key: k, blk: blk})
	s.used += blk.size
	for s.used > s.capacity && s.lru.Len() > 1 {
		oldest := s.lru.Back()
		ent := oldest.Value.(*cacheEntry)
		s.lru.Remove(oldest)
		delete(s.table, ent.key)
		s.used -= ent.blk.size
	}
}

// EvictFile drops every cached block of one reader's namespace.
func (c *Cache) EvictFile(id uint64) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, el := range s.table {
			if k.id != id {
				continue
			}
			s.used -= el.Value.(*cacheEntry).blk.size
			s.lru.Remove(el)
			delete(s.table, k)
		}
		s.mu.Unlock()
	}
}
