package store

import (
	"log/slog"

	"shaledb/pkg/config"
	"shaledb/pkg/env"
	"shaledb/pkg/keys"
	"shaledb/pkg/metrics"
	"shaledb/pkg/sstable"
)

const (
	numLevels = 7

	// Level-0 file-count triggers: compaction, soft slowdown, hard stop.
	l0CompactionTrigger = 4
	l0SlowdownTrigger   = 8
	l0StopTrigger       = 12

	// maxMemCompactLevel bounds how deep a fresh memtable flush may be
	// pushed when it overlaps nothing.
	maxMemCompactLevel = 2

	// readBytesPeriod paces iterator read sampling.
	readBytesPeriod = 1 << 20
)

// Options control how a database is opened and operated.
type Options struct {
	// Comparator orders user keys. Defaults to the bytewise comparator; it
	// must match the comparator the database was created with.
	Comparator keys.Comparator
	// Env supplies filesystem access. Defaults to env.Default().
	Env env.Env
	// Logger receives the info log. Defaults to a slog logger writing the
	// LOG file inside the database directory.
	Logger *slog.Logger
	// Metrics, when set, records engine counters.
	Metrics *metrics.Metrics

	CreateIfMissing bool
	ErrorIfExists   bool
	// ParanoidChecks turns recoverable log-tail corruption into open errors.
	ParanoidChecks bool

	// WriteBufferSize bounds the mutable memtable before rotation.
	WriteBufferSize int
	// MaxOpenFiles bounds cached table readers.
	MaxOpenFiles int
	// MaxFileSize bounds compaction output tables.
	MaxFileSize int

	BlockSize        int
	BlockCacheBytes  int64
	BlockCache       *sstable.Cache
	FilterBitsPerKey int
	Compression      sstable.Compression
	VerifyChecksums  bool
}

func (o Options) withDefaults() Options {
	if o.Comparator == nil {
		o.Comparator = keys.BytewiseComparator()
	}
	if o.Env == nil {
		o.Env = env.Default()
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 4 << 20
	}
	if o.MaxOpenFiles <= 0 {
		o.MaxOpenFiles = 1000
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 2 << 20
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BlockCache == nil {
		capacity := o.BlockCacheBytes
		if capacity <= 0 {
			capacity = 8 << 20
		}
		o.BlockCache = sstable.NewCache(capacity)
	}
	return o
}

// FromConfig maps the yaml config subset onto Options.
func FromConfig(cfg config.DBConfig) Options {
	o := Options{
		CreateIfMissing:  cfg.CreateIfMissing,
		ErrorIfExists:    cfg.ErrorIfExists,
		ParanoidChecks:   cfg.ParanoidChecks,
		WriteBufferSize:  cfg.WriteBufferBytes,
		MaxOpenFiles:     cfg.MaxOpenFiles,
		BlockSize:        cfg.BlockSizeBytes,
		BlockCacheBytes:  cfg.BlockCacheBytes,
		FilterBitsPerKey: cfg.BloomBitsPerKey,
	}
	switch cfg.Compression {
	case "none":
		o.Compression = sstable.NoCompression
	case "zstd":
		o.Compression = sstable.ZstdCompression
	default:
		o.Compression = sstable.SnappyCompression
	}
	return o
}

// maxGrandparentOverlapBytes bounds how much level+2 data one output file
// may overlap before the compactor splits it.
func maxGrandparentOverlapBytes(o *Options) int64 {
	return 10 * int64(o.MaxFileSize)
}

// expandedCompactionByteSizeLimit caps opportunistic input expansion.
func expandedCompactionByteSizeLimit(o *Options) int64 {
	return 25 * int64(o.MaxFileSize)
}

// maxBytesForLevel returns the size budget of a level: 10 MiB at level 1,
// a tenfold increase per level below.
func maxBytesForLevel(level int) float64 {
	result := 10.0 * 1048576.0
	for level > 1 {
		result *= 10
		level--
	}
	return result
}

// WriteOptions control durability of one write.
type WriteOptions struct {
	// Sync forces an fsync of the WAL before the write is acknowledged.
	Sync bool
}

// ReadOptions control one read or iterator.
type ReadOptions struct {
	// VerifyChecksums turns on block checksum checks for a table that this
	// read opens. The table cache keeps the reader with that setting, so it
	// also applies to later reads of that table; a table that is already
	// open keeps the setting it was opened with.
	VerifyChecksums bool
	// Snapshot pins the read to an earlier sequence; nil reads the latest.
	Snapshot *Snapshot
}
