// Package metrics exposes engine counters through prometheus. A nil
// *Metrics is valid and records nothing, so the engine never branches on
// whether observability is wired up.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	compactions      *prometheus.CounterVec
	compactionRead   *prometheus.CounterVec
	compactionWrite  *prometheus.CounterVec
	memtableFlushes  prometheus.Counter
	walBytes         prometheus.Counter
	writeStalls      prometheus.Counter
	writeSlowdowns   prometheus.Counter
	levelFiles       *prometheus.GaugeVec
	backgroundErrors prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaledb_compactions_total",
			Help: "Completed compactions by source level.",
		}, []string{"level"}),
		compactionRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaledb_compaction_read_bytes_total",
			Help: "Bytes read by compactions by source level.",
		}, []string{"level"}),
		compactionWrite: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaledb_compaction_written_bytes_total",
			Help: "Bytes written by compactions by source level.",
		}, []string{"level"}),
		memtableFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shaledb_memtable_flushes_total",
			Help: "Immutable memtables flushed to level-0 tables.",
		}),
		walBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shaledb_wal_written_bytes_total",
			Help: "Bytes appended to the write-ahead log.",
		}),
		writeStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shaledb_write_stalls_total",
			Help: "Writes stalled waiting for compaction.",
		}),
		writeSlowdowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shaledb_write_slowdowns_total",
			Help: "Writes delayed by the level-0 slowdown trigger.",
		}),
		levelFiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shaledb_level_files",
			Help: "Table files per level.",
		}, []string{"level"}),
		backgroundErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shaledb_background_errors_total",
			Help: "Background flush/compaction failures.",
		}),
	}
	reg.MustRegister(
		m.compactions, m.compactionRead, m.compactionWrite,
		m.memtableFlushes, m.walBytes,
		m.writeStalls, m.writeSlowdowns,
		m.levelFiles, m.backgroundErrors,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordCompaction(level int, bytesRead, bytesWritten int64) {
	if m == nil {
		return
	}
	l := strconv.Itoa(level)
	m.compactions.WithLabelValues(l).Inc()
	m.compactionRead.WithLabelValues(l).Add(float64(bytesRead))
	m.compactionWrite.WithLabelValues(l).Add(float64(bytesWritten))
}

func (m *Metrics) RecordMemtableFlush() {
	if m == nil {
		return
	}
	m.memtableFlushes.Inc()
}

func (m *Metrics) RecordWALWrite(n int) {
	if m == nil {
		return
	}
	m.walBytes.Add(float64(n))
}

func (m *Metrics) RecordWriteStall() {
	if m == nil {
		return
	}
	m.writeStalls.Inc()
}

func (m *Metrics) RecordWriteSlowdown() {
	if m == nil {
		return
	}
	m.writeSlowdowns.Inc()
}

func (m *Metrics) SetLevelFiles(level, files int) {
	if m == nil {
		return
	}
	m.levelFiles.WithLabelValues(strconv.Itoa(level)).Set(float64(files))
}

func (m *Metrics) RecordBackgroundError() {
	if m == nil {
		return
	}
	m.backgroundErrors.Inc()
}
