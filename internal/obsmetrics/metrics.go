// Package obsmetrics holds the engine's internal Prometheus counters.
// No HTTP endpoint is wired here — exposing /metrics is infrastructure
// glue outside this module's scope — but the Registry and its gauges
// are carried as ambient instrumentation the way the teacher carries
// them alongside its own storage engine.
package obsmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every counter/gauge/histogram the storage engine
// updates internally.
type Registry struct {
	WriteCount      prometheus.Counter
	ReadCount       prometheus.Counter
	BytesWritten    prometheus.Counter
	BytesRead       prometheus.Counter
	FlushCount      prometheus.Counter
	FlushDuration   prometheus.Histogram
	CompactionCount *prometheus.CounterVec
	CompactionBytes *prometheus.CounterVec
	WALSyncDuration prometheus.Histogram
	WALRotations    prometheus.Counter
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec
	MemTableBytes   prometheus.Gauge
	SSTableCount    prometheus.Gauge
	Level0Files     prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// Default returns a process-wide registry, lazily constructed.
func Default() *Registry {
	once.Do(func() { defaultRegistry = New() })
	return defaultRegistry
}

// New builds a fresh, isolated registry (used by tests so metrics
// don't leak between engine instances).
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.WriteCount = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "concordkv_write_total", Help: "Total Put/Delete operations accepted.",
	})
	r.ReadCount = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "concordkv_read_total", Help: "Total Get operations served.",
	})
	r.BytesWritten = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "concordkv_bytes_written_total", Help: "Bytes written to the active memtable.",
	})
	r.BytesRead = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "concordkv_bytes_read_total", Help: "Bytes returned by Get/Scan.",
	})
	r.FlushCount = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "concordkv_flush_total", Help: "Immutable memtables flushed to L0 SSTables.",
	})
	r.FlushDuration = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Name: "concordkv_flush_duration_seconds", Help: "Flush task wall time.",
		Buckets: prometheus.DefBuckets,
	})
	r.CompactionCount = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "concordkv_compaction_total", Help: "Compaction tasks completed, by outcome.",
	}, []string{"outcome"})
	r.CompactionBytes = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "concordkv_compaction_bytes_total", Help: "Bytes read/written during compaction.",
	}, []string{"direction"})
	r.WALSyncDuration = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Name: "concordkv_wal_sync_duration_seconds", Help: "fsync latency for WAL writes.",
		Buckets: prometheus.DefBuckets,
	})
	r.WALRotations = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "concordkv_wal_rotations_total", Help: "WAL segment rotations.",
	})
	r.CacheHits = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "concordkv_cache_hits_total", Help: "Cache hits by policy.",
	}, []string{"policy"})
	r.CacheMisses = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "concordkv_cache_misses_total", Help: "Cache misses by policy.",
	}, []string{"policy"})
	r.CacheEvictions = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "concordkv_cache_evictions_total", Help: "Cache evictions by policy.",
	}, []string{"policy"})
	r.MemTableBytes = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "concordkv_memtable_bytes", Help: "Active memtable memory footprint.",
	})
	r.SSTableCount = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "concordkv_sstable_count", Help: "Total SSTables across all levels.",
	})
	r.Level0Files = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "concordkv_level0_files", Help: "SSTable count in level 0.",
	})

	return r
}

// PrometheusRegistry exposes the underlying registry for an embedder
// that does wire up an HTTP handler.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry
}
