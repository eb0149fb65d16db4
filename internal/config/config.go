// Package config defines the recognized configuration keys for the
// storage engine (see spec §6). Loading config from a file, watching
// it, or exposing it over a CLI are infrastructure wrappers outside
// this module's scope; only the struct, its defaults, and its
// validation rules live here.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SyncMode controls WAL fsync behavior.
type SyncMode string

const (
	SyncModeSync  SyncMode = "sync"
	SyncModeAsync SyncMode = "async"
)

// CachePolicyName selects which eviction policy the cache front-end uses.
type CachePolicyName string

const (
	PolicyLRU    CachePolicyName = "lru"
	PolicyLFU    CachePolicyName = "lfu"
	PolicyFIFO   CachePolicyName = "fifo"
	PolicyRandom CachePolicyName = "random"
	PolicyClock  CachePolicyName = "clock"
	PolicyARC    CachePolicyName = "arc"
)

// WALConfig configures the write-ahead log (spec §4.C, §6).
type WALConfig struct {
	SegmentSizeMB          int      `yaml:"segment_size_mb" validate:"min=1"`
	SyncMode               SyncMode `yaml:"sync_mode" validate:"oneof=sync async"`
	IncrementalIntervalMS  int      `yaml:"incremental_interval_ms" validate:"min=1"`
	CompactRatio           float64  `yaml:"compact_ratio" validate:"gt=0,lt=1"`
}

// MemTableConfig configures the active/immutable memtable pipeline (spec §4.D/E).
type MemTableConfig struct {
	MaxBytes            int `yaml:"max_bytes" validate:"min=1"`
	ImmutableQueueDepth int `yaml:"immutable_queue_depth" validate:"min=1"`
}

// CompactionConfig configures the compaction scheduler (spec §4.H).
type CompactionConfig struct {
	WorkerCount     int `yaml:"worker_count" validate:"min=1"`
	L0FileLimit     int `yaml:"l0_file_limit" validate:"min=1"`
	LevelSizeRatio  int `yaml:"level_size_ratio" validate:"min=2"`
}

// CacheConfig configures the front-end cache (spec §4.J).
type CacheConfig struct {
	MaxEntries     int             `yaml:"max_entries" validate:"min=1"`
	Policy         CachePolicyName `yaml:"policy" validate:"oneof=lru lfu fifo random clock arc"`
	EvictionFactor float64         `yaml:"eviction_factor" validate:"gt=0,lt=1"`
	DefaultTTLMS   int64           `yaml:"default_ttl_ms" validate:"min=0"`
}

// ShardConfig configures the shard router (spec §4.K).
type ShardConfig struct {
	Count             int   `yaml:"count" validate:"min=1"`
	RouteCacheTTLMS   int64 `yaml:"route_cache_ttl_ms" validate:"min=0"`
}

// Config is the full recognized configuration surface from spec §6.
type Config struct {
	DataDir    string           `yaml:"data_dir" validate:"required"`
	WAL        WALConfig        `yaml:"wal"`
	MemTable   MemTableConfig   `yaml:"memtable"`
	Compaction CompactionConfig `yaml:"compaction"`
	Cache      CacheConfig      `yaml:"cache"`
	Shard      ShardConfig      `yaml:"shard"`
}

// Default returns the documented default configuration for dataDir.
func Default(dataDir string) Config {
	return Config{
		DataDir: dataDir,
		WAL: WALConfig{
			SegmentSizeMB:         64,
			SyncMode:              SyncModeSync,
			IncrementalIntervalMS: 5000,
			CompactRatio:          0.3,
		},
		MemTable: MemTableConfig{
			MaxBytes:            4 * 1024 * 1024,
			ImmutableQueueDepth: 6,
		},
		Compaction: CompactionConfig{
			WorkerCount:    4,
			L0FileLimit:    4,
			LevelSizeRatio: 10,
		},
		Cache: CacheConfig{
			MaxEntries:     10000,
			Policy:         PolicyLRU,
			EvictionFactor: 0.1,
			DefaultTTLMS:   0,
		},
		Shard: ShardConfig{
			Count:           16,
			RouteCacheTTLMS: 300000,
		},
	}
}

var validate = validator.New()

// Validate checks every struct tag above and returns a single
// aggregated error describing every violated field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Marshal serializes c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Unmarshal parses YAML into a Config, starting from defaults for the
// given dataDir so partial documents are filled in sensibly.
func Unmarshal(dataDir string, data []byte) (Config, error) {
	c := Default(dataDir)
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse configuration: %w", err)
	}
	return c, nil
}
