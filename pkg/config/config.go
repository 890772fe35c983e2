package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/strata/pkg/kverrors"
)

// BufferPoolConfig sizes one page-size class's buffer pool, in page
// count (spec.md §4.10 "buffer pool sizes per page size").
type BufferPoolConfig struct {
	PageSize int `yaml:"pageSize"`
	Capacity int `yaml:"capacity"`
}

// EngineConfig is the engine's YAML configuration file: everything that
// isn't per-volume (that's VolumeSpec) but governs shared subsystems —
// buffer pools, the fast-index pool, checkpoint cadence, journal
// segmentation, cleanup backpressure, and I/O-meter quiescence
// (spec.md §4.10).
type EngineConfig struct {
	BufferPools []BufferPoolConfig `yaml:"bufferPools"`

	// FastIndexPoolSize bounds how many pages' fast indexes are kept
	// precomputed in memory at once (§4.3).
	FastIndexPoolSize int `yaml:"fastIndexPoolSize"`

	// CheckpointInterval is how often the checkpoint proposer wakes to
	// consider proposing a new checkpoint timestamp (§4.8).
	CheckpointInterval time.Duration `yaml:"checkpointInterval"`

	// JournalSegmentBytes is the size threshold at which the journal
	// rolls to a new segment file (§4.6, §3 "Journal file invariants").
	JournalSegmentBytes int64 `yaml:"journalSegmentBytes"`

	// CleanupQueueDepth bounds the cleanup manager's FIFO of deferred
	// maintenance actions; Enqueue returns an error once it is full
	// (§4.4).
	CleanupQueueDepth int `yaml:"cleanupQueueDepth"`

	// IOMeterQuiescentThreshold is the per-window write volume, in
	// mebibytes, above which the I/O meter throttles the copier (§4.8,
	// §12).
	IOMeterQuiescentThreshold int `yaml:"ioMeterQuiescentThreshold"`
}

// DefaultEngineConfig returns the configuration LoadEngineConfig falls
// back to for any field a YAML file leaves unset.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BufferPools: []BufferPoolConfig{
			{PageSize: 1024, Capacity: 256},
			{PageSize: 2048, Capacity: 256},
			{PageSize: 4096, Capacity: 512},
			{PageSize: 8192, Capacity: 256},
			{PageSize: 16384, Capacity: 128},
		},
		FastIndexPoolSize:         1024,
		CheckpointInterval:        30 * time.Second,
		JournalSegmentBytes:       64 << 20,
		CleanupQueueDepth:         4096,
		IOMeterQuiescentThreshold: 8,
	}
}

// LoadEngineConfig reads and parses an engine configuration file. Any
// field the file omits keeps its DefaultEngineConfig value, the same
// "unmarshal onto a pre-populated struct" pattern the teacher uses for
// manifests (cmd/warren/apply.go's yaml.Unmarshal into a typed struct).
func LoadEngineConfig(path string) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, kverrors.Wrap(kverrors.IO, "config.LoadEngineConfig", err)
	}
	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineConfig{}, kverrors.Wrap(kverrors.InvalidSpec, "config.LoadEngineConfig", err)
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// Validate rejects an EngineConfig with structurally nonsensical
// values, so a bad config file fails at load time rather than at first
// use deep inside some subsystem.
func (c EngineConfig) Validate() error {
	if len(c.BufferPools) == 0 {
		return kverrors.New(kverrors.InvalidSpec, "config.Validate", "bufferPools must not be empty")
	}
	for _, bp := range c.BufferPools {
		if !validPageSizes[bp.PageSize] {
			return kverrors.New(kverrors.InvalidSpec, "config.Validate", "bufferPools: pageSize %d is not one of 1024, 2048, 4096, 8192, 16384", bp.PageSize)
		}
		if bp.Capacity <= 0 {
			return kverrors.New(kverrors.InvalidSpec, "config.Validate", "bufferPools: capacity for pageSize %d must be positive", bp.PageSize)
		}
	}
	if c.FastIndexPoolSize <= 0 {
		return kverrors.New(kverrors.InvalidSpec, "config.Validate", "fastIndexPoolSize must be positive")
	}
	if c.CheckpointInterval <= 0 {
		return kverrors.New(kverrors.InvalidSpec, "config.Validate", "checkpointInterval must be positive")
	}
	if c.JournalSegmentBytes <= 0 {
		return kverrors.New(kverrors.InvalidSpec, "config.Validate", "journalSegmentBytes must be positive")
	}
	if c.CleanupQueueDepth <= 0 {
		return kverrors.New(kverrors.InvalidSpec, "config.Validate", "cleanupQueueDepth must be positive")
	}
	if c.IOMeterQuiescentThreshold < 0 {
		return kverrors.New(kverrors.InvalidSpec, "config.Validate", "ioMeterQuiescentThreshold must not be negative")
	}
	return nil
}

// BufferPoolCapacity returns the configured capacity for pageSize, or
// ok=false if no BufferPoolConfig entry matches it.
func (c EngineConfig) BufferPoolCapacity(pageSize int) (int, bool) {
	for _, bp := range c.BufferPools {
		if bp.PageSize == pageSize {
			return bp.Capacity, true
		}
	}
	return 0, false
}

func (c EngineConfig) String() string {
	return fmt.Sprintf("EngineConfig{bufferPools=%d, checkpointInterval=%s, journalSegmentBytes=%d}",
		len(c.BufferPools), c.CheckpointInterval, c.JournalSegmentBytes)
}
