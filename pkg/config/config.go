package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// OptionsFileName is the file inside the data directory holding the persisted configuration
	OptionsFileName = "OPTIONS"
	// CurrentVersion is the version written into new configurations
	CurrentVersion = 1

	// DefaultSizeLimit seals the active log and bounds reduce outputs (32 MiB)
	DefaultSizeLimit = 32 * 1024 * 1024
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("configuration not found")
)

type SyncMode int

const (
	SyncNone SyncMode = iota
	SyncBatch
	SyncImmediate
)

// String returns the name of the sync mode
func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// Compression names accepted by Config.Compression
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
	CompressionS2     = "s2"
)

// Reduce policies accepted by Config.ReducePolicy
const (
	ReducePolicyFull   = "full"
	ReducePolicyTiered = "tiered"
)

type Config struct {
	Version int `json:"version"`

	// Storage location; not persisted, always taken from where the config is loaded
	Dir string `json:"-"`

	// Segment configuration
	SizeLimit       int64    `json:"size_limit"`
	SyncMode        SyncMode `json:"sync_mode"`
	SyncBytes       int64    `json:"sync_bytes"`
	Compression     string   `json:"compression"`
	CompressMinSize int      `json:"compress_min_size"`
	MaxKeySize      int      `json:"max_key_size"`
	MaxValueSize    int      `json:"max_value_size"`

	// Reduce configuration
	ReducePolicy           string `json:"reduce_policy"`
	AutoReduce             bool   `json:"auto_reduce"`
	ReduceSegmentThreshold int    `json:"reduce_segment_threshold"`
	ReduceMinSegments      int    `json:"reduce_min_segments"`
	ReduceInterval         int64  `json:"reduce_interval"` // seconds, 0 disables the ticker

	// Engine configuration
	WriteRetries int    `json:"write_retries"`
	LogLevel     string `json:"log_level"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dir string) *Config {
	return &Config{
		Version: CurrentVersion,
		Dir:     dir,

		SizeLimit:       DefaultSizeLimit,
		SyncMode:        SyncImmediate,
		SyncBytes:       1024 * 1024, // 1MB
		Compression:     CompressionNone,
		CompressMinSize: 256,
		MaxKeySize:      64 * 1024,        // 64KB
		MaxValueSize:    64 * 1024 * 1024, // 64MB

		ReducePolicy:           ReducePolicyFull,
		AutoReduce:             true,
		ReduceSegmentThreshold: 4,
		ReduceMinSegments:      2,
		ReduceInterval:         0,

		WriteRetries: 3,
		LogLevel:     "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}
	if c.Dir == "" {
		return fmt.Errorf("%w: storage directory not specified", ErrInvalidConfig)
	}
	if c.SizeLimit <= 0 {
		return fmt.Errorf("%w: size limit must be positive", ErrInvalidConfig)
	}
	if c.SyncMode < SyncNone || c.SyncMode > SyncImmediate {
		return fmt.Errorf("%w: unknown sync mode %d", ErrInvalidConfig, c.SyncMode)
	}
	if c.SyncMode == SyncBatch && c.SyncBytes <= 0 {
		return fmt.Errorf("%w: sync bytes must be positive in batch mode", ErrInvalidConfig)
	}
	switch c.Compression {
	case CompressionNone, CompressionSnappy, CompressionZstd, CompressionS2:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, c.Compression)
	}
	if c.MaxKeySize <= 0 || c.MaxValueSize <= 0 {
		return fmt.Errorf("%w: key and value limits must be positive", ErrInvalidConfig)
	}
	switch c.ReducePolicy {
	case ReducePolicyFull, ReducePolicyTiered:
	default:
		return fmt.Errorf("%w: unknown reduce policy %q", ErrInvalidConfig, c.ReducePolicy)
	}
	if c.ReduceSegmentThreshold <= 0 {
		return fmt.Errorf("%w: reduce segment threshold must be positive", ErrInvalidConfig)
	}
	if c.ReducePolicy == ReducePolicyTiered && c.ReduceMinSegments < 2 {
		return fmt.Errorf("%w: tiered reduce needs at least 2 segments", ErrInvalidConfig)
	}
	if c.ReduceInterval < 0 {
		return fmt.Errorf("%w: reduce interval cannot be negative", ErrInvalidConfig)
	}
	if c.WriteRetries < 0 {
		return fmt.Errorf("%w: write retries cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Load reads the configuration persisted in dir
func Load(dir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, OptionsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg := NewDefaultConfig(dir)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save persists the configuration into its directory
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	path := filepath.Join(c.Dir, OptionsFileName)
	tempPath := path + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}
	return nil
}

// Clone returns an independent copy of the configuration
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		// Config holds only plain fields, marshalling cannot fail
		panic(fmt.Sprintf("config: marshal: %v", err))
	}
	clone := &Config{}
	if err := json.Unmarshal(data, clone); err != nil {
		panic(fmt.Sprintf("config: unmarshal: %v", err))
	}
	clone.Dir = c.Dir
	return clone
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
