package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinChunkSize is the smallest accepted MaxChunkSize. Below it a DataMap
	// entry no longer fits enough times into a chunk for recursion to shrink.
	MinChunkSize = 1 << 10

	// DefaultMaxChunkSize bounds plaintext pieces.
	DefaultMaxChunkSize = 1 << 20

	// ChunkOverhead is the room left above MaxChunkSize for envelope and AEAD tag.
	ChunkOverhead = 64
)

type Config struct {
	// MaxChunkSize bounds every plaintext piece produced by the codec.
	MaxChunkSize int `yaml:"max_chunk_size"`

	Chunking  ChunkingConfig  `yaml:"chunking"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Limits    LimitsConfig    `yaml:"limits"`
	Transform TransformConfig `yaml:"transform"`
}

type ChunkingConfig struct {
	// Profile is "even" (default) or "cdc".
	Profile string `yaml:"profile"`
}

type TransferConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Quorum         int           `yaml:"quorum"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	BackoffMin     time.Duration `yaml:"backoff_min"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type LimitsConfig struct {
	MaxDataMapDepth   int    `yaml:"max_datamap_depth"`
	MaxChunksPerMap   uint32 `yaml:"max_chunks_per_map"`
	MaxArchiveEntries int    `yaml:"max_archive_entries"`
}

type TransformConfig struct {
	Name      string `yaml:"name"`
	ZstdLevel int    `yaml:"zstd_level"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize: DefaultMaxChunkSize,
		Chunking:     ChunkingConfig{Profile: "even"},
		Transfer: TransferConfig{
			Concurrency:    32,
			MaxAttempts:    3,
			Quorum:         1,
			RequestTimeout: 30 * time.Second,
			BackoffMin:     50 * time.Millisecond,
			BackoffMax:     2 * time.Second,
		},
		Limits: LimitsConfig{
			MaxDataMapDepth:   8,
			MaxChunksPerMap:   1 << 20,
			MaxArchiveEntries: 1 << 20,
		},
		Transform: TransformConfig{
			Name:      "zstd",
			ZstdLevel: 3,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = d.MaxChunkSize
	}
	if c.Chunking.Profile == "" {
		c.Chunking.Profile = d.Chunking.Profile
	}
	if c.Transfer.Concurrency == 0 {
		c.Transfer.Concurrency = d.Transfer.Concurrency
	}
	if c.Transfer.MaxAttempts == 0 {
		c.Transfer.MaxAttempts = d.Transfer.MaxAttempts
	}
	if c.Transfer.Quorum == 0 {
		c.Transfer.Quorum = d.Transfer.Quorum
	}
	if c.Transfer.RequestTimeout == 0 {
		c.Transfer.RequestTimeout = d.Transfer.RequestTimeout
	}
	if c.Transfer.BackoffMin == 0 {
		c.Transfer.BackoffMin = d.Transfer.BackoffMin
	}
	if c.Transfer.BackoffMax == 0 {
		c.Transfer.BackoffMax = d.Transfer.BackoffMax
	}
	if c.Limits.MaxDataMapDepth == 0 {
		c.Limits.MaxDataMapDepth = d.Limits.MaxDataMapDepth
	}
	if c.Limits.MaxChunksPerMap == 0 {
		c.Limits.MaxChunksPerMap = d.Limits.MaxChunksPerMap
	}
	if c.Limits.MaxArchiveEntries == 0 {
		c.Limits.MaxArchiveEntries = d.Limits.MaxArchiveEntries
	}
	if c.Transform.Name == "" {
		c.Transform = d.Transform
	}
	return c
}

// Validate checks the bounds the codec and transfer layers rely on.
func (c Config) Validate() error {
	if c.MaxChunkSize < MinChunkSize {
		return fmt.Errorf("%w: max chunk size %d below minimum %d", ErrInvalidInput, c.MaxChunkSize, MinChunkSize)
	}
	switch c.Chunking.Profile {
	case "even", "cdc":
	default:
		return fmt.Errorf("%w: unknown chunking profile %q", ErrInvalidInput, c.Chunking.Profile)
	}
	switch c.Transform.Name {
	case "zstd", "none":
	default:
		return fmt.Errorf("%w: unsupported transform %q", ErrInvalidInput, c.Transform.Name)
	}
	if c.Transfer.Concurrency < 1 || c.Transfer.MaxAttempts < 1 || c.Transfer.Quorum < 1 {
		return fmt.Errorf("%w: transfer concurrency, attempts and quorum must be positive", ErrInvalidInput)
	}
	if c.Transfer.Quorum > c.Transfer.MaxAttempts {
		return fmt.Errorf("%w: quorum %d exceeds max attempts %d", ErrInvalidInput, c.Transfer.Quorum, c.Transfer.MaxAttempts)
	}
	if c.Limits.MaxDataMapDepth < 1 {
		return fmt.Errorf("%w: datamap depth must be positive", ErrInvalidInput)
	}
	return nil
}

// MaxRecordSize is the largest record a node should accept under c.
func (c Config) MaxRecordSize() int {
	return c.MaxChunkSize + ChunkOverhead
}

// LoadConfig reads a YAML config file and applies defaults.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: failed to parse config: %v", ErrInvalidInput, err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
