package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Transfer.Quorum != 1 {
		t.Errorf("expected default quorum 1, got %d", cfg.Transfer.Quorum)
	}
	if cfg.MaxChunkSize != DefaultMaxChunkSize {
		t.Errorf("expected default max chunk size, got %d", cfg.MaxChunkSize)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"TinyChunks", func(c *Config) { c.MaxChunkSize = 100 }},
		{"UnknownProfile", func(c *Config) { c.Chunking.Profile = "rabin" }},
		{"UnknownTransform", func(c *Config) { c.Transform.Name = "brotli" }},
		{"QuorumAboveAttempts", func(c *Config) { c.Transfer.Quorum = 5; c.Transfer.MaxAttempts = 2 }},
		{"NoConcurrency", func(c *Config) { c.Transfer.Concurrency = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autonet.yaml")
	doc := `
max_chunk_size: 4096
chunking:
  profile: cdc
transfer:
  quorum: 2
  request_timeout: 5s
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.MaxChunkSize != 4096 || cfg.Chunking.Profile != "cdc" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Transfer.Quorum != 2 || cfg.Transfer.RequestTimeout != 5*time.Second {
		t.Errorf("unexpected transfer config: %+v", cfg.Transfer)
	}
	if cfg.Transfer.MaxAttempts != 3 {
		t.Errorf("expected defaulted max attempts, got %d", cfg.Transfer.MaxAttempts)
	}

	if err := os.WriteFile(path, []byte("max_chunk_size: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for malformed yaml, got %v", err)
	}
}
