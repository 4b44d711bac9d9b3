// Package config holds the startup configuration record for the core,
// decoded from YAML and validated fail-fast before any backend is
// constructed.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HNSW tunes the semantic index's layered proximity graph.
type HNSW struct {
	M               int     `yaml:"m"`
	M0              int     `yaml:"m0"`
	EFConstruction  int     `yaml:"ef_construction"`
	EFSearch        int     `yaml:"ef_search"`
	LevelMultiplier float64 `yaml:"level_multiplier"`
}

// FRE holds the frontier-reduction traversal settings. Validate checks
// them, but they are not passed to any backend: traversals run with a
// block size of 32 and the bound each caller supplies.
type FRE struct {
	BlockSize int     `yaml:"block_size"`
	MaxBound  float64 `yaml:"max_bound"`
}

// BM25 tunes the lexical ranker's scoring constants.
type BM25 struct {
	K float64 `yaml:"k"`
	B float64 `yaml:"b"`
}

// Config is the full startup record passed to internal/db.Open.
type Config struct {
	EmbeddingDim int `yaml:"embedding_dim"`

	HNSW HNSW `yaml:"hnsw"`
	FRE  FRE  `yaml:"fre"`
	BM25 BM25 `yaml:"bm25"`

	PoolSizes map[string]int `yaml:"pool_sizes"`
	ArenaSize int            `yaml:"arena_size"`

	AllowedPathPrefixes []string `yaml:"allowed_path_prefixes"`

	LogLevel string `yaml:"log_level"`
}

// Default pool names, used as keys into PoolSizes and by internal/pool.
const (
	PoolRequestBuffer  = "request_buffer"
	PoolResponseBuffer = "response_buffer"
	PoolJSONObject     = "json_object"
	PoolVectorBlock    = "vector_block"
)

// Default returns a Config with conservative defaults suitable for
// tests and small deployments.
func Default() *Config {
	return &Config{
		EmbeddingDim: 768,
		HNSW: HNSW{
			M:               16,
			M0:              32,
			EFConstruction:  200,
			EFSearch:        64,
			LevelMultiplier: 1.0 / ln2,
		},
		FRE: FRE{
			BlockSize: 32,
			MaxBound:  1e9,
		},
		BM25: BM25{K: 1.2, B: 0.75},
		PoolSizes: map[string]int{
			PoolRequestBuffer:  256,
			PoolResponseBuffer: 256,
			PoolJSONObject:     256,
			PoolVectorBlock:    1024,
		},
		ArenaSize:           1 << 20, // 1 MiB
		AllowedPathPrefixes: []string{"src", "docs", "notes", "memory", "tasks"},
		LogLevel:            "info",
	}
}

// ln2 avoids importing math just for one constant consumers may not need elsewhere.
const ln2 = 0.6931471805599453

// Validate rejects an out-of-range configuration before any backend is
// constructed.
func (c *Config) Validate() error {
	if c.EmbeddingDim < 64 || c.EmbeddingDim > 3072 {
		return fmt.Errorf("config: embedding_dim %d out of range [64, 3072]", c.EmbeddingDim)
	}
	if c.HNSW.M <= 0 {
		return fmt.Errorf("config: hnsw.m must be positive")
	}
	if c.HNSW.M0 < 2*c.HNSW.M {
		return fmt.Errorf("config: hnsw.m0 must be >= 2*hnsw.m")
	}
	if c.HNSW.EFConstruction <= 0 || c.HNSW.EFSearch <= 0 {
		return fmt.Errorf("config: hnsw ef parameters must be positive")
	}
	if c.HNSW.LevelMultiplier <= 0 {
		return fmt.Errorf("config: hnsw.level_multiplier must be positive")
	}
	if c.FRE.BlockSize <= 0 {
		return fmt.Errorf("config: fre.block_size must be positive")
	}
	if c.FRE.MaxBound < 0 {
		return fmt.Errorf("config: fre.max_bound must be non-negative")
	}
	if c.BM25.K < 0 || c.BM25.B < 0 || c.BM25.B > 1 {
		return fmt.Errorf("config: bm25 k must be >= 0 and b must be in [0, 1]")
	}
	if c.ArenaSize <= 0 {
		return fmt.Errorf("config: arena_size must be positive")
	}
	for name, size := range c.PoolSizes {
		if size <= 0 {
			return fmt.Errorf("config: pool_sizes[%s] must be positive", name)
		}
	}
	return nil
}

// Load reads and validates a Config from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
