package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateRejectsBadEmbeddingDim(t *testing.T) {
	c := Default()
	c.EmbeddingDim = 16
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for embedding_dim below range")
	}
	c.EmbeddingDim = 4096
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for embedding_dim above range")
	}
}

func TestValidateRejectsBadHNSW(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"m0 too small", func(c *Config) { c.HNSW.M0 = c.HNSW.M }},
		{"zero ef_construction", func(c *Config) { c.HNSW.EFConstruction = 0 }},
		{"zero ef_search", func(c *Config) { c.HNSW.EFSearch = 0 }},
		{"zero level multiplier", func(c *Config) { c.HNSW.LevelMultiplier = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestValidateRejectsBadBM25(t *testing.T) {
	c := Default()
	c.BM25.B = 1.5
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for b > 1")
	}
}

func TestValidateRejectsNonPositivePoolSize(t *testing.T) {
	c := Default()
	c.PoolSizes["bogus"] = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for non-positive pool size")
	}
}
