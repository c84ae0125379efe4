package config

import (
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.ChunkDurationSec != 10 || cfg.ChunkOverlapSec != 1 || cfg.MinChunkSec != 1 {
		t.Errorf("unexpected chunk defaults: %v/%v/%v", cfg.ChunkDurationSec, cfg.ChunkOverlapSec, cfg.MinChunkSec)
	}
	if cfg.FrameTimeBufferSec != 5 {
		t.Errorf("frame time buffer = %v, want 5", cfg.FrameTimeBufferSec)
	}
	if cfg.ResizeWidth != 1024 || cfg.ResizeHeight != 768 {
		t.Errorf("resize = %dx%d, want 1024x768", cfg.ResizeWidth, cfg.ResizeHeight)
	}
	if cfg.AnswerTopK != 3 {
		t.Errorf("answer top-k = %d, want 3", cfg.AnswerTopK)
	}
	if cfg.HasValidAPI() {
		t.Error("defaults should not report a valid API without a key")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	t.Setenv("STORE_KIND", "memory")
	t.Setenv("CHUNK_DURATION_SEC", "4.5")
	t.Setenv("RESIZE_WIDTH", "640")
	t.Setenv("ANSWER_TOP_K", "7")

	cfg := Defaults()
	applyEnv(cfg)

	if cfg.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want test-key", cfg.APIKey)
	}
	if cfg.StoreKind != "memory" {
		t.Errorf("StoreKind = %q, want memory", cfg.StoreKind)
	}
	if cfg.ChunkDurationSec != 4.5 {
		t.Errorf("ChunkDurationSec = %v, want 4.5", cfg.ChunkDurationSec)
	}
	if cfg.ResizeWidth != 640 {
		t.Errorf("ResizeWidth = %d, want 640", cfg.ResizeWidth)
	}
	if cfg.AnswerTopK != 7 {
		t.Errorf("AnswerTopK = %d, want 7", cfg.AnswerTopK)
	}
}

func TestEnvOverrideIgnoresUnparsable(t *testing.T) {
	t.Setenv("CHUNK_DURATION_SEC", "not-a-number")

	cfg := Defaults()
	applyEnv(cfg)

	if cfg.ChunkDurationSec != 10 {
		t.Errorf("unparsable override should keep default, got %v", cfg.ChunkDurationSec)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk duration", func(c *Config) { c.ChunkDurationSec = 0 }},
		{"overlap as long as chunk", func(c *Config) { c.ChunkOverlapSec = c.ChunkDurationSec }},
		{"negative min chunk", func(c *Config) { c.MinChunkSec = -1 }},
		{"zero frame interval", func(c *Config) { c.FrameIntervalSec = 0 }},
		{"negative buffer", func(c *Config) { c.FrameTimeBufferSec = -0.5 }},
		{"zero resize width", func(c *Config) { c.ResizeWidth = 0 }},
		{"empty store kind", func(c *Config) { c.StoreKind = " " }},
		{"zero embedding dim", func(c *Config) { c.EmbeddingDim = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
