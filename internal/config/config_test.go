package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigHasSaneRatioAdjustmentBounds(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RatioAdjustment.HighLoadThreshold <= cfg.RatioAdjustment.LowLoadThreshold {
		t.Fatalf("high threshold %v must exceed low threshold %v", cfg.RatioAdjustment.HighLoadThreshold, cfg.RatioAdjustment.LowLoadThreshold)
	}
	if cfg.Backend.Enabled {
		t.Fatalf("backend must default to disabled")
	}
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limiter.yaml")
	body := `
models:
  claude-haiku:
    requests_per_minute: 100
    tokens_per_minute: 50000
resource_estimations_per_job:
  chat:
    estimated_used_tokens: 100
    estimated_number_of_requests: 1
observability:
  log_level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromYAML(path)
	if err != nil {
		t.Fatalf("LoadFromYAML: %v", err)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.Observability.LogLevel)
	}
	m, ok := cfg.Models["claude-haiku"]
	if !ok {
		t.Fatalf("model claude-haiku missing")
	}
	if m.RequestsPerMinute != 100 || m.TokensPerMinute != 50000 {
		t.Fatalf("model limits = %+v, unexpected", m)
	}
	// Untouched defaults survive a partial YAML document.
	if cfg.RatioAdjustment.HighLoadThreshold != 0.8 {
		t.Fatalf("ratio adjustment defaults were lost: %+v", cfg.RatioAdjustment)
	}
}

func TestLoadFromFileParsesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limiter.json")
	body := `{"observability": {"log_level": "warn", "metrics_enabled": true}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Observability.LogLevel != "warn" || !cfg.Observability.MetricsEnabled {
		t.Fatalf("observability = %+v, unexpected", cfg.Observability)
	}
}

func TestLoadFromEnvAppliesRedisOverrides(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("LLMLIM_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("LLMLIM_REDIS_DB", "3")

	LoadFromEnv(cfg)

	if cfg.Backend.RedisAddr != "redis.internal:6380" {
		t.Fatalf("redis addr = %q", cfg.Backend.RedisAddr)
	}
	if cfg.Backend.RedisDB != 3 {
		t.Fatalf("redis db = %d, want 3", cfg.Backend.RedisDB)
	}
	if !cfg.Backend.Enabled {
		t.Fatalf("setting LLMLIM_REDIS_ADDR must enable the backend")
	}
}

func TestModelConfigToDomainLeavesZeroFieldsUnlimited(t *testing.T) {
	m := ModelConfig{RequestsPerMinute: 10}
	limits := m.ToDomain("test-model")
	if limits.RequestsPerMinute == nil || *limits.RequestsPerMinute != 10 {
		t.Fatalf("requests per minute not carried through: %+v", limits)
	}
	if limits.TokensPerMinute != nil {
		t.Fatalf("unset tokens per minute must stay nil (unlimited), got %v", *limits.TokensPerMinute)
	}
}
