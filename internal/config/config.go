// Package config loads the limiter's configuration surface (spec §6):
// models and escalation order, per-job-type resource estimates and ratios,
// the ratio-adjustment schedule, the memory pool, and the optional
// centralized-backend connection. It follows the teacher's
// DefaultConfig/LoadFromFile/LoadFromEnv triad, adding a YAML loader since
// this configuration is typically hand-authored.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/llmlimiter/internal/domain"
)

// ModelConfig is the on-the-wire shape of one model entry; pointer fields
// in domain.ModelLimits are expressed as plain optional-looking fields here
// and converted by ToDomain.
type ModelConfig struct {
	RequestsPerMinute     int             `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"`
	RequestsPerDay        int             `json:"requests_per_day,omitempty" yaml:"requests_per_day,omitempty"`
	TokensPerMinute       int             `json:"tokens_per_minute,omitempty" yaml:"tokens_per_minute,omitempty"`
	TokensPerDay          int             `json:"tokens_per_day,omitempty" yaml:"tokens_per_day,omitempty"`
	MaxConcurrentRequests int             `json:"max_concurrent_requests,omitempty" yaml:"max_concurrent_requests,omitempty"`
	MaxCapacityKB         int             `json:"max_capacity_kb,omitempty" yaml:"max_capacity_kb,omitempty"`
	Pricing               *domain.Pricing `json:"pricing,omitempty" yaml:"pricing,omitempty"`
}

// ToDomain converts the on-wire shape to domain.ModelLimits, leaving a
// field nil ("unlimited") when its on-wire value is zero.
func (m ModelConfig) ToDomain(modelID string) domain.ModelLimits {
	out := domain.ModelLimits{ModelID: modelID, Pricing: m.Pricing}
	if m.RequestsPerMinute > 0 {
		out.RequestsPerMinute = &m.RequestsPerMinute
	}
	if m.RequestsPerDay > 0 {
		out.RequestsPerDay = &m.RequestsPerDay
	}
	if m.TokensPerMinute > 0 {
		out.TokensPerMinute = &m.TokensPerMinute
	}
	if m.TokensPerDay > 0 {
		out.TokensPerDay = &m.TokensPerDay
	}
	if m.MaxConcurrentRequests > 0 {
		out.MaxConcurrentRequests = &m.MaxConcurrentRequests
	}
	if m.MaxCapacityKB > 0 {
		out.MaxCapacityKB = &m.MaxCapacityKB
	}
	return out
}

// RatioBlock is the on-wire shape of JobTypeConfig.Ratio.
type RatioBlock struct {
	InitialValue *float64 `json:"initial_value,omitempty" yaml:"initial_value,omitempty"`
	Flexible     *bool    `json:"flexible,omitempty" yaml:"flexible,omitempty"`
}

// JobTypeEntry is the on-wire shape of one resourceEstimationsPerJob entry.
type JobTypeEntry struct {
	EstimatedUsedTokens   int        `json:"estimated_used_tokens,omitempty" yaml:"estimated_used_tokens,omitempty"`
	EstimatedNumRequests  int        `json:"estimated_number_of_requests,omitempty" yaml:"estimated_number_of_requests,omitempty"`
	EstimatedUsedMemoryKB int        `json:"estimated_used_memory_kb,omitempty" yaml:"estimated_used_memory_kb,omitempty"`
	Ratio                 RatioBlock `json:"ratio,omitempty" yaml:"ratio,omitempty"`
}

// ToDomain converts to domain.JobTypeConfig.
func (j JobTypeEntry) ToDomain(jobTypeID string) domain.JobTypeConfig {
	return domain.JobTypeConfig{
		JobTypeID:             jobTypeID,
		EstimatedUsedTokens:   j.EstimatedUsedTokens,
		EstimatedNumRequests:  j.EstimatedNumRequests,
		EstimatedUsedMemoryKB: j.EstimatedUsedMemoryKB,
		Ratio: domain.RatioConfig{
			InitialValue: j.Ratio.InitialValue,
			Flexible:     j.Ratio.Flexible,
		},
	}
}

// RatioAdjustmentConfig holds the F.adjustRatios schedule (spec §6).
type RatioAdjustmentConfig struct {
	AdjustmentIntervalMs  int     `json:"adjustment_interval_ms" yaml:"adjustment_interval_ms"`
	ReleasesPerAdjustment int     `json:"releases_per_adjustment" yaml:"releases_per_adjustment"`
	HighLoadThreshold     float64 `json:"high_load_threshold" yaml:"high_load_threshold"`
	LowLoadThreshold      float64 `json:"low_load_threshold" yaml:"low_load_threshold"`
	MaxAdjustment         float64 `json:"max_adjustment" yaml:"max_adjustment"`
	MinRatio              float64 `json:"min_ratio" yaml:"min_ratio"`
}

// MemoryConfig holds the Memory Manager's sizing policy (spec §4.E).
type MemoryConfig struct {
	FreeMemoryRatio         float64 `json:"free_memory_ratio" yaml:"free_memory_ratio"`
	RecalculationIntervalMs int     `json:"recalculation_interval_ms" yaml:"recalculation_interval_ms"`
}

// BackendConfig configures the optional centralized pool allocator
// connection (spec §4.I/§4.J). When Enabled is false the limiter runs
// single-instance with no distributed coordination.
type BackendConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	RedisAddr           string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword       string `json:"redis_password" yaml:"redis_password"`
	RedisDB             int    `json:"redis_db" yaml:"redis_db"`
	KeyPrefix           string `json:"key_prefix" yaml:"key_prefix"`
	HeartbeatIntervalMs int    `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	CleanupIntervalMs   int    `json:"cleanup_interval_ms" yaml:"cleanup_interval_ms"`
	InstanceTimeoutMs   int    `json:"instance_timeout_ms" yaml:"instance_timeout_ms"`
}

// ObservabilityConfig holds logging/metrics knobs for the demo CLI.
type ObservabilityConfig struct {
	LogLevel         string `json:"log_level" yaml:"log_level"`
	LogFormat        string `json:"log_format" yaml:"log_format"`
	MetricsEnabled   bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsNamespace string `json:"metrics_namespace" yaml:"metrics_namespace"`
}

// Config is the central configuration struct (spec §6 "Configuration").
type Config struct {
	Models                    map[string]ModelConfig  `json:"models" yaml:"models"`
	EscalationOrder           []string                `json:"escalation_order,omitempty" yaml:"escalation_order,omitempty"`
	ResourceEstimationsPerJob map[string]JobTypeEntry `json:"resource_estimations_per_job" yaml:"resource_estimations_per_job"`
	RatioAdjustment           RatioAdjustmentConfig   `json:"ratio_adjustment" yaml:"ratio_adjustment"`
	Memory                    MemoryConfig            `json:"memory" yaml:"memory"`
	Backend                   BackendConfig           `json:"backend" yaml:"backend"`
	Observability             ObservabilityConfig     `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with the defaults named in spec §6.
func DefaultConfig() *Config {
	return &Config{
		Models:                    map[string]ModelConfig{},
		ResourceEstimationsPerJob: map[string]JobTypeEntry{},
		RatioAdjustment: RatioAdjustmentConfig{
			AdjustmentIntervalMs:  1000,
			ReleasesPerAdjustment: 10,
			HighLoadThreshold:     0.8,
			LowLoadThreshold:      0.3,
			MaxAdjustment:         0.1,
			MinRatio:              0.05,
		},
		Memory: MemoryConfig{
			FreeMemoryRatio:         0.5,
			RecalculationIntervalMs: 1000,
		},
		Backend: BackendConfig{
			Enabled:             false,
			RedisAddr:           "localhost:6379",
			KeyPrefix:           "llmlim:",
			HeartbeatIntervalMs: 5000,
			CleanupIntervalMs:   5000,
			InstanceTimeoutMs:   15000,
		},
		Observability: ObservabilityConfig{
			LogLevel:         "info",
			LogFormat:        "text",
			MetricsEnabled:   false,
			MetricsNamespace: "llmlimiter",
		},
	}
}

// LoadFromFile loads a JSON config file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return cfg, nil
}

// LoadFromYAML loads a YAML config file over the defaults.
func LoadFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies LLMLIM_*-prefixed environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LLMLIM_BACKEND_ENABLED"); v != "" {
		cfg.Backend.Enabled = parseBool(v)
	}
	if v := os.Getenv("LLMLIM_REDIS_ADDR"); v != "" {
		cfg.Backend.RedisAddr = v
		cfg.Backend.Enabled = true
	}
	if v := os.Getenv("LLMLIM_REDIS_PASSWORD"); v != "" {
		cfg.Backend.RedisPassword = v
	}
	if v := os.Getenv("LLMLIM_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.RedisDB = n
		}
	}
	if v := os.Getenv("LLMLIM_KEY_PREFIX"); v != "" {
		cfg.Backend.KeyPrefix = v
	}
	if v := os.Getenv("LLMLIM_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LLMLIM_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
	if v := os.Getenv("LLMLIM_METRICS_ENABLED"); v != "" {
		cfg.Observability.MetricsEnabled = parseBool(v)
	}
	if v := os.Getenv("LLMLIM_RATIO_ADJUSTMENT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RatioAdjustment.AdjustmentIntervalMs = n
		}
	}
	if v := os.Getenv("LLMLIM_MEMORY_FREE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Memory.FreeMemoryRatio = f
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}

// AdjustmentInterval returns the configured adjustment interval as a
// time.Duration.
func (c RatioAdjustmentConfig) AdjustmentInterval() time.Duration {
	return time.Duration(c.AdjustmentIntervalMs) * time.Millisecond
}

// RecalculationInterval returns the configured memory recalculation
// interval as a time.Duration.
func (c MemoryConfig) RecalculationInterval() time.Duration {
	return time.Duration(c.RecalculationIntervalMs) * time.Millisecond
}
