// Package domain holds the configuration and data types shared across the
// limiter's components: model limits, job-type profiles, usage and pricing,
// and the wire shapes exchanged with the centralized pool allocator.
package domain

import "time"

// ResourceEstimate is the immutable per-job-type pre-reservation profile.
// A field left at zero means "not pre-reserved; record actual usage after
// the fact" for that dimension.
type ResourceEstimate struct {
	EstimatedTokens   int `json:"estimated_tokens,omitempty"`
	EstimatedRequests int `json:"estimated_requests,omitempty"`
	EstimatedMemoryKB int `json:"estimated_memory_kb,omitempty"`
}

// IsZero reports whether both the token and request estimates are zero,
// which triggers the "measure-only" reservation policy of spec §4.D.
func (r ResourceEstimate) IsZero() bool {
	return r.EstimatedTokens == 0 && r.EstimatedRequests == 0
}

// Pricing holds USD-per-million-token rates for one model.
type Pricing struct {
	Input  float64 `json:"input"`
	Cached float64 `json:"cached"`
	Output float64 `json:"output"`
}

// ModelLimits is the immutable configuration for one upstream model. Every
// limit field is a pointer so that an absent field means "unlimited for
// this dimension", per spec §3.
type ModelLimits struct {
	ModelID               string   `json:"-"`
	RequestsPerMinute     *int     `json:"requests_per_minute,omitempty"`
	RequestsPerDay        *int     `json:"requests_per_day,omitempty"`
	TokensPerMinute       *int     `json:"tokens_per_minute,omitempty"`
	TokensPerDay          *int     `json:"tokens_per_day,omitempty"`
	MaxConcurrentRequests *int     `json:"max_concurrent_requests,omitempty"`
	MaxCapacityKB         *int     `json:"max_capacity_kb,omitempty"`
	Pricing               *Pricing `json:"pricing,omitempty"`
}

// RatioConfig is the per-job-type ratio configuration block.
type RatioConfig struct {
	InitialValue *float64 `json:"initial_value,omitempty"`
	Flexible     *bool    `json:"flexible,omitempty"` // default true when nil
}

// JobTypeConfig is the immutable, caller-supplied configuration for one job
// type (spec §3 "JobType config").
type JobTypeConfig struct {
	JobTypeID             string      `json:"-"`
	EstimatedUsedTokens   int         `json:"estimated_used_tokens,omitempty"`
	EstimatedNumRequests  int         `json:"estimated_number_of_requests,omitempty"`
	EstimatedUsedMemoryKB int         `json:"estimated_used_memory_kb,omitempty"`
	Ratio                 RatioConfig `json:"ratio,omitempty"`
}

// Estimate extracts the ResourceEstimate view of a JobTypeConfig.
func (c JobTypeConfig) Estimate() ResourceEstimate {
	return ResourceEstimate{
		EstimatedTokens:   c.EstimatedUsedTokens,
		EstimatedRequests: c.EstimatedNumRequests,
		EstimatedMemoryKB: c.EstimatedUsedMemoryKB,
	}
}

// Flexible reports whether the job type's ratio may be redistributed by the
// adjuster. Defaults to true when unset.
func (c JobTypeConfig) Flexible() bool {
	if c.Ratio.Flexible == nil {
		return true
	}
	return *c.Ratio.Flexible
}

// InitialRatio returns the configured initial ratio, or 0 when unset (the
// caller is expected to normalize ratios across all job types in that case).
func (c JobTypeConfig) InitialRatio() float64 {
	if c.Ratio.InitialValue == nil {
		return 0
	}
	return *c.Ratio.InitialValue
}

// Usage is the actual resource consumption reported by a job after it runs.
type Usage struct {
	ModelID       string `json:"model_id"`
	InputTokens   int    `json:"input"`
	OutputTokens  int    `json:"output"`
	CachedTokens  int    `json:"cached"`
	RequestCount  int    `json:"request_count"`
	ActualMemory  int    `json:"actual_memory_kb,omitempty"`
}

// TotalTokens returns the sum of input, output and cached tokens, the
// quantity reserved against and refunded on the token-counter dimensions.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.CachedTokens
}

// Cost computes the USD cost of this usage entry under the given pricing,
// per spec §4.G: (input*pricing.input + cached*pricing.cached +
// output*pricing.output) / 1_000_000.
func (u Usage) Cost(p Pricing) float64 {
	return (float64(u.InputTokens)*p.Input +
		float64(u.CachedTokens)*p.Cached +
		float64(u.OutputTokens)*p.Output) / 1_000_000
}

// WindowStarts captures the window-start timestamp of every time-window
// counter at reservation time, so a later refund can be authorized only if
// none of the windows have rolled over since (spec §3 "WindowStarts").
type WindowStarts struct {
	RequestsMinute time.Time
	RequestsDay    time.Time
	TokensMinute   time.Time
	TokensDay      time.Time
}

// AllocationInfo is what the centralized pool allocator publishes to every
// registered instance (spec §4.I/§4.J).
type AllocationInfo struct {
	InstanceCount int                    `json:"instance_count"`
	Pools         map[string]PoolShare   `json:"pools"`
	DynamicLimits map[string]ModelLimits `json:"dynamic_limits,omitempty"`
}

// PoolShare is one instance's slice of one model's capacity.
type PoolShare struct {
	TotalSlots        int `json:"total_slots"`
	TokensPerMinute   int `json:"tokens_per_minute"`
	RequestsPerMinute int `json:"requests_per_minute"`
	TokensPerDay      int `json:"tokens_per_day"`
	RequestsPerDay    int `json:"requests_per_day"`
}

// OverageEvent is emitted via onOverage when actual usage exceeds the
// pre-reserved estimate for one dimension (spec §7).
type OverageEvent struct {
	ModelID      string    `json:"model_id"`
	ResourceType string    `json:"resource_type"` // "tokens" | "requests" | "memory"
	Estimated    int       `json:"estimated"`
	Actual       int       `json:"actual"`
	Overage      int       `json:"overage"`
	Timestamp    time.Time `json:"timestamp"`
}

// AvailabilityReason tags why an availability change notification fired,
// per spec §4.H.
type AvailabilityReason string

const (
	ReasonTokensMinute   AvailabilityReason = "tokensMinute"
	ReasonTokensDay      AvailabilityReason = "tokensDay"
	ReasonRequestsMinute AvailabilityReason = "requestsMinute"
	ReasonRequestsDay    AvailabilityReason = "requestsDay"
	ReasonConcurrency    AvailabilityReason = "concurrency"
	ReasonMemory         AvailabilityReason = "memory"
	ReasonSlots          AvailabilityReason = "slots"
	ReasonAdjustment     AvailabilityReason = "adjustment"
	ReasonDistributed    AvailabilityReason = "distributed"
)

// ActiveJobInfo describes one job currently between acquire and
// release/refund, for introspection via getActiveJobs().
type ActiveJobInfo struct {
	JobID     string    `json:"job_id"`
	JobType   string    `json:"job_type"`
	ModelID   string    `json:"model_id"`
	StartedAt time.Time `json:"started_at"`
}
