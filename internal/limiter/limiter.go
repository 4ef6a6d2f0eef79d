// Package limiter is the public surface (spec §6): it wires the Memory
// Manager, every model's Per-Model Limiter, the Job Type Manager, the
// Availability Tracker, an optional centralized backend, and the
// orchestration Controller into one constructed Limiter, exposing
// queueJob plus the introspection surface.
package limiter

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/llmlimiter/internal/availability"
	"github.com/oriys/llmlimiter/internal/backend"
	"github.com/oriys/llmlimiter/internal/config"
	"github.com/oriys/llmlimiter/internal/domain"
	"github.com/oriys/llmlimiter/internal/jobtype"
	"github.com/oriys/llmlimiter/internal/logging"
	"github.com/oriys/llmlimiter/internal/memory"
	"github.com/oriys/llmlimiter/internal/metrics"
	"github.com/oriys/llmlimiter/internal/modellimiter"
	"github.com/oriys/llmlimiter/internal/orchestrator"
)

// Callbacks holds the optional spec §6 callback set.
type Callbacks struct {
	OnLog                  func(msg string, data map[string]any)
	OnOverage              func(domain.OverageEvent)
	OnAvailableSlotsChange availability.Notifier
}

// Stats is the top-level getStats() snapshot.
type Stats struct {
	Models   map[string]modellimiter.Stats
	Memory   *MemoryStats
	JobTypes []jobtype.JobTypeStats
}

// MemoryStats is the memory pool's introspection view.
type MemoryStats struct {
	TotalKB int
	InUseKB int
}

// JobRequest is the queueJob() input (spec §6).
type JobRequest struct {
	JobID          string
	JobType        string
	Job            modellimiter.JobFunc
	MaxWaitByModel map[string]time.Duration
	OnComplete     func(orchestrator.JobOutcome)
}

// Limiter is the constructed, running engine. Build one with New and
// stop it with Stop; it owns every background task started by its
// components (memory recalculation, ratio adjustment, backend heartbeat
// and cleanup).
type Limiter struct {
	cfg        *config.Config
	instanceID string

	memory     *memory.Manager
	models     map[string]*modellimiter.Limiter
	jobTypes   *jobtype.Manager
	avail      *availability.Tracker
	controller *orchestrator.Controller
	registry   *orchestrator.ActiveJobRegistry

	backendAdapter *backend.FallbackAdapter
	redisClient    *redis.Client

	callbacks Callbacks
}

// New constructs a Limiter from cfg; Start launches its background
// tasks. Configuration errors
// (empty models map, unknown escalation entry, ratio misconfiguration)
// are returned synchronously, per spec §7.
func New(cfg *config.Config, callbacks Callbacks) (*Limiter, error) {
	if len(cfg.Models) == 0 {
		return nil, domain.NewConfigError("at least one model must be configured")
	}
	escalation := cfg.EscalationOrder
	if len(escalation) == 0 {
		if len(cfg.Models) > 1 {
			return nil, domain.NewConfigError("escalationOrder is required when more than one model is configured")
		}
		for id := range cfg.Models {
			escalation = []string{id}
		}
	}

	l := &Limiter{
		cfg:        cfg,
		instanceID: newInstanceID(),
		models:     map[string]*modellimiter.Limiter{},
		registry:   orchestrator.NewActiveJobRegistry(),
		callbacks:  callbacks,
	}

	l.memory = memory.NewManager(cfg.Memory)

	jobTypeConfigs := map[string]domain.JobTypeConfig{}
	for id, entry := range cfg.ResourceEstimationsPerJob {
		jobTypeConfigs[id] = entry.ToDomain(id)
	}
	jobTypes, err := jobtype.NewManager(jobTypeConfigs, cfg.RatioAdjustment, l.memory)
	if err != nil {
		return nil, err
	}
	l.jobTypes = jobTypes

	l.avail = availability.New(func(modelID string, reason domain.AvailabilityReason, value float64, adjustment *float64) {
		if l.callbacks.OnAvailableSlotsChange != nil {
			l.callbacks.OnAvailableSlotsChange(modelID, reason, value, adjustment)
		}
	})

	modelLimiters := map[string]orchestrator.ModelLimiter{}
	for id, mc := range cfg.Models {
		ml := modellimiter.NewLimiter(mc.ToDomain(id), l.memory)
		ml.SetOnOverage(func(ev domain.OverageEvent) {
			if l.callbacks.OnOverage != nil {
				l.callbacks.OnOverage(ev)
			}
			if c := metrics.Active(); c != nil {
				c.OverageTotal.WithLabelValues(ev.ModelID, ev.ResourceType).Inc()
			}
			l.avail.Publish(ev.ModelID, overageReason(ev.ResourceType), float64(ev.Estimated-ev.Actual))
		})
		l.models[id] = ml
		modelLimiters[id] = ml
	}

	for _, id := range escalation {
		if _, ok := l.models[id]; !ok {
			return nil, domain.NewConfigError("escalation order references unknown model %q", id)
		}
	}

	jobTypes.SetCallbacks(func() {
		l.avail.PublishAdjustment("", domain.ReasonAdjustment, 0, 0)
	}, func() {
		if l.controller != nil {
			l.controller.NotifyJobTypeCapacityChange()
		}
	})

	controller, err := orchestrator.NewController(jobTypes, modelLimiters, escalation, l.registry)
	if err != nil {
		return nil, err
	}
	l.controller = controller

	if cfg.Backend.Enabled {
		if err := l.setupBackend(cfg); err != nil {
			return nil, err
		}
	} else {
		// No centralized backend (component I is optional per spec §4.I):
		// the Job Type Manager still needs a non-zero per-model pool share
		// to hand out slots, so derive it from this instance's own
		// configured limits, reading the distributed allocation formula
		// (recomputeAllocationsLua in internal/backend/redis.go) at
		// instanceCount=1.
		l.applyStandaloneCapacity(cfg, jobTypeConfigs)
	}

	if cfg.Observability.MetricsEnabled {
		// left to the caller: cmd/limiterd initializes metrics.Init and
		// serves the handler, since the core engine has no HTTP surface.
		logging.Op().Debug("metrics enabled by config; caller is responsible for serving the handler")
	}

	return l, nil
}

func overageReason(resourceType string) domain.AvailabilityReason {
	switch resourceType {
	case "tokens":
		return domain.ReasonTokensMinute
	case "requests":
		return domain.ReasonRequestsMinute
	case "memory":
		return domain.ReasonMemory
	default:
		return domain.ReasonAdjustment
	}
}

func (l *Limiter) setupBackend(cfg *config.Config) error {
	l.redisClient = redis.NewClient(&redis.Options{
		Addr:     cfg.Backend.RedisAddr,
		Password: cfg.Backend.RedisPassword,
		DB:       cfg.Backend.RedisDB,
	})

	models := map[string]domain.ModelLimits{}
	for id, mc := range cfg.Models {
		models[id] = mc.ToDomain(id)
	}
	jobTypeConfigs := map[string]domain.JobTypeConfig{}
	for id, entry := range cfg.ResourceEstimationsPerJob {
		jobTypeConfigs[id] = entry.ToDomain(id)
	}

	primary, err := backend.NewRedisAllocator(l.redisClient, cfg.Backend, models, jobTypeConfigs)
	if err != nil {
		return err
	}
	l.backendAdapter = backend.NewFallbackAdapter(primary)
	return nil
}

// Start launches every component's background task (memory recalculation,
// ratio adjustment, and, if configured, the centralized backend's
// heartbeat/cleanup and allocation subscription). Safe to call once.
func (l *Limiter) Start(ctx context.Context) error {
	l.memory.Start(ctx)
	l.jobTypes.Start(ctx)

	if l.backendAdapter != nil {
		alloc, err := l.backendAdapter.Register(ctx, l.instanceID)
		if err != nil {
			return err
		}
		l.applyAllocation(alloc)
		if _, err := l.backendAdapter.Subscribe(ctx, l.instanceID, l.applyAllocation); err != nil {
			logging.Op().Warn("backend subscribe failed", "error", err)
		}
		l.startHeartbeat(ctx)
	}
	return nil
}

func (l *Limiter) startHeartbeat(ctx context.Context) {
	interval := time.Duration(l.cfg.Backend.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.backendAdapter.Heartbeat(ctx, l.instanceID); err != nil {
					logging.Op().Warn("backend heartbeat failed", "error", err)
				}
			}
		}
	}()
}

func (l *Limiter) applyAllocation(info domain.AllocationInfo) {
	for modelID, share := range info.Pools {
		ml, ok := l.models[modelID]
		if !ok {
			continue
		}
		tpm := share.TokensPerMinute
		rpm := share.RequestsPerMinute
		ml.SetRateLimits(&tpm, &rpm)
		l.jobTypes.SetModelPool(modelID, share)
		l.avail.Publish(modelID, domain.ReasonDistributed, float64(share.TotalSlots))
		ml.NotifyCapacityAvailable()
	}
	l.jobTypes.SetTotalCapacity(sumSlots(info.Pools))
	l.controller.NotifyJobTypeCapacityChange()
}

func sumSlots(pools map[string]domain.PoolShare) int {
	total := 0
	for _, p := range pools {
		total += p.TotalSlots
	}
	return total
}

// applyStandaloneCapacity wires the Job Type Manager's per-model pool
// shares from this instance's own configured limits, for the no-backend
// configuration. Unlike applyAllocation, it never touches a model's
// Per-Model Limiter rate limits: those limiters were already constructed
// from the full configured limits, and this instance is the only
// consumer of them.
func (l *Limiter) applyStandaloneCapacity(cfg *config.Config, jobTypeConfigs map[string]domain.JobTypeConfig) {
	models := map[string]domain.ModelLimits{}
	for id, mc := range cfg.Models {
		models[id] = mc.ToDomain(id)
	}
	shares := deriveLocalPoolShares(models, jobTypeConfigs)
	for modelID, share := range shares {
		l.jobTypes.SetModelPool(modelID, share)
		l.avail.Publish(modelID, domain.ReasonDistributed, float64(share.TotalSlots))
	}
	l.jobTypes.SetTotalCapacity(sumSlots(shares))
}

// deriveLocalPoolShares computes each model's single-instance PoolShare
// from its own configured limits, reducing the centralized allocator's
// limiting-dimension/average-estimate formula to instanceCount=1: the
// rate dimensions pass through unchanged (floor(v/1) == v) and
// total_slots is floor(limiting / avgEstimate) with no instance division.
func deriveLocalPoolShares(models map[string]domain.ModelLimits, jobTypes map[string]domain.JobTypeConfig) map[string]domain.PoolShare {
	avgTokens, avgRequests := averageEstimates(jobTypes)

	shares := make(map[string]domain.PoolShare, len(models))
	for id, limits := range models {
		var limiting *int
		limitingIsRequest := false
		limitingJobs := 0.0
		consider := func(v *int, isRequest bool) {
			if v == nil {
				return
			}
			est := avgTokens
			if isRequest {
				est = avgRequests
			}
			if jobs := float64(*v) / est; limiting == nil || jobs < limitingJobs {
				limiting = v
				limitingJobs = jobs
				limitingIsRequest = isRequest
			}
		}
		consider(limits.TokensPerMinute, false)
		consider(limits.RequestsPerMinute, true)
		consider(limits.TokensPerDay, false)
		consider(limits.RequestsPerDay, true)
		consider(limits.MaxConcurrentRequests, true)

		totalSlots := 0
		if limiting != nil {
			avgEstimate := avgTokens
			if limitingIsRequest {
				avgEstimate = avgRequests
			}
			if avgEstimate > 0 {
				totalSlots = int(math.Floor(float64(*limiting) / avgEstimate))
			}
		}

		shares[id] = domain.PoolShare{
			TotalSlots:        totalSlots,
			TokensPerMinute:   derefOrZero(limits.TokensPerMinute),
			RequestsPerMinute: derefOrZero(limits.RequestsPerMinute),
			TokensPerDay:      derefOrZero(limits.TokensPerDay),
			RequestsPerDay:    derefOrZero(limits.RequestsPerDay),
		}
	}
	return shares
}

// averageEstimates returns the mean pre-reservation estimate across every
// configured job type, separately for the token and request dimensions,
// defaulting to 1 when no job type estimates that dimension (matching
// recomputeAllocationsLua's avg_estimate fallback).
func averageEstimates(jobTypes map[string]domain.JobTypeConfig) (avgTokens, avgRequests float64) {
	var tokensSum, tokensN, requestsSum, requestsN float64
	for _, jt := range jobTypes {
		if jt.EstimatedUsedTokens > 0 {
			tokensSum += float64(jt.EstimatedUsedTokens)
			tokensN++
		}
		if jt.EstimatedNumRequests > 0 {
			requestsSum += float64(jt.EstimatedNumRequests)
			requestsN++
		}
	}
	avgTokens, avgRequests = 1, 1
	if tokensN > 0 {
		avgTokens = tokensSum / tokensN
	}
	if requestsN > 0 {
		avgRequests = requestsSum / requestsN
	}
	return avgTokens, avgRequests
}

func derefOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// Stop stops the memory-recalculation and ratio-adjustment tasks and, if a
// centralized backend is in use, unregisters this instance before closing
// the Redis connection. The backend heartbeat goroutine is not stopped
// here; it exits when the context passed to Start is cancelled.
func (l *Limiter) Stop(ctx context.Context) error {
	l.memory.Stop()
	l.jobTypes.Stop()
	if l.backendAdapter != nil {
		if err := l.backendAdapter.Unregister(ctx, l.instanceID); err != nil {
			logging.Op().Warn("backend unregister failed", "error", err)
		}
	}
	if l.redisClient != nil {
		return l.redisClient.Close()
	}
	return nil
}

// QueueJob runs req through the Multi-Model Controller's escalation
// protocol and returns the final outcome (spec §6 queue-job surface).
func (l *Limiter) QueueJob(ctx context.Context, req JobRequest) (orchestrator.JobOutcome, error) {
	spec := orchestrator.JobSpec{
		JobID:          req.JobID,
		JobType:        req.JobType,
		JobFn:          req.Job,
		MaxWaitByModel: req.MaxWaitByModel,
	}
	if jt, ok := l.cfg.ResourceEstimationsPerJob[req.JobType]; ok {
		spec.Estimate = jt.ToDomain(req.JobType).Estimate()
	}

	start := time.Now()
	outcome, err := l.controller.RunJob(ctx, spec)

	if l.callbacks.OnLog != nil {
		l.callbacks.OnLog("job completed", map[string]any{
			"job_id":      req.JobID,
			"job_type":    req.JobType,
			"model_used":  outcome.ModelUsed,
			"duration_ms": time.Since(start).Milliseconds(),
			"success":     err == nil,
		})
	}
	if req.OnComplete != nil {
		req.OnComplete(outcome)
	}
	return outcome, err
}

// GetStats returns a snapshot across every model, the memory pool, and
// every job type.
func (l *Limiter) GetStats() Stats {
	models := make(map[string]modellimiter.Stats, len(l.models))
	for id, ml := range l.models {
		models[id] = ml.GetStats()
	}
	return Stats{
		Models:   models,
		Memory:   &MemoryStats{TotalKB: l.memory.TotalKB(), InUseKB: l.memory.InUseKB()},
		JobTypes: l.jobTypes.GetStats(),
	}
}

// GetModelStats returns the stats for a single model, or false if it is
// not configured.
func (l *Limiter) GetModelStats(modelID string) (modellimiter.Stats, bool) {
	ml, ok := l.models[modelID]
	if !ok {
		return modellimiter.Stats{}, false
	}
	return ml.GetStats(), true
}

// HasCapacity reports whether every configured model currently has no
// capacity at all (false) or whether at least one does (true).
func (l *Limiter) HasCapacity() bool {
	for _, ml := range l.models {
		if ml.HasCapacity(domain.ResourceEstimate{}) {
			return true
		}
	}
	return false
}

// HasCapacityForModel reports whether a specific model has capacity for
// a zero-estimate (i.e. "any") reservation.
func (l *Limiter) HasCapacityForModel(modelID string) bool {
	ml, ok := l.models[modelID]
	if !ok {
		return false
	}
	return ml.HasCapacity(domain.ResourceEstimate{})
}

// HasCapacityForJobType reports whether the named job type currently has
// an available slot.
func (l *Limiter) HasCapacityForJobType(jobTypeID string) bool {
	return l.jobTypes.HasCapacity(jobTypeID)
}

// GetActiveJobs returns a snapshot of every job currently between
// acquire and release.
func (l *Limiter) GetActiveJobs() []domain.ActiveJobInfo {
	return l.registry.List()
}

// GetAllocation re-registers this instance with the backend and returns
// the allocation that registration reports, or nil if no backend is
// configured.
func (l *Limiter) GetAllocation(ctx context.Context) (*domain.AllocationInfo, error) {
	if l.backendAdapter == nil {
		return nil, nil
	}
	info, err := l.backendAdapter.Register(ctx, l.instanceID)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetInstanceId returns this process's instance identifier, in the
// "inst-<epochMs>-<9 base36 chars>" form (spec §6).
func (l *Limiter) GetInstanceId() string {
	return l.instanceID
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newInstanceID() string {
	return fmt.Sprintf("inst-%d-%s", time.Now().UnixMilli(), randomBase36(9))
}

func randomBase36(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return string(out)
}
