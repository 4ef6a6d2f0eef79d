// Package orchestrator implements component G, the Multi-Model
// Controller, and component K, the top-level Reservation/Release
// Orchestrator that ties G and F into one job's sequence.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/llmlimiter/internal/domain"
	"github.com/oriys/llmlimiter/internal/metrics"
	"github.com/oriys/llmlimiter/internal/modellimiter"
)

// broadcaster is a channel-based condition variable: wait blocks until the
// next broadcast or ctx cancellation. A plain sync.Cond can't be selected
// on alongside a context, so — same departure rationale as
// modellimiter.Semaphore's FIFO waiters — this swaps Cond's
// broadcast-and-recheck for an explicit channel that's closed and
// replaced on every signal.
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

func (b *broadcaster) wait(ctx context.Context) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *broadcaster) broadcast() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

// JobTypeGate is the subset of the Job Type Manager (F) the controller
// needs: slot bookkeeping plus the per-model view.
type JobTypeGate interface {
	Acquire(jobTypeID string) bool
	Release(jobTypeID string)
	AcquirePerModel(jobTypeID, modelID string) bool
	ReleasePerModel(jobTypeID, modelID string)
	HasCapacityForModel(jobTypeID, modelID string) bool
}

// ModelLimiter is the subset of the Per-Model Limiter (D) the controller
// drives.
type ModelLimiter interface {
	WaitForCapacityWithTimeout(ctx context.Context, jobTypeID string, estimate domain.ResourceEstimate, maxWait time.Duration) (*modellimiter.ReservationContext, bool)
	QueueJobWithReservedCapacity(jobFn modellimiter.JobFunc, rc *modellimiter.ReservationContext) modellimiter.JobResult
	ReleaseReservation(rc *modellimiter.ReservationContext)
	NotifyCapacityAvailable()
	Pricing() *domain.Pricing
}

// JobSpec is one job submission (spec §4.G).
type JobSpec struct {
	JobID          string
	JobType        string
	JobFn          modellimiter.JobFunc
	Estimate       domain.ResourceEstimate
	MaxWaitByModel map[string]time.Duration
}

// JobOutcome is what RunJob returns: the final result, every per-model
// usage entry recorded along the way (in attempt order), the aggregated
// cost, and which model ultimately served (or was last attempted).
type JobOutcome struct {
	Result    modellimiter.JobResult
	Text      string
	Usages    []domain.Usage
	TotalCost float64
	ModelUsed string
}

// Controller is the Multi-Model Controller (G) plus the Orchestrator (K):
// it acquires a job-type slot, then walks escalationOrder trying each
// model's Per-Model Limiter in turn, delegating on a job function's
// explicit delegate outcome.
type Controller struct {
	jobTypes        JobTypeGate
	models          map[string]ModelLimiter
	escalationOrder []string
	registry        *ActiveJobRegistry
	wake            *broadcaster
}

// NewController validates that every name in escalationOrder resolves to
// a configured model.
func NewController(jobTypes JobTypeGate, models map[string]ModelLimiter, escalationOrder []string, registry *ActiveJobRegistry) (*Controller, error) {
	if len(escalationOrder) == 0 {
		return nil, domain.NewConfigError("escalation order must name at least one model")
	}
	for _, id := range escalationOrder {
		if _, ok := models[id]; !ok {
			return nil, domain.NewConfigError("escalation order references unknown model %q", id)
		}
	}
	return &Controller{
		jobTypes:        jobTypes,
		models:          models,
		escalationOrder: escalationOrder,
		registry:        registry,
		wake:            newBroadcaster(),
	}, nil
}

// NotifyJobTypeCapacityChange wakes every goroutine parked in step 1
// waiting for a job-type slot. Wire this as F's onCapacity callback.
func (c *Controller) NotifyJobTypeCapacityChange() {
	c.wake.broadcast()
}

// RunJob executes the one-job sequence of spec §4.G/§4.K: acquire a
// job-type slot (no timeout), then try each model in escalation order,
// reserving via D before running jobFn and releasing in every exit path.
func (c *Controller) RunJob(ctx context.Context, spec JobSpec) (JobOutcome, error) {
	if err := c.waitForJobTypeSlot(ctx, spec.JobType); err != nil {
		return JobOutcome{}, err
	}
	defer c.jobTypes.Release(spec.JobType)

	c.registry.Add(spec.JobID, spec.JobType, "")
	defer c.registry.Remove(spec.JobID)

	var usages []domain.Usage
	var totalCost float64
	lastModel := ""

	for i, modelID := range c.escalationOrder {
		limiter, ok := c.models[modelID]
		if !ok {
			continue
		}
		lastModel = modelID

		if !c.jobTypes.HasCapacityForModel(spec.JobType, modelID) {
			continue
		}

		reserveStart := time.Now()
		rc, ok := limiter.WaitForCapacityWithTimeout(ctx, spec.JobType, spec.Estimate, spec.MaxWaitByModel[modelID])
		if !ok {
			recordReservation(modelID, spec.JobType, "rejected", 0)
			continue
		}

		if !c.jobTypes.AcquirePerModel(spec.JobType, modelID) {
			limiter.ReleaseReservation(rc)
			limiter.NotifyCapacityAvailable()
			recordReservation(modelID, spec.JobType, "queued", 0)
			continue
		}
		recordReservation(modelID, spec.JobType, "admitted", time.Since(reserveStart))
		c.registry.UpdateModel(spec.JobID, modelID)

		result := limiter.QueueJobWithReservedCapacity(spec.JobFn, rc)
		usages = append(usages, result.Usage)
		if pricing := limiter.Pricing(); pricing != nil {
			totalCost += result.Usage.Cost(*pricing)
		}
		c.jobTypes.ReleasePerModel(spec.JobType, modelID)

		switch result.Outcome {
		case modellimiter.OutcomeDone:
			return JobOutcome{Result: result, Text: result.Text, Usages: usages, TotalCost: totalCost, ModelUsed: modelID}, nil
		case modellimiter.OutcomeDelegate:
			if mc := metrics.Active(); mc != nil {
				toModel := ""
				if i+1 < len(c.escalationOrder) {
					toModel = c.escalationOrder[i+1]
				}
				mc.DelegationsTotal.WithLabelValues(modelID, toModel).Inc()
			}
			continue
		default: // OutcomeFail
			return JobOutcome{Result: result, Usages: usages, TotalCost: totalCost, ModelUsed: modelID},
				domain.NewJobThrownError(spec.JobID, modelID, result.Err)
		}
	}

	if c := metrics.Active(); c != nil {
		c.JobsExhausted.Inc()
	}
	return JobOutcome{Usages: usages, TotalCost: totalCost, ModelUsed: lastModel}, domain.NewExhaustedError(spec.JobID, lastModel)
}

// recordReservation feeds ReservationsTotal and, for an admitted
// reservation, ReservationLatency — the time spent parked behind
// WaitForCapacityWithTimeout, in milliseconds.
func recordReservation(modelID, jobType, outcome string, wait time.Duration) {
	c := metrics.Active()
	if c == nil {
		return
	}
	c.ReservationsTotal.WithLabelValues(modelID, jobType, outcome).Inc()
	if outcome == "admitted" {
		c.ReservationLatency.Observe(float64(wait.Milliseconds()))
	}
}

func (c *Controller) waitForJobTypeSlot(ctx context.Context, jobType string) error {
	for {
		if c.jobTypes.Acquire(jobType) {
			return nil
		}
		if err := c.wake.wait(ctx); err != nil {
			return err
		}
	}
}
