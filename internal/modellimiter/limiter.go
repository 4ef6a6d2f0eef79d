package modellimiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/llmlimiter/internal/domain"
	"github.com/oriys/llmlimiter/internal/logging"
	"github.com/oriys/llmlimiter/internal/metrics"
)

// MemoryPool is the explicit per-limiter dependency a Limiter uses for its
// memory dimension, replacing a global memory-manager singleton (design
// note §9). internal/memory.Manager implements this for a named job type's
// sub-pool.
type MemoryPool interface {
	TryAcquire(jobTypeID string, kb int) bool
	Release(jobTypeID string, kb int)
}

// ReservationContext is component D's handle: the window starts and
// semaphore weights held by one in-flight job. It is created by exactly
// one tryReserve and consumed by exactly one of release or
// queueJobWithReservedCapacity — a second consumption is a no-op logged
// at warn level rather than a panic, per spec invariant 6.
type ReservationContext struct {
	ModelID      string
	JobTypeID    string
	Windows      domain.WindowStarts
	EstTokens    int
	EstRequests  int
	MemoryKB     int
	estimateZero bool
	released     atomic.Bool
}

// tryConsume returns true the first time it is called on a given
// ReservationContext, and false on every call after — the single gate
// enforcing "released exactly once" (spec invariant 6).
func (rc *ReservationContext) tryConsume() bool {
	return rc.released.CompareAndSwap(false, true)
}

// JobOutcome is the explicit status a job function reports, replacing
// exception-based delegation control (design note §9).
type JobOutcome string

const (
	OutcomeDone     JobOutcome = "done"
	OutcomeDelegate JobOutcome = "delegate"
	OutcomeFail     JobOutcome = "fail"
)

// JobResult is what a job function returns.
type JobResult struct {
	Outcome JobOutcome
	Usage   domain.Usage
	Text    string
	Err     error
}

// JobFunc is the job body the orchestrator invokes once a reservation is
// held. It receives the model it was reserved against.
type JobFunc func(modelID string) JobResult

// Limiter is component D: the Per-Model Limiter. It composes time-window
// counters (A), a concurrency semaphore (B), and a capacity wait queue
// (C) into one model's admission controller, performing atomic
// cross-dimensional reservation and window-aware refund.
//
// Per spec §5, a single mutex covers the whole reservation sequence —
// this is the Go-runtime translation of the spec's single-threaded
// cooperative model.
type Limiter struct {
	mu sync.Mutex

	modelID string
	pricing *domain.Pricing

	rpm *TimeWindowCounter
	rpd *TimeWindowCounter
	tpm *TimeWindowCounter
	tpd *TimeWindowCounter

	concurrency *Semaphore
	memory      MemoryPool

	queue *CapacityWaitQueue

	onOverage func(domain.OverageEvent)
}

const dayMs = 24 * time.Hour

// NewLimiter builds a Per-Model Limiter from a model's configured limits.
// A nil limit pointer means that dimension is unlimited, per spec §3.
func NewLimiter(limits domain.ModelLimits, memory MemoryPool) *Limiter {
	l := &Limiter{
		modelID: limits.ModelID,
		pricing: limits.Pricing,
		memory:  memory,
		queue:   NewCapacityWaitQueue(),
	}
	if limits.RequestsPerMinute != nil {
		l.rpm = NewTimeWindowCounter(*limits.RequestsPerMinute, time.Minute)
	}
	if limits.RequestsPerDay != nil {
		l.rpd = NewTimeWindowCounter(*limits.RequestsPerDay, dayMs)
	}
	if limits.TokensPerMinute != nil {
		l.tpm = NewTimeWindowCounter(*limits.TokensPerMinute, time.Minute)
	}
	if limits.TokensPerDay != nil {
		l.tpd = NewTimeWindowCounter(*limits.TokensPerDay, dayMs)
	}
	maxConcurrent := 0
	if limits.MaxConcurrentRequests != nil {
		maxConcurrent = *limits.MaxConcurrentRequests
	}
	l.concurrency = NewSemaphore(maxConcurrent)
	return l
}

// ModelID returns the model this limiter governs.
func (l *Limiter) ModelID() string { return l.modelID }

// TryReserve checks all active dimensions, captures WindowStarts, then
// atomically increments each dimension in a fixed order (time-windows
// first, memory, concurrency). If memory or concurrency's non-blocking
// acquire fails after the time-window increments, those increments are
// rolled back and nil is returned.
func (l *Limiter) TryReserve(jobTypeID string, estimate domain.ResourceEstimate) (*ReservationContext, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tryReserveLocked(jobTypeID, estimate)
}

func (l *Limiter) tryReserveLocked(jobTypeID string, estimate domain.ResourceEstimate) (*ReservationContext, bool) {
	estimateZero := estimate.IsZero()

	if !estimateZero {
		if l.tpm != nil && !l.tpm.HasCapacityFor(estimate.EstimatedTokens) {
			return nil, false
		}
		if l.tpd != nil && !l.tpd.HasCapacityFor(estimate.EstimatedTokens) {
			return nil, false
		}
		if l.rpm != nil && !l.rpm.HasCapacityFor(estimate.EstimatedRequests) {
			return nil, false
		}
		if l.rpd != nil && !l.rpd.HasCapacityFor(estimate.EstimatedRequests) {
			return nil, false
		}
	}

	windows := domain.WindowStarts{}
	if l.rpm != nil {
		windows.RequestsMinute = l.rpm.GetWindowStart()
	}
	if l.rpd != nil {
		windows.RequestsDay = l.rpd.GetWindowStart()
	}
	if l.tpm != nil {
		windows.TokensMinute = l.tpm.GetWindowStart()
	}
	if l.tpd != nil {
		windows.TokensDay = l.tpd.GetWindowStart()
	}

	if !estimateZero {
		if l.tpm != nil {
			l.tpm.Add(estimate.EstimatedTokens)
		}
		if l.tpd != nil {
			l.tpd.Add(estimate.EstimatedTokens)
		}
		if l.rpm != nil {
			l.rpm.Add(estimate.EstimatedRequests)
		}
		if l.rpd != nil {
			l.rpd.Add(estimate.EstimatedRequests)
		}
	}

	rollbackWindows := func() {
		if estimateZero {
			return
		}
		if l.tpm != nil {
			l.tpm.SubtractIfSameWindow(estimate.EstimatedTokens, windows.TokensMinute)
		}
		if l.tpd != nil {
			l.tpd.SubtractIfSameWindow(estimate.EstimatedTokens, windows.TokensDay)
		}
		if l.rpm != nil {
			l.rpm.SubtractIfSameWindow(estimate.EstimatedRequests, windows.RequestsMinute)
		}
		if l.rpd != nil {
			l.rpd.SubtractIfSameWindow(estimate.EstimatedRequests, windows.RequestsDay)
		}
	}

	gotMemory := true
	if l.memory != nil && estimate.EstimatedMemoryKB > 0 {
		gotMemory = l.memory.TryAcquire(jobTypeID, estimate.EstimatedMemoryKB)
	}
	if !gotMemory {
		rollbackWindows()
		return nil, false
	}

	if !l.concurrency.TryAcquire(1) {
		if l.memory != nil && estimate.EstimatedMemoryKB > 0 {
			l.memory.Release(jobTypeID, estimate.EstimatedMemoryKB)
		}
		rollbackWindows()
		return nil, false
	}
	l.publishConcurrencyInUse()

	rc := &ReservationContext{
		ModelID:      l.modelID,
		JobTypeID:    jobTypeID,
		Windows:      windows,
		EstTokens:    estimate.EstimatedTokens,
		EstRequests:  estimate.EstimatedRequests,
		MemoryKB:     estimate.EstimatedMemoryKB,
		estimateZero: estimateZero,
	}
	return rc, true
}

// WaitForCapacityWithTimeout wraps TryReserve in the CapacityWaitQueue.
// maxWait <= 0 means no queueing: a saturated model is skipped
// immediately (spec boundary behavior 12). When the earliest time window
// resets before maxWait elapses, a timer re-walks the queue at that
// boundary.
func (l *Limiter) WaitForCapacityWithTimeout(ctx context.Context, jobTypeID string, estimate domain.ResourceEstimate, maxWait time.Duration) (*ReservationContext, bool) {
	tryReserve := func() (*ReservationContext, bool) {
		return l.TryReserve(jobTypeID, estimate)
	}
	onAbandon := func(rc *ReservationContext) {
		l.ReleaseReservation(rc)
	}
	l.mu.Lock()
	var untilReset time.Duration
	for _, c := range []*TimeWindowCounter{l.rpm, l.rpd, l.tpm, l.tpd} {
		if c != nil {
			if d := c.GetTimeUntilReset(); d > 0 && (untilReset == 0 || d < untilReset) {
				untilReset = d
			}
		}
	}
	l.mu.Unlock()
	if untilReset > 0 && untilReset < maxWait {
		resetTimer := time.AfterFunc(untilReset, l.queue.NotifyCapacityAvailable)
		defer resetTimer.Stop()
	}
	return l.queue.WaitForCapacity(ctx, tryReserve, onAbandon, maxWait)
}

// QueueJobWithReservedCapacity invokes jobFn under an already-held
// reservation. On completion it records actual usage (refunding the
// positive difference between estimate and actual, or adding the
// overage), and on every exit path releases memory and concurrency, then
// wakes the wait queue so parked waiters can retry.
func (l *Limiter) QueueJobWithReservedCapacity(jobFn JobFunc, rc *ReservationContext) JobResult {
	result := jobFn(l.modelID)

	l.mu.Lock()
	if l.recordActualUsageLocked(rc, result.Usage) {
		l.releaseHeldLocked(rc)
	}
	l.mu.Unlock()

	l.queue.NotifyCapacityAvailable()
	return result
}

// ReleaseReservation is called when the caller decides not to run jobFn
// (e.g. delegation succeeded elsewhere, or a queued waiter was abandoned
// after being granted). It releases memory and concurrency
// unconditionally; time-window counters are refunded only if still in
// the same window. It does not wake the wait queue; callers that want
// parked waiters retried call NotifyCapacityAvailable.
func (l *Limiter) ReleaseReservation(rc *ReservationContext) {
	if rc == nil || !rc.tryConsume() {
		if rc != nil {
			logging.Op().Warn("reservation already released", "model", l.modelID, "job_type", rc.JobTypeID)
		}
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !rc.estimateZero {
		if l.tpm != nil {
			l.tpm.SubtractIfSameWindow(rc.EstTokens, rc.Windows.TokensMinute)
		}
		if l.tpd != nil {
			l.tpd.SubtractIfSameWindow(rc.EstTokens, rc.Windows.TokensDay)
		}
		if l.rpm != nil {
			l.rpm.SubtractIfSameWindow(rc.EstRequests, rc.Windows.RequestsMinute)
		}
		if l.rpd != nil {
			l.rpd.SubtractIfSameWindow(rc.EstRequests, rc.Windows.RequestsDay)
		}
	}
	l.releaseHeldUnguardedLocked(rc)
}

// recordActualUsageLocked diffs actual vs estimated per dimension,
// refunding the positive difference or recording the overage, and marks
// the reservation consumed. It returns false, touching no counter, if the
// reservation was already consumed. Must be called with l.mu held.
func (l *Limiter) recordActualUsageLocked(rc *ReservationContext, usage domain.Usage) bool {
	if !rc.tryConsume() {
		logging.Op().Warn("reservation already released", "model", l.modelID, "job_type", rc.JobTypeID)
		return false
	}

	actualTokens := usage.TotalTokens()
	actualRequests := usage.RequestCount
	if actualRequests == 0 {
		actualRequests = 1
	}

	if rc.estimateZero {
		if l.tpm != nil {
			l.tpm.Add(actualTokens)
		}
		if l.tpd != nil {
			l.tpd.Add(actualTokens)
		}
		if l.rpm != nil {
			l.rpm.Add(actualRequests)
		}
		if l.rpd != nil {
			l.rpd.Add(actualRequests)
		}
		return true
	}

	l.refundOrOverage(l.tpm, "tokens", rc.EstTokens, actualTokens, rc.Windows.TokensMinute)
	l.refundOrOverage(l.tpd, "tokens", rc.EstTokens, actualTokens, rc.Windows.TokensDay)
	l.refundOrOverage(l.rpm, "requests", rc.EstRequests, actualRequests, rc.Windows.RequestsMinute)
	l.refundOrOverage(l.rpd, "requests", rc.EstRequests, actualRequests, rc.Windows.RequestsDay)
	return true
}

func (l *Limiter) refundOrOverage(counter *TimeWindowCounter, resourceType string, estimated, actual int, windowStart time.Time) {
	if counter == nil {
		return
	}
	diff := estimated - actual
	if diff > 0 {
		counter.SubtractIfSameWindow(diff, windowStart)
		return
	}
	if diff < 0 {
		overage := -diff
		counter.Add(overage)
		if l.onOverage != nil {
			l.onOverage(domain.OverageEvent{
				ModelID:      l.modelID,
				ResourceType: resourceType,
				Estimated:    estimated,
				Actual:       actual,
				Overage:      overage,
				Timestamp:    time.Now(),
			})
		}
	}
}

// releaseHeldLocked releases memory and concurrency for a reservation
// already marked consumed by the caller (recordActualUsageLocked).
func (l *Limiter) releaseHeldLocked(rc *ReservationContext) {
	l.releaseHeldUnguardedLocked(rc)
}

func (l *Limiter) releaseHeldUnguardedLocked(rc *ReservationContext) {
	if l.memory != nil && rc.MemoryKB > 0 {
		l.memory.Release(rc.JobTypeID, rc.MemoryKB)
	}
	l.concurrency.Release(1)
	l.publishConcurrencyInUse()
}

// publishConcurrencyInUse feeds the ConcurrencyInUse gauge from the
// semaphore's own counter; a no-op when metrics aren't initialized.
func (l *Limiter) publishConcurrencyInUse() {
	if c := metrics.Active(); c != nil {
		c.ConcurrencyInUse.WithLabelValues(l.modelID).Set(float64(l.concurrency.InUse()))
	}
}

// SetRateLimits applies a live limit change, used by the backend adapter
// when a new pool allocation arrives.
func (l *Limiter) SetRateLimits(tokensPerMinute, requestsPerMinute *int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tokensPerMinute != nil && l.tpm != nil {
		l.tpm.SetLimit(*tokensPerMinute)
	}
	if requestsPerMinute != nil && l.rpm != nil {
		l.rpm.SetLimit(*requestsPerMinute)
	}
}

// SetOnOverage registers the overage observer.
func (l *Limiter) SetOnOverage(fn func(domain.OverageEvent)) {
	l.mu.Lock()
	l.onOverage = fn
	l.mu.Unlock()
}

// NotifyCapacityAvailable re-walks the wait queue; used by the backend
// adapter after a distributed allocation change.
func (l *Limiter) NotifyCapacityAvailable() {
	l.queue.NotifyCapacityAvailable()
}

// HasCapacity reports whether this limiter has capacity for one future
// reservation given current estimates: memory and concurrency are
// checked at their current in-use level, and time-window dimensions are
// checked with the estimate rounded up to 1 if the caller passed 0.
func (l *Limiter) HasCapacity(estimate domain.ResourceEstimate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	tokens := estimate.EstimatedTokens
	if tokens == 0 {
		tokens = 1
	}
	requests := estimate.EstimatedRequests
	if requests == 0 {
		requests = 1
	}

	if l.tpm != nil && !l.tpm.HasCapacityFor(tokens) {
		return false
	}
	if l.tpd != nil && !l.tpd.HasCapacityFor(tokens) {
		return false
	}
	if l.rpm != nil && !l.rpm.HasCapacityFor(requests) {
		return false
	}
	if l.rpd != nil && !l.rpd.HasCapacityFor(requests) {
		return false
	}
	if l.concurrency.Max() > 0 && l.concurrency.InUse() >= l.concurrency.Max() {
		return false
	}
	return true
}

// Stats is the per-model introspection snapshot (spec §6 getModelStats).
type Stats struct {
	ModelID           string
	RequestsPerMinute *WindowStats
	RequestsPerDay    *WindowStats
	TokensPerMinute   *WindowStats
	TokensPerDay      *WindowStats
	ConcurrencyInUse  int
	ConcurrencyMax    int
	QueueDepth        int
}

// GetStats returns the current snapshot across all configured dimensions.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		ModelID:          l.modelID,
		ConcurrencyInUse: l.concurrency.InUse(),
		ConcurrencyMax:   l.concurrency.Max(),
		QueueDepth:       l.queue.Len(),
	}
	if l.rpm != nil {
		st := l.rpm.GetStats()
		s.RequestsPerMinute = &st
	}
	if l.rpd != nil {
		st := l.rpd.GetStats()
		s.RequestsPerDay = &st
	}
	if l.tpm != nil {
		st := l.tpm.GetStats()
		s.TokensPerMinute = &st
	}
	if l.tpd != nil {
		st := l.tpd.GetStats()
		s.TokensPerDay = &st
	}
	return s
}

// Pricing returns the model's pricing, or nil if unconfigured.
func (l *Limiter) Pricing() *domain.Pricing { return l.pricing }
