package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/llmlimiter/internal/domain"
	"github.com/oriys/llmlimiter/internal/logging"
)

// probeInterval is the minimum time between health probes of the primary
// backend while degraded.
const probeInterval = 5 * time.Second

// FallbackAdapter wraps a primary Adapter (typically RedisAllocator) and
// degrades to a purely local, unconstrained Adapter when the primary
// errors, periodically probing to restore distributed mode once the
// primary recovers. Grounded directly on the teacher's
// FallbackBackend/probeAndRecover pair, generalized from rate-limit
// checks to the full Adapter surface.
type FallbackAdapter struct {
	primary Adapter

	degraded      atomic.Bool
	probeMu       sync.Mutex
	lastProbeTime atomic.Value // time.Time
}

// NewFallbackAdapter wraps primary with local-degraded-mode fallback.
func NewFallbackAdapter(primary Adapter) *FallbackAdapter {
	f := &FallbackAdapter{primary: primary}
	f.lastProbeTime.Store(time.Time{})
	return f
}

// Degraded reports whether the adapter is currently running without its
// primary backend.
func (f *FallbackAdapter) Degraded() bool {
	return f.degraded.Load()
}

func (f *FallbackAdapter) degrade(op string, err error) {
	logging.Op().Warn("backend primary error, degrading to local", "op", op, "error", err)
	f.degraded.Store(true)
	f.lastProbeTime.Store(time.Now())
}

func (f *FallbackAdapter) maybeProbe(ctx context.Context) {
	last, _ := f.lastProbeTime.Load().(time.Time)
	if time.Since(last) <= probeInterval {
		return
	}
	go f.probeAndRecover(ctx)
}

func (f *FallbackAdapter) probeAndRecover(ctx context.Context) {
	if !f.probeMu.TryLock() {
		return
	}
	defer f.probeMu.Unlock()
	f.lastProbeTime.Store(time.Now())

	if err := f.primary.Heartbeat(ctx, "fallback-probe"); err == nil {
		logging.Op().Info("backend primary recovered, resuming distributed mode")
		f.degraded.Store(false)
	}
}

// Register registers with the primary; while degraded it returns an
// unconstrained local allocation (every dimension unlimited) rather than
// blocking admission on an unreachable backend.
func (f *FallbackAdapter) Register(ctx context.Context, instanceID string) (domain.AllocationInfo, error) {
	if f.degraded.Load() {
		f.maybeProbe(ctx)
		return domain.AllocationInfo{InstanceCount: 1}, nil
	}
	alloc, err := f.primary.Register(ctx, instanceID)
	if err != nil {
		f.degrade("register", err)
		return domain.AllocationInfo{InstanceCount: 1}, nil
	}
	return alloc, nil
}

func (f *FallbackAdapter) Unregister(ctx context.Context, instanceID string) error {
	if f.degraded.Load() {
		return nil
	}
	if err := f.primary.Unregister(ctx, instanceID); err != nil {
		f.degrade("unregister", err)
	}
	return nil
}

func (f *FallbackAdapter) Heartbeat(ctx context.Context, instanceID string) error {
	if f.degraded.Load() {
		f.maybeProbe(ctx)
		return nil
	}
	if err := f.primary.Heartbeat(ctx, instanceID); err != nil {
		f.degrade("heartbeat", err)
	}
	return nil
}

// Subscribe is a no-op while degraded: with no primary reachable there is
// nothing to subscribe to, and the caller keeps its last-known allocation.
func (f *FallbackAdapter) Subscribe(ctx context.Context, instanceID string, cb func(domain.AllocationInfo)) (func(), error) {
	if f.degraded.Load() {
		return func() {}, nil
	}
	unsubscribe, err := f.primary.Subscribe(ctx, instanceID, cb)
	if err != nil {
		f.degrade("subscribe", err)
		return func() {}, nil
	}
	return unsubscribe, nil
}

// Acquire always grants locally while degraded: the local Per-Model
// Limiter is still the binding constraint in that mode, so the backend
// check is skipped rather than denying every job cluster-wide.
func (f *FallbackAdapter) Acquire(ctx context.Context, instanceID, modelID string) (bool, error) {
	if f.degraded.Load() {
		f.maybeProbe(ctx)
		return true, nil
	}
	ok, err := f.primary.Acquire(ctx, instanceID, modelID)
	if err != nil {
		f.degrade("acquire", err)
		return true, nil
	}
	return ok, nil
}

func (f *FallbackAdapter) Release(ctx context.Context, instanceID, modelID string, actualTokens, actualRequests int, windowStarts domain.WindowStarts) error {
	if f.degraded.Load() {
		return nil
	}
	if err := f.primary.Release(ctx, instanceID, modelID, actualTokens, actualRequests, windowStarts); err != nil {
		f.degrade("release", err)
	}
	return nil
}
