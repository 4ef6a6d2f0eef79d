package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/oriys/llmlimiter/internal/domain"
)

type fakeAdapter struct {
	registerErr   error
	acquireErr    error
	acquireOK     bool
	registerCalls int
}

func (f *fakeAdapter) Register(ctx context.Context, instanceID string) (domain.AllocationInfo, error) {
	f.registerCalls++
	if f.registerErr != nil {
		return domain.AllocationInfo{}, f.registerErr
	}
	return domain.AllocationInfo{InstanceCount: 3}, nil
}

func (f *fakeAdapter) Unregister(ctx context.Context, instanceID string) error { return nil }

func (f *fakeAdapter) Heartbeat(ctx context.Context, instanceID string) error { return nil }

func (f *fakeAdapter) Subscribe(ctx context.Context, instanceID string, cb func(domain.AllocationInfo)) (func(), error) {
	return func() {}, nil
}

func (f *fakeAdapter) Acquire(ctx context.Context, instanceID, modelID string) (bool, error) {
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	return f.acquireOK, nil
}

func (f *fakeAdapter) Release(ctx context.Context, instanceID, modelID string, actualTokens, actualRequests int, windowStarts domain.WindowStarts) error {
	return nil
}

func TestFallbackAdapterPassesThroughWhenHealthy(t *testing.T) {
	primary := &fakeAdapter{}
	fb := NewFallbackAdapter(primary)

	alloc, err := fb.Register(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if alloc.InstanceCount != 3 {
		t.Fatalf("expected the primary's allocation to pass through, got %+v", alloc)
	}
	if fb.Degraded() {
		t.Fatalf("a healthy primary must not trigger degraded mode")
	}
}

func TestFallbackAdapterDegradesOnRegisterError(t *testing.T) {
	primary := &fakeAdapter{registerErr: errors.New("connection refused")}
	fb := NewFallbackAdapter(primary)

	alloc, err := fb.Register(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("Register must swallow the primary's error and degrade, got err=%v", err)
	}
	if alloc.InstanceCount != 1 {
		t.Fatalf("expected a single-instance unconstrained local allocation, got %+v", alloc)
	}
	if !fb.Degraded() {
		t.Fatalf("expected the adapter to enter degraded mode after a primary error")
	}
}

func TestFallbackAdapterAcquireAlwaysGrantsWhileDegraded(t *testing.T) {
	primary := &fakeAdapter{acquireErr: errors.New("unreachable")}
	fb := NewFallbackAdapter(primary)

	ok, err := fb.Acquire(context.Background(), "inst-1", "model-a")
	if err != nil || !ok {
		t.Fatalf("expected Acquire to grant locally on a primary error, got ok=%v err=%v", ok, err)
	}
	if !fb.Degraded() {
		t.Fatalf("expected degraded mode after the Acquire error")
	}

	// Once degraded, Acquire must grant unconditionally without even
	// consulting the primary again (distinct from the probe path).
	ok, err = fb.Acquire(context.Background(), "inst-1", "model-a")
	if err != nil || !ok {
		t.Fatalf("expected Acquire to keep granting locally while degraded, got ok=%v err=%v", ok, err)
	}
}

func TestFallbackAdapterUnregisterAndHeartbeatNeverErrorWhileDegraded(t *testing.T) {
	primary := &fakeAdapter{registerErr: errors.New("down")}
	fb := NewFallbackAdapter(primary)
	fb.Register(context.Background(), "inst-1") // trigger degrade

	if err := fb.Unregister(context.Background(), "inst-1"); err != nil {
		t.Fatalf("Unregister must not error while degraded, got %v", err)
	}
	if err := fb.Heartbeat(context.Background(), "inst-1"); err != nil {
		t.Fatalf("Heartbeat must not error while degraded, got %v", err)
	}
}

var _ Adapter = (*fakeAdapter)(nil)
