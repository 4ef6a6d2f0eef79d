package memory

import (
	"testing"

	"github.com/oriys/llmlimiter/internal/config"
)

func TestNewManagerSizesTheUndividedPoolImmediately(t *testing.T) {
	m := NewManager(config.MemoryConfig{FreeMemoryRatio: 0.5})
	if m.TotalKB() <= 0 {
		t.Fatalf("expected a positive total pool size from the initial sizing pass, got %d", m.TotalKB())
	}
}

func TestAcquireReleaseRoundTripsWithinCapacity(t *testing.T) {
	m := NewManager(config.MemoryConfig{FreeMemoryRatio: 1})
	total := m.TotalKB()
	if total <= 0 {
		t.Skip("no usable host memory reading available in this environment")
	}

	if !m.TryAcquire("chat", total) {
		t.Fatalf("expected to acquire the full undivided pool")
	}
	if m.TryAcquire("chat", 1) {
		t.Fatalf("expected the pool to be exhausted after acquiring its full capacity")
	}
	m.Release("chat", total)
	if m.InUseKB() != 0 {
		t.Fatalf("expected InUseKB to return to zero after release, got %d", m.InUseKB())
	}
}

func TestTryAcquireZeroOrNegativeAlwaysSucceeds(t *testing.T) {
	m := NewManager(config.MemoryConfig{FreeMemoryRatio: 1})
	if !m.TryAcquire("chat", 0) || !m.TryAcquire("chat", -5) {
		t.Fatalf("a non-positive request must always succeed without touching the pool")
	}
}

func TestSetRatiosPartitionsTheSubPools(t *testing.T) {
	m := NewManager(config.MemoryConfig{FreeMemoryRatio: 1})
	total := m.TotalKB()
	if total <= 0 {
		t.Skip("no usable host memory reading available in this environment")
	}

	m.SetRatios(map[string]float64{"chat": 0.5, "batch": 0.5})

	chatAcquired := m.TryAcquire("chat", total/2)
	if !chatAcquired {
		t.Fatalf("expected to acquire half the pool under the chat sub-pool")
	}
	if m.TryAcquire("batch", total/2+total) {
		t.Fatalf("the batch sub-pool must not be able to acquire beyond its own share")
	}
}

func TestUnknownJobTypeFallsBackToUndividedPool(t *testing.T) {
	m := NewManager(config.MemoryConfig{FreeMemoryRatio: 1})
	total := m.TotalKB()
	if total <= 0 {
		t.Skip("no usable host memory reading available in this environment")
	}
	if !m.TryAcquire("never-sized", total) {
		t.Fatalf("a job type with no sized sub-pool must fall back to the undivided default pool")
	}
}
