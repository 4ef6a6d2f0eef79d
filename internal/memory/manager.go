// Package memory implements component E: a single process-wide memory
// pool shared across all models, resized periodically from host free
// memory, with optional per-job-type sub-pools sized by the Job Type
// Manager's ratios.
package memory

import (
	"context"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oriys/llmlimiter/internal/config"
	"github.com/oriys/llmlimiter/internal/logging"
	"github.com/oriys/llmlimiter/internal/metrics"
	"github.com/oriys/llmlimiter/internal/modellimiter"
)

const defaultFreeMemoryFallbackKB = 1 << 20 // 1 GB, used when /proc/meminfo is unreadable

// Manager is the Memory Manager. It satisfies modellimiter.MemoryPool, so
// a Per-Model Limiter depends on it explicitly at construction rather than
// through a package-level singleton (design note §9).
type Manager struct {
	mu       sync.Mutex
	cfg      config.MemoryConfig
	totalKB  int
	ratios   map[string]float64
	subPools map[string]*modellimiter.Semaphore // keyed by jobTypeID; "" is the undivided default pool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager and performs the initial sizing pass
// immediately, so TryAcquire has a usable pool before Start's periodic
// recalculation begins.
func NewManager(cfg config.MemoryConfig) *Manager {
	m := &Manager{
		cfg:      cfg,
		ratios:   map[string]float64{},
		subPools: map[string]*modellimiter.Semaphore{"": modellimiter.NewSemaphore(0)},
	}
	m.recalculate()
	return m
}

// Start launches the periodic recalculation task, stopped by Stop. This
// is the cancellable-scheduled-task pattern design note §9 requires in
// place of a bare ticker with no shutdown path.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	interval := m.cfg.RecalculationInterval()
	if interval <= 0 {
		interval = time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.recalculate()
			}
		}
	}()
}

// Stop cancels the periodic task and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) recalculate() {
	freeKB := hostFreeMemoryKB()
	ratio := m.cfg.FreeMemoryRatio
	if ratio <= 0 {
		ratio = 1
	}
	total := int(math.Floor(float64(freeKB) * ratio))

	m.mu.Lock()
	m.totalKB = total
	m.resizeSubPoolsLocked()
	m.mu.Unlock()
}

// resizeSubPoolsLocked recomputes every sub-pool's capacity from the
// current total and ratios. Semaphore.Resize wakes any FIFO waiters the
// new, larger capacity can now satisfy.
func (m *Manager) resizeSubPoolsLocked() {
	if len(m.ratios) == 0 {
		m.subPools[""].Resize(m.totalKB)
		return
	}
	for jobTypeID, ratio := range m.ratios {
		size := int(math.Floor(float64(m.totalKB) * ratio))
		pool, ok := m.subPools[jobTypeID]
		if !ok {
			pool = modellimiter.NewSemaphore(size)
			m.subPools[jobTypeID] = pool
			continue
		}
		pool.Resize(size)
	}
}

// SetRatios is called by the Job Type Manager whenever F's ratios change,
// so sub-pool sizes stay proportional to the current capacity shares.
func (m *Manager) SetRatios(ratios map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratios = make(map[string]float64, len(ratios))
	for k, v := range ratios {
		m.ratios[k] = v
	}
	m.resizeSubPoolsLocked()
}

func (m *Manager) poolFor(jobTypeID string) *modellimiter.Semaphore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pool, ok := m.subPools[jobTypeID]; ok {
		return pool
	}
	return m.subPools[""]
}

// TryAcquire reserves kb from jobTypeID's sub-pool, or the undivided pool
// if no sub-pool has been sized for that job type yet.
func (m *Manager) TryAcquire(jobTypeID string, kb int) bool {
	if kb <= 0 {
		return true
	}
	ok := m.poolFor(jobTypeID).TryAcquire(kb)
	if ok {
		m.publishInUse()
	}
	return ok
}

// Release returns kb to jobTypeID's sub-pool.
func (m *Manager) Release(jobTypeID string, kb int) {
	if kb <= 0 {
		return
	}
	m.poolFor(jobTypeID).Release(kb)
	m.publishInUse()
}

func (m *Manager) publishInUse() {
	if c := metrics.Active(); c != nil {
		c.MemoryInUseKB.Set(float64(m.InUseKB()))
	}
}

// TotalKB returns the current process-wide pool size.
func (m *Manager) TotalKB() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalKB
}

// InUseKB returns the sum of in-use memory across all sub-pools.
func (m *Manager) InUseKB() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := 0
	for _, pool := range m.subPools {
		used += pool.InUse()
	}
	return used
}

// hostFreeMemoryKB reads MemAvailable from /proc/meminfo. No library in
// the dependency pack offers cross-platform host memory introspection, so
// this is read directly; on non-Linux or read failure it falls back to a
// conservative static estimate rather than blocking job admission.
func hostFreeMemoryKB() int {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		logging.Op().Warn("host free memory unavailable, using fallback", "error", err)
		return defaultFreeMemoryFallbackKB
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			if kb, err := strconv.Atoi(fields[1]); err == nil {
				return kb
			}
		}
	}
	return defaultFreeMemoryFallbackKB
}
