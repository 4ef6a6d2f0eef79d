// Package jobtype implements component F, the Job Type Manager: per-job-type
// ratio and slot state, dynamic ratio redistribution between flexible job
// types under load, and the multi-dimensional per-(model,jobType) slot
// formula of spec §4.9.
package jobtype

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oriys/llmlimiter/internal/config"
	"github.com/oriys/llmlimiter/internal/domain"
	"github.com/oriys/llmlimiter/internal/metrics"
)

// RatioSink receives the current ratio of every job type whenever it
// changes, so the Memory Manager's sub-pools stay proportional without F
// holding a direct dependency on internal/memory.
type RatioSink interface {
	SetRatios(map[string]float64)
}

type perModelState struct {
	allocated int
	inFlight  int
}

type jobTypeState struct {
	cfg          domain.JobTypeConfig
	currentRatio float64
	allocated    int
	inFlight     int
	perModel     map[string]*perModelState
}

func (jt *jobTypeState) perModelFor(modelID string) *perModelState {
	pm, ok := jt.perModel[modelID]
	if !ok {
		pm = &perModelState{}
		jt.perModel[modelID] = pm
	}
	return pm
}

// Manager is the Job Type Manager.
type Manager struct {
	mu sync.Mutex

	types        map[string]*jobTypeState
	totalSlots   int
	memoryPoolKB int
	modelPools   map[string]domain.PoolShare

	adjCfg               config.RatioAdjustmentConfig
	releasesSinceAdjust  int

	memory       RatioSink
	onAdjustment func()
	onCapacity   func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager from the configured job types, validating
// ratio configuration synchronously (spec §7: configuration errors throw
// from the constructor).
func NewManager(jobTypes map[string]domain.JobTypeConfig, adjCfg config.RatioAdjustmentConfig, memorySink RatioSink) (*Manager, error) {
	if len(jobTypes) == 0 {
		return nil, domain.NewConfigError("no job types configured")
	}

	m := &Manager{
		types:      map[string]*jobTypeState{},
		modelPools: map[string]domain.PoolShare{},
		adjCfg:     adjCfg,
		memory:     memorySink,
	}

	var explicitSum float64
	var unset []string
	for id, cfg := range jobTypes {
		jt := &jobTypeState{cfg: cfg, perModel: map[string]*perModelState{}}
		if cfg.Ratio.InitialValue != nil {
			jt.currentRatio = *cfg.Ratio.InitialValue
			explicitSum += jt.currentRatio
		} else {
			if !cfg.Flexible() {
				return nil, domain.NewConfigError("job type %q is non-flexible but has no initial ratio", id)
			}
			unset = append(unset, id)
		}
		m.types[id] = jt
	}

	if explicitSum > 1+1e-9 {
		return nil, domain.NewConfigError("job type ratios sum to %.6f, exceeding 1", explicitSum)
	}
	switch {
	case len(unset) > 0:
		share := (1 - explicitSum) / float64(len(unset))
		for _, id := range unset {
			m.types[id].currentRatio = share
		}
	case math.Abs(explicitSum-1) > 1e-9:
		return nil, domain.NewConfigError("job type ratios sum to %.6f, expected 1", explicitSum)
	}

	return m, nil
}

// SetCallbacks registers the adjustment and capacity-change observers.
// Both are optional.
func (m *Manager) SetCallbacks(onAdjustment, onCapacity func()) {
	m.mu.Lock()
	m.onAdjustment = onAdjustment
	m.onCapacity = onCapacity
	m.mu.Unlock()
}

// Start launches the periodic ratio-adjustment task, stopped by Stop —
// a cancellable scheduled task per design note §9.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	interval := m.adjCfg.AdjustmentInterval()
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
				m.AdjustRatios()
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

// HasCapacity reports inFlight < allocatedSlots for jobTypeID.
func (m *Manager) HasCapacity(jobTypeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	jt, ok := m.types[jobTypeID]
	return ok && jt.inFlight < jt.allocated
}

// Acquire increments inFlight only if capacity is present. A contended
// acquire returns false; the caller (the Multi-Model Controller) is
// expected to retry by polling HasCapacity after a capacity-change wake.
func (m *Manager) Acquire(jobTypeID string) bool {
	m.mu.Lock()
	jt, ok := m.types[jobTypeID]
	if !ok || jt.inFlight >= jt.allocated {
		m.mu.Unlock()
		return false
	}
	jt.inFlight++
	inFlight := jt.inFlight
	m.mu.Unlock()

	if c := metrics.Active(); c != nil {
		c.JobTypeInFlight.WithLabelValues(jobTypeID).Set(float64(inFlight))
	}
	return true
}

// Release decrements inFlight and triggers a ratio-adjustment pass every
// releasesPerAdjustment releases.
func (m *Manager) Release(jobTypeID string) {
	m.mu.Lock()
	jt, ok := m.types[jobTypeID]
	var inFlight int
	if ok && jt.inFlight > 0 {
		jt.inFlight--
	}
	if ok {
		inFlight = jt.inFlight
	}
	m.releasesSinceAdjust++
	due := m.adjCfg.ReleasesPerAdjustment > 0 && m.releasesSinceAdjust >= m.adjCfg.ReleasesPerAdjustment
	if due {
		m.releasesSinceAdjust = 0
	}
	m.mu.Unlock()

	if ok {
		if c := metrics.Active(); c != nil {
			c.JobTypeInFlight.WithLabelValues(jobTypeID).Set(float64(inFlight))
		}
	}
	if due {
		m.AdjustRatios()
	}
	m.fireCapacity()
}

// AcquirePerModel and ReleasePerModel track the per-(model,jobType) view
// the Multi-Model Controller updates on reservation and on
// success/delegation (spec §4.G steps 2.c/2.e/2.f).
func (m *Manager) AcquirePerModel(jobTypeID, modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	jt, ok := m.types[jobTypeID]
	if !ok {
		return false
	}
	pm := jt.perModelFor(modelID)
	if pm.inFlight >= pm.allocated {
		return false
	}
	pm.inFlight++
	return true
}

func (m *Manager) ReleasePerModel(jobTypeID, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jt, ok := m.types[jobTypeID]
	if !ok {
		return
	}
	pm := jt.perModelFor(modelID)
	if pm.inFlight > 0 {
		pm.inFlight--
	}
}

// HasCapacityForModel reports whether (jobTypeID, modelID) has an
// allocated, unused slot.
func (m *Manager) HasCapacityForModel(jobTypeID, modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	jt, ok := m.types[jobTypeID]
	if !ok {
		return false
	}
	pm := jt.perModelFor(modelID)
	return pm.inFlight < pm.allocated
}

// SetTotalCapacity distributes total across job types proportional to
// their current ratio, floored, with residual rounding assigned to the
// types with the largest fractional remainder so that
// Σ allocated <= total exactly.
func (m *Manager) SetTotalCapacity(total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTotalCapacityLocked(total)
}

func (m *Manager) setTotalCapacityLocked(total int) {
	m.totalSlots = total

	type remainder struct {
		id    string
		floor int
		frac  float64
	}
	rems := make([]remainder, 0, len(m.types))
	assigned := 0
	for id, jt := range m.types {
		exact := float64(total) * jt.currentRatio
		floor := int(math.Floor(exact))
		rems = append(rems, remainder{id: id, floor: floor, frac: exact - float64(floor)})
		assigned += floor
	}
	sort.Slice(rems, func(i, j int) bool {
		if rems[i].frac != rems[j].frac {
			return rems[i].frac > rems[j].frac
		}
		return rems[i].id < rems[j].id // deterministic tie-break
	})
	leftover := total - assigned
	for i := 0; i < leftover && i < len(rems); i++ {
		rems[i].floor++
	}
	for _, r := range rems {
		m.types[r.id].allocated = r.floor
	}
}

// SetModelPool receives the per-instance pool for one model (from the
// Backend Adapter) and recomputes every job type's per-(model,jobType)
// slot count using the formula of spec §4.9.
func (m *Manager) SetModelPool(modelID string, pool domain.PoolShare) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelPools[modelID] = pool
	for _, jt := range m.types {
		m.recomputeSlotsLocked(jt, modelID, pool)
	}
}

// SetMemoryPoolKB records the process-wide memory pool size, used as the
// additional intersected cap in the §4.9 formula for memory-constrained
// configurations.
func (m *Manager) SetMemoryPoolKB(totalKB int) {
	m.mu.Lock()
	m.memoryPoolKB = totalKB
	for modelID, pool := range m.modelPools {
		for _, jt := range m.types {
			m.recomputeSlotsLocked(jt, modelID, pool)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) recomputeSlotsLocked(jt *jobTypeState, modelID string, pool domain.PoolShare) {
	est := jt.cfg.Estimate()
	ratio := jt.currentRatio

	slots := math.MaxInt64
	dim := func(poolVal int, estVal int) {
		if poolVal <= 0 {
			return
		}
		var s int
		if estVal > 0 {
			s = int(math.Floor(float64(poolVal) / float64(estVal) * ratio))
		} else {
			s = int(math.Floor(float64(poolVal) * ratio))
		}
		if s < slots {
			slots = s
		}
	}
	dim(pool.TokensPerMinute, est.EstimatedTokens)
	dim(pool.TokensPerDay, est.EstimatedTokens)
	dim(pool.RequestsPerMinute, est.EstimatedRequests)
	dim(pool.RequestsPerDay, est.EstimatedRequests)
	dim(pool.TotalSlots, 0) // concurrency: one slot per job, no division

	if slots == math.MaxInt64 {
		slots = 0
	}
	if m.memoryPoolKB > 0 && est.EstimatedMemoryKB > 0 {
		memSlots := int(math.Floor(float64(m.memoryPoolKB) * ratio / float64(est.EstimatedMemoryKB)))
		if memSlots < slots {
			slots = memSlots
		}
	}
	if slots < 0 {
		slots = 0
	}
	jt.perModelFor(modelID).allocated = slots
}

// AdjustRatios runs the dynamic redistribution pass: for each flexible
// job type it computes a load signal inFlight/max(1,allocatedSlots); any
// type over highLoadThreshold pulls ratio from types under
// lowLoadThreshold, up to maxAdjustment per cycle, never taking a donor
// below minRatio. Non-flexible types are never donors nor recipients.
func (m *Manager) AdjustRatios() {
	m.mu.Lock()
	changed := m.adjustRatiosLocked()
	var snapshot map[string]float64
	total := m.totalSlots
	if changed {
		m.setTotalCapacityLocked(total)
		snapshot = m.ratiosSnapshotLocked()
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	if m.memory != nil {
		m.memory.SetRatios(snapshot)
	}
	if c := metrics.Active(); c != nil {
		c.AdjustmentsTotal.Inc()
		for id, ratio := range snapshot {
			c.JobTypeRatio.WithLabelValues(id).Set(ratio)
		}
	}
	m.fireAdjustment()
}

func (m *Manager) adjustRatiosLocked() bool {
	var recipients, donors []*jobTypeState
	for _, jt := range m.types {
		if !jt.cfg.Flexible() {
			continue
		}
		load := float64(jt.inFlight) / math.Max(1, float64(jt.allocated))
		switch {
		case load > m.adjCfg.HighLoadThreshold:
			recipients = append(recipients, jt)
		case load < m.adjCfg.LowLoadThreshold:
			donors = append(donors, jt)
		}
	}
	if len(recipients) == 0 || len(donors) == 0 {
		return false
	}

	moved := false
	for _, recipient := range recipients {
		need := m.adjCfg.MaxAdjustment
		for _, donor := range donors {
			if need <= 0 {
				break
			}
			available := donor.currentRatio - m.adjCfg.MinRatio
			if available <= 0 {
				continue
			}
			transfer := math.Min(need, available)
			donor.currentRatio -= transfer
			recipient.currentRatio += transfer
			need -= transfer
			moved = true
		}
	}
	if moved {
		m.renormalizeLocked()
	}
	return moved
}

// renormalizeLocked corrects floating-point drift so that
// Σ currentRatio stays within 1e-9 of 1, scaling only flexible types.
func (m *Manager) renormalizeLocked() {
	sum := 0.0
	for _, jt := range m.types {
		sum += jt.currentRatio
	}
	diff := 1 - sum
	if math.Abs(diff) < 1e-9 {
		return
	}
	var flexSum float64
	for _, jt := range m.types {
		if jt.cfg.Flexible() {
			flexSum += jt.currentRatio
		}
	}
	if flexSum <= 0 {
		return
	}
	for _, jt := range m.types {
		if jt.cfg.Flexible() {
			jt.currentRatio += diff * (jt.currentRatio / flexSum)
		}
	}
}

func (m *Manager) ratiosSnapshotLocked() map[string]float64 {
	out := make(map[string]float64, len(m.types))
	for id, jt := range m.types {
		out[id] = jt.currentRatio
	}
	return out
}

func (m *Manager) fireAdjustment() {
	m.mu.Lock()
	cb := m.onAdjustment
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (m *Manager) fireCapacity() {
	m.mu.Lock()
	cb := m.onCapacity
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// JobTypeStats is the introspection snapshot for one job type.
type JobTypeStats struct {
	JobTypeID      string
	CurrentRatio   float64
	AllocatedSlots int
	InFlight       int
	Flexible       bool
}

// GetStats returns a snapshot of every job type's state.
func (m *Manager) GetStats() []JobTypeStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobTypeStats, 0, len(m.types))
	for id, jt := range m.types {
		out = append(out, JobTypeStats{
			JobTypeID:      id,
			CurrentRatio:   jt.currentRatio,
			AllocatedSlots: jt.allocated,
			InFlight:       jt.inFlight,
			Flexible:       jt.cfg.Flexible(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobTypeID < out[j].JobTypeID })
	return out
}

// Ratios returns a copy of the current per-job-type ratio map.
func (m *Manager) Ratios() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ratiosSnapshotLocked()
}
