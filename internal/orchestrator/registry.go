package orchestrator

import (
	"sync"
	"time"

	"github.com/oriys/llmlimiter/internal/domain"
)

// ActiveJobRegistry tracks jobs currently between acquire and
// release/refund, for introspection via getActiveJobs(). Grounded on
// internal/jobtracker.Tracker's in-memory map pattern, narrowed from a
// TTL-swept progress tracker to a simple add/remove registry since a
// job's lifetime here is bounded by the orchestrator's own finally block,
// not by an external heartbeat.
type ActiveJobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*domain.ActiveJobInfo
}

// NewActiveJobRegistry builds an empty registry.
func NewActiveJobRegistry() *ActiveJobRegistry {
	return &ActiveJobRegistry{jobs: map[string]*domain.ActiveJobInfo{}}
}

// Add records a job as active, starting now.
func (r *ActiveJobRegistry) Add(jobID, jobType, modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = &domain.ActiveJobInfo{
		JobID:     jobID,
		JobType:   jobType,
		ModelID:   modelID,
		StartedAt: time.Now(),
	}
}

// UpdateModel records which model a job escalated to, for jobs that
// delegate across more than one model attempt.
func (r *ActiveJobRegistry) UpdateModel(jobID, modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[jobID]; ok {
		j.ModelID = modelID
	}
}

// Remove drops a job from the registry once it completes, fails, or is
// rejected.
func (r *ActiveJobRegistry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// List returns a snapshot of every currently active job.
func (r *ActiveJobRegistry) List() []domain.ActiveJobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ActiveJobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out
}
