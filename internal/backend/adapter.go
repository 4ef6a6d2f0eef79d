// Package backend implements component I, the Backend Adapter contract,
// and component J, its Redis-backed reference implementation.
package backend

import (
	"context"

	"github.com/oriys/llmlimiter/internal/domain"
)

// Adapter is the Backend Adapter contract of spec §4.I/§6. When no backend
// is configured, the limiter runs entirely on local per-process state and
// never constructs an Adapter at all.
type Adapter interface {
	// Register upserts this instance's heartbeat and returns the current
	// cluster-wide allocation.
	Register(ctx context.Context, instanceID string) (domain.AllocationInfo, error)
	// Unregister removes this instance from the cluster and triggers a
	// reallocation among the rest.
	Unregister(ctx context.Context, instanceID string) error
	// Heartbeat refreshes this instance's liveness timestamp.
	Heartbeat(ctx context.Context, instanceID string) error
	// Subscribe registers cb to be called on every allocation change
	// affecting instanceID. The returned func unsubscribes.
	Subscribe(ctx context.Context, instanceID string, cb func(domain.AllocationInfo)) (unsubscribe func(), err error)
	// Acquire performs the centralized conditional counter bump for one
	// model's slot pool. A false result means the caller must roll back
	// its local reservation and re-queue (spec §5, "local optimism").
	Acquire(ctx context.Context, instanceID, modelID string) (bool, error)
	// Release returns a previously acquired slot and reports actual usage
	// for observability; windowStarts lets a distributed refund implementation
	// authorize a refund only if the relevant window has not rolled over.
	Release(ctx context.Context, instanceID, modelID string, actualTokens, actualRequests int, windowStarts domain.WindowStarts) error
}
