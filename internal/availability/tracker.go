// Package availability implements component H, the Availability Tracker:
// it remembers the last value emitted for every (modelId, dimension) pair
// and only invokes the configured callback when a value actually changes,
// plus the derived-slots calculation used across onAvailableSlotsChange
// notifications.
package availability

import (
	"sync"

	"github.com/oriys/llmlimiter/internal/domain"
	"github.com/oriys/llmlimiter/internal/metrics"
)

// Notifier is the onAvailableSlotsChange callback shape from spec §6:
// availability, reason, modelId, and an optional adjustment delta (used
// only by the adjustment reason).
type Notifier func(modelID string, reason domain.AvailabilityReason, value float64, adjustment *float64)

type key struct {
	modelID string
	reason  domain.AvailabilityReason
}

// Tracker is the Availability Tracker.
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[key]float64
	onChange Notifier
}

// New builds a Tracker. onChange may be nil, in which case Publish is a
// no-op bookkeeping call (still useful for tests or a headless limiter).
func New(onChange Notifier) *Tracker {
	return &Tracker{
		lastSeen: map[key]float64{},
		onChange: onChange,
	}
}

// Publish records value for (modelID, reason) and fires onChange only if
// it differs from the last value published for that tuple. Grounded on
// the teacher's autoscaler prevState map (funcID -> snapshot): same idea
// of a per-key cache gating whether a signal is worth acting on, here
// keyed by (model, dimension) instead of (function).
func (t *Tracker) Publish(modelID string, reason domain.AvailabilityReason, value float64) {
	t.publish(modelID, reason, value, nil)
}

// PublishAdjustment is Publish with an adjustment delta attached, for the
// "adjustment" reason fired after AdjustRatios moves ratio between job
// types.
func (t *Tracker) PublishAdjustment(modelID string, reason domain.AvailabilityReason, value, adjustment float64) {
	t.publish(modelID, reason, value, &adjustment)
}

func (t *Tracker) publish(modelID string, reason domain.AvailabilityReason, value float64, adjustment *float64) {
	k := key{modelID: modelID, reason: reason}

	t.mu.Lock()
	prev, ok := t.lastSeen[k]
	changed := !ok || prev != value
	if changed {
		t.lastSeen[k] = value
	}
	t.mu.Unlock()

	if !changed {
		return
	}
	if modelID != "" {
		if c := metrics.Active(); c != nil {
			if reason == domain.ReasonDistributed {
				c.PoolTotalSlots.WithLabelValues(modelID).Set(value)
			} else {
				c.WindowRemaining.WithLabelValues(modelID, string(reason)).Set(value)
			}
		}
	}
	if t.onChange != nil {
		t.onChange(modelID, reason, value, adjustment)
	}
}

// Reset forgets every cached value, so the next Publish for any tuple is
// guaranteed to fire regardless of its value. Used after a backend
// reconnect, when stale local state should not suppress the first update.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = map[key]float64{}
}

// DeriveSlots computes the derived slots view: the minimum, over every
// dimension with a positive estimate, of floor(available/estimate). A
// dimension with a zero or missing estimate is not "active" and is
// excluded. Returns -1 (unbounded) when no dimension is active.
func DeriveSlots(available map[domain.AvailabilityReason]float64, estimates map[domain.AvailabilityReason]int) int {
	best := -1
	for reason, est := range estimates {
		if est <= 0 {
			continue
		}
		avail, ok := available[reason]
		if !ok {
			continue
		}
		slots := int(avail) / est
		if best == -1 || slots < best {
			best = slots
		}
	}
	if best < 0 {
		return -1
	}
	return best
}
