// Package modellimiter implements the per-model admission controller:
// rolling time-window counters (component A), a weighted concurrency
// semaphore (component B), a FIFO capacity wait queue (component C), and
// the Per-Model Limiter (component D) that composes them into atomic
// cross-dimensional reservations with window-aware refund.
package modellimiter

import "time"

// WindowStats is the introspection snapshot returned by getStats.
type WindowStats struct {
	Limit      int
	Current    int
	Remaining  int
	ResetsInMs int64
}

// TimeWindowCounter is component A: a rolling per-window sum with an
// atomic capacity check, add/subtract, window-start capture, and
// window-aware refund. All methods assume the caller holds the owning
// Limiter's mutex — the counter has no locking of its own, matching the
// single-mutex-per-limiter discipline of spec §5.
type TimeWindowCounter struct {
	limit       int // 0 means unlimited
	windowMs    int64
	epoch       time.Time
	windowStart time.Time
	currentSum  int
}

// NewTimeWindowCounter builds a counter with the given limit (0 for
// unlimited) and window duration.
func NewTimeWindowCounter(limit int, window time.Duration) *TimeWindowCounter {
	now := time.Now()
	return &TimeWindowCounter{
		limit:       limit,
		windowMs:    window.Milliseconds(),
		epoch:       now,
		windowStart: now,
	}
}

// advance rolls the window forward if due. windowStart is advanced in
// multiples of windowMs from the counter's epoch, so the advance is
// idempotent: calling it twice within the same window is a no-op.
func (c *TimeWindowCounter) advance(now time.Time) {
	if c.windowMs <= 0 {
		return
	}
	elapsedMs := now.Sub(c.epoch).Milliseconds()
	periods := elapsedMs / c.windowMs
	newStart := c.epoch.Add(time.Duration(periods*c.windowMs) * time.Millisecond)
	if newStart.After(c.windowStart) {
		c.windowStart = newStart
		c.currentSum = 0
	}
}

// HasCapacityFor reports whether currentSum+n <= limit after an implicit
// window advance. A zero limit means unlimited.
func (c *TimeWindowCounter) HasCapacityFor(n int) bool {
	c.advance(time.Now())
	if c.limit == 0 {
		return true
	}
	return c.currentSum+n <= c.limit
}

// Add advances the window if due and adds n. It never blocks and never
// rejects — the caller is responsible for having checked HasCapacityFor
// first.
func (c *TimeWindowCounter) Add(n int) {
	c.advance(time.Now())
	c.currentSum += n
}

// SubtractIfSameWindow decrements currentSum by n only if the active
// window's start still equals capturedWindowStart; otherwise it is a
// no-op (a cross-window refund is dropped, per spec §3). currentSum is
// clamped at zero.
func (c *TimeWindowCounter) SubtractIfSameWindow(n int, capturedWindowStart time.Time) {
	c.advance(time.Now())
	if !c.windowStart.Equal(capturedWindowStart) {
		return
	}
	c.currentSum -= n
	if c.currentSum < 0 {
		c.currentSum = 0
	}
}

// GetWindowStart returns the current window's start time.
func (c *TimeWindowCounter) GetWindowStart() time.Time {
	c.advance(time.Now())
	return c.windowStart
}

// GetTimeUntilReset returns the time remaining until the next window
// boundary.
func (c *TimeWindowCounter) GetTimeUntilReset() time.Duration {
	c.advance(time.Now())
	if c.windowMs <= 0 {
		return 0
	}
	next := c.windowStart.Add(time.Duration(c.windowMs) * time.Millisecond)
	remaining := time.Until(next)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SetLimit changes the limit without retroactively evicting existing
// usage: if currentSum already exceeds newLimit, Remaining reports 0 and
// HasCapacityFor(n>=1) stays false until the window rolls.
func (c *TimeWindowCounter) SetLimit(newLimit int) {
	c.limit = newLimit
}

// Limit returns the configured limit (0 means unlimited).
func (c *TimeWindowCounter) Limit() int {
	return c.limit
}

// GetStats returns the introspection snapshot for this counter.
func (c *TimeWindowCounter) GetStats() WindowStats {
	c.advance(time.Now())
	remaining := 0
	if c.limit == 0 {
		remaining = -1 // unlimited, sentinel for callers formatting stats
	} else if c.limit > c.currentSum {
		remaining = c.limit - c.currentSum
	}
	return WindowStats{
		Limit:      c.limit,
		Current:    c.currentSum,
		Remaining:  remaining,
		ResetsInMs: c.GetTimeUntilReset().Milliseconds(),
	}
}
