package modellimiter

import (
	"context"
	"sync"
)

// Semaphore is component B: a weighted permit semaphore with a
// non-blocking TryAcquire, a blocking Acquire, live Resize, and strict
// FIFO wakeup of parked waiters. Default weight is 1.
//
// The waiter queue is an explicit slice of channels rather than a
// sync.Cond broadcast-and-recheck, because the spec requires strict FIFO
// order (invariant: "no waiter remains parked when max-inUse >=
// head-waiter-weight") — a cond broadcast can't guarantee the head wins
// the race against a concurrent TryAcquire.
type Semaphore struct {
	mu      sync.Mutex
	max     int
	inUse   int
	waiters []*semWaiter
}

type semWaiter struct {
	weight int
	grant  chan struct{}
}

// NewSemaphore builds a semaphore with the given maximum. A max of 0
// means unlimited: TryAcquire and Acquire always succeed immediately.
func NewSemaphore(max int) *Semaphore {
	return &Semaphore{max: max}
}

// TryAcquire is the non-blocking variant used on the Per-Model Limiter's
// reservation hot path. It never jumps the FIFO queue: if waiters are
// already parked, a concurrent caller must not steal their slot.
func (s *Semaphore) TryAcquire(weight int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.max == 0 {
		return true
	}
	if len(s.waiters) == 0 && s.max-s.inUse >= weight {
		s.inUse += weight
		return true
	}
	return false
}

// Acquire blocks until weight permits are available or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context, weight int) error {
	s.mu.Lock()
	if s.max == 0 {
		s.mu.Unlock()
		return nil
	}
	if len(s.waiters) == 0 && s.max-s.inUse >= weight {
		s.inUse += weight
		s.mu.Unlock()
		return nil
	}
	w := &semWaiter{weight: weight, grant: make(chan struct{}, 1)}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.grant:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.grant:
			// Granted concurrently with cancellation; honor the grant so
			// the permit isn't leaked with inUse already incremented.
			s.mu.Unlock()
			return nil
		default:
		}
		for i, cur := range s.waiters {
			if cur == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns weight permits and wakes queued waiters in FIFO order,
// stopping at the first waiter the new availability cannot satisfy.
// inUse is never decremented below zero: an over-release is clamped and
// silently tolerated rather than treated as fatal.
func (s *Semaphore) Release(weight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inUse -= weight
	if s.inUse < 0 {
		s.inUse = 0
	}
	s.wakeLocked()
}

// Resize changes max. If increased, wakes as many FIFO waiters as the new
// slack allows.
func (s *Semaphore) Resize(newMax int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = newMax
	s.wakeLocked()
}

func (s *Semaphore) wakeLocked() {
	if s.max == 0 {
		for _, w := range s.waiters {
			w.grant <- struct{}{}
		}
		s.waiters = nil
		return
	}
	for len(s.waiters) > 0 {
		head := s.waiters[0]
		if s.max-s.inUse < head.weight {
			break
		}
		s.inUse += head.weight
		s.waiters = s.waiters[1:]
		head.grant <- struct{}{}
	}
}

// InUse returns the current in-use permit count.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Max returns the current maximum.
func (s *Semaphore) Max() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// Waiting returns the current FIFO queue depth.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
