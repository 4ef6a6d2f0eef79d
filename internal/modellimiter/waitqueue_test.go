package modellimiter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitForCapacityReturnsImmediatelyWhenReservationSucceeds(t *testing.T) {
	q := NewCapacityWaitQueue()
	rc := &ReservationContext{ModelID: "m"}
	got, ok := q.WaitForCapacity(context.Background(), func() (*ReservationContext, bool) { return rc, true }, nil, time.Second)
	if !ok || got != rc {
		t.Fatalf("expected the immediate reservation to be returned")
	}
	if q.Len() != 0 {
		t.Fatalf("a reservation that never queued must not be in the queue")
	}
}

func TestWaitForCapacityNoQueueingWhenMaxWaitNonPositive(t *testing.T) {
	q := NewCapacityWaitQueue()
	_, ok := q.WaitForCapacity(context.Background(), func() (*ReservationContext, bool) { return nil, false }, nil, 0)
	if ok {
		t.Fatalf("maxWait <= 0 must never succeed once the first try fails")
	}
	if q.Len() != 0 {
		t.Fatalf("maxWait <= 0 must never enqueue, len = %d", q.Len())
	}
}

func TestNotifyCapacityAvailableGrantsFIFOHeadFirst(t *testing.T) {
	q := NewCapacityWaitQueue()

	var capacity int
	tryReserve := func() (*ReservationContext, bool) {
		if capacity <= 0 {
			return nil, false
		}
		capacity--
		return &ReservationContext{}, true
	}

	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			_, ok := q.WaitForCapacity(context.Background(), tryReserve, nil, time.Second)
			if ok {
				results <- i
			}
		}()
	}
	for q.Len() < 2 {
		time.Sleep(time.Millisecond)
	}

	capacity = 1
	q.NotifyCapacityAvailable()
	select {
	case got := <-results:
		if got != 0 {
			t.Fatalf("expected FIFO head (waiter 0) granted first, got waiter %d", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the first waiter to be granted")
	}
	if q.Len() != 1 {
		t.Fatalf("second waiter must remain queued, len = %d", q.Len())
	}

	capacity = 1
	q.NotifyCapacityAvailable()
	select {
	case got := <-results:
		if got != 1 {
			t.Fatalf("expected the remaining waiter granted second, got waiter %d", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the second waiter to be granted")
	}
}

func TestNotifyCapacityAvailableStopsAtFirstBlockedHead(t *testing.T) {
	q := NewCapacityWaitQueue()

	var secondCanReserve atomic.Bool

	go func() {
		q.WaitForCapacity(context.Background(), func() (*ReservationContext, bool) { return nil, false }, nil, time.Hour)
	}()
	for q.Len() < 1 {
		time.Sleep(time.Millisecond)
	}

	var granted atomic.Bool
	go func() {
		_, ok := q.WaitForCapacity(context.Background(), func() (*ReservationContext, bool) {
			if secondCanReserve.Load() {
				return &ReservationContext{}, true
			}
			return nil, false
		}, nil, time.Second)
		granted.Store(ok)
	}()
	for q.Len() < 2 {
		time.Sleep(time.Millisecond)
	}

	secondCanReserve.Store(true)
	q.NotifyCapacityAvailable()
	time.Sleep(20 * time.Millisecond)
	if granted.Load() {
		t.Fatalf("a blocked head must stop the walk; the second waiter must not be granted out of order")
	}
	if q.Len() != 2 {
		t.Fatalf("both waiters should remain queued while the head is blocked, len = %d", q.Len())
	}
}

func TestWaitForCapacityTimesOutAndAbandons(t *testing.T) {
	q := NewCapacityWaitQueue()

	abandonedCh := make(chan *ReservationContext, 1)
	onAbandon := func(rc *ReservationContext) { abandonedCh <- rc }

	_, ok := q.WaitForCapacity(context.Background(), func() (*ReservationContext, bool) { return nil, false }, onAbandon, 10*time.Millisecond)
	if ok {
		t.Fatalf("expected the wait to time out")
	}
	if q.Len() != 0 {
		t.Fatalf("a timed-out waiter must be removed from the queue, len = %d", q.Len())
	}

	// A grant racing the timeout must still invoke onAbandon rather than
	// leak the reservation: simulate by notifying right after re-enqueuing
	// a waiter whose timer has already fired is outside the public API, so
	// this test only exercises the plain timeout-removal path above.
	select {
	case <-abandonedCh:
		t.Fatalf("onAbandon must not fire when the waiter simply timed out without ever being granted")
	default:
	}
}
