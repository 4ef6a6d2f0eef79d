package availability

import (
	"testing"

	"github.com/oriys/llmlimiter/internal/domain"
)

func TestPublishOnlyFiresOnChange(t *testing.T) {
	var calls int
	tr := New(func(modelID string, reason domain.AvailabilityReason, value float64, adjustment *float64) {
		calls++
	})

	tr.Publish("gpt-4", domain.ReasonTokensMinute, 1000)
	tr.Publish("gpt-4", domain.ReasonTokensMinute, 1000)
	if calls != 1 {
		t.Fatalf("expected 1 call after two identical publishes, got %d", calls)
	}

	tr.Publish("gpt-4", domain.ReasonTokensMinute, 900)
	if calls != 2 {
		t.Fatalf("expected 2 calls after a changed value, got %d", calls)
	}
}

func TestPublishTracksDimensionsIndependently(t *testing.T) {
	var seen []domain.AvailabilityReason
	tr := New(func(modelID string, reason domain.AvailabilityReason, value float64, adjustment *float64) {
		seen = append(seen, reason)
	})

	tr.Publish("gpt-4", domain.ReasonTokensMinute, 1000)
	tr.Publish("gpt-4", domain.ReasonConcurrency, 5)
	if len(seen) != 2 {
		t.Fatalf("expected independent dimensions to both fire, got %v", seen)
	}
}

func TestResetForcesNextPublish(t *testing.T) {
	var calls int
	tr := New(func(modelID string, reason domain.AvailabilityReason, value float64, adjustment *float64) {
		calls++
	})
	tr.Publish("gpt-4", domain.ReasonMemory, 500)
	tr.Reset()
	tr.Publish("gpt-4", domain.ReasonMemory, 500)
	if calls != 2 {
		t.Fatalf("expected Reset to force a re-fire of an unchanged value, got %d calls", calls)
	}
}

func TestDeriveSlotsMinAcrossActiveDimensions(t *testing.T) {
	available := map[domain.AvailabilityReason]float64{
		domain.ReasonTokensMinute:   50000,
		domain.ReasonRequestsMinute: 25,
		domain.ReasonConcurrency:    100,
	}
	estimates := map[domain.AvailabilityReason]int{
		domain.ReasonTokensMinute:   10000, // 5 slots
		domain.ReasonRequestsMinute: 1,     // 25 slots
		// concurrency has no estimate entry: inactive
	}
	if got := DeriveSlots(available, estimates); got != 5 {
		t.Fatalf("expected derived slots 5, got %d", got)
	}
}

func TestDeriveSlotsUnboundedWhenNoActiveDimension(t *testing.T) {
	if got := DeriveSlots(nil, nil); got != -1 {
		t.Fatalf("expected -1 (unbounded) with no active dimensions, got %d", got)
	}
}
