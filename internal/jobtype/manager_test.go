package jobtype

import (
	"math"
	"testing"

	"github.com/oriys/llmlimiter/internal/config"
	"github.com/oriys/llmlimiter/internal/domain"
)

func ptr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool   { return &b }

func flexibleAdj() config.RatioAdjustmentConfig {
	return config.RatioAdjustmentConfig{
		AdjustmentIntervalMs:  1000,
		ReleasesPerAdjustment: 10,
		HighLoadThreshold:     0.8,
		LowLoadThreshold:      0.3,
		MaxAdjustment:         0.1,
		MinRatio:              0.05,
	}
}

func TestNewManagerNormalizesUnsetRatios(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"chat":  {JobTypeID: "chat", Ratio: domain.RatioConfig{InitialValue: ptr(0.6)}},
		"batch": {JobTypeID: "batch"},
		"audit": {JobTypeID: "audit"},
	}
	m, err := NewManager(types, flexibleAdj(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ratios := m.Ratios()
	if math.Abs(ratios["chat"]-0.6) > 1e-9 {
		t.Fatalf("expected chat ratio 0.6, got %v", ratios["chat"])
	}
	if math.Abs(ratios["batch"]-0.2) > 1e-9 || math.Abs(ratios["audit"]-0.2) > 1e-9 {
		t.Fatalf("expected remaining 0.4 split evenly, got batch=%v audit=%v", ratios["batch"], ratios["audit"])
	}
}

func TestNewManagerRejectsOverAllocatedRatios(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"chat":  {JobTypeID: "chat", Ratio: domain.RatioConfig{InitialValue: ptr(0.7)}},
		"batch": {JobTypeID: "batch", Ratio: domain.RatioConfig{InitialValue: ptr(0.5)}},
	}
	if _, err := NewManager(types, flexibleAdj(), nil); err == nil {
		t.Fatal("expected configuration error for ratios summing above 1")
	}
}

func TestNewManagerRejectsNonFlexibleWithoutInitialRatio(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"chat": {JobTypeID: "chat", Ratio: domain.RatioConfig{Flexible: boolPtr(false)}},
	}
	if _, err := NewManager(types, flexibleAdj(), nil); err == nil {
		t.Fatal("expected configuration error for non-flexible type with no initial ratio")
	}
}

func TestSetTotalCapacityLargestRemainder(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"a": {JobTypeID: "a", Ratio: domain.RatioConfig{InitialValue: ptr(1.0 / 3)}},
		"b": {JobTypeID: "b", Ratio: domain.RatioConfig{InitialValue: ptr(1.0 / 3)}},
		"c": {JobTypeID: "c", Ratio: domain.RatioConfig{InitialValue: ptr(1.0 / 3)}},
	}
	m, err := NewManager(types, flexibleAdj(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.SetTotalCapacity(10)
	total := 0
	for _, s := range m.GetStats() {
		total += s.AllocatedSlots
	}
	if total != 10 {
		t.Fatalf("expected allocated slots to sum to 10, got %d", total)
	}
}

func TestAcquireReleaseHonorsAllocatedSlots(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"chat": {JobTypeID: "chat", Ratio: domain.RatioConfig{InitialValue: ptr(1.0)}},
	}
	m, err := NewManager(types, flexibleAdj(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.SetTotalCapacity(2)

	if !m.Acquire("chat") || !m.Acquire("chat") {
		t.Fatal("expected both slots to be acquirable")
	}
	if m.Acquire("chat") {
		t.Fatal("expected third acquire to fail, capacity exhausted")
	}
	m.Release("chat")
	if !m.HasCapacity("chat") {
		t.Fatal("expected capacity after release")
	}
}

func TestSetModelPoolComputesMinAcrossDimensions(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"chat": {
			JobTypeID:            "chat",
			EstimatedUsedTokens:  10000,
			EstimatedNumRequests: 1,
			Ratio:                domain.RatioConfig{InitialValue: ptr(0.5)},
		},
	}
	m, err := NewManager(types, flexibleAdj(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.SetModelPool("gpt", domain.PoolShare{
		TokensPerMinute:   50000,
		RequestsPerMinute: 25,
	})
	if !m.HasCapacityForModel("chat", "gpt") {
		t.Fatal("expected capacity for gpt/chat")
	}
	for i := 0; i < 2; i++ {
		if !m.AcquirePerModel("chat", "gpt") {
			t.Fatalf("expected acquire %d to succeed", i)
		}
	}
	if m.AcquirePerModel("chat", "gpt") {
		t.Fatal("expected third per-model acquire to fail: min(2, 12) == 2")
	}
}

func TestAdjustRatiosTransfersFromDonorToRecipient(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"hot":  {JobTypeID: "hot", Ratio: domain.RatioConfig{InitialValue: ptr(0.5)}},
		"cold": {JobTypeID: "cold", Ratio: domain.RatioConfig{InitialValue: ptr(0.5)}},
	}
	m, err := NewManager(types, flexibleAdj(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.SetTotalCapacity(10)

	for i := 0; i < 5; i++ {
		m.Acquire("hot")
	}
	// cold stays idle: load 0 < lowLoadThreshold, hot load 1.0 > highLoadThreshold
	m.AdjustRatios()

	ratios := m.Ratios()
	if ratios["hot"] <= 0.5 {
		t.Fatalf("expected hot ratio to increase above 0.5, got %v", ratios["hot"])
	}
	if ratios["cold"] >= 0.5 {
		t.Fatalf("expected cold ratio to decrease below 0.5, got %v", ratios["cold"])
	}
	sum := ratios["hot"] + ratios["cold"]
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("expected ratios to still sum to 1, got %v", sum)
	}
}

func TestAdjustRatiosNeverTouchesNonFlexibleTypes(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"isolated": {
			JobTypeID: "isolated",
			Ratio:     domain.RatioConfig{InitialValue: ptr(0.3), Flexible: boolPtr(false)},
		},
		"hot":  {JobTypeID: "hot", Ratio: domain.RatioConfig{InitialValue: ptr(0.35)}},
		"cold": {JobTypeID: "cold", Ratio: domain.RatioConfig{InitialValue: ptr(0.35)}},
	}
	m, err := NewManager(types, flexibleAdj(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.SetTotalCapacity(10)
	for i := 0; i < 4; i++ {
		m.Acquire("hot")
	}
	m.AdjustRatios()

	ratios := m.Ratios()
	if math.Abs(ratios["isolated"]-0.3) > 1e-9 {
		t.Fatalf("expected isolated ratio to remain 0.3, got %v", ratios["isolated"])
	}
}
