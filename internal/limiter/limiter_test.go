package limiter

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/oriys/llmlimiter/internal/config"
	"github.com/oriys/llmlimiter/internal/modellimiter"
)

func baseConfig() *config.Config {
	cfg := config.DefaultConfig()
	rpm := 50
	cfg.Models["gpt-4"] = config.ModelConfig{RequestsPerMinute: rpm}
	cfg.ResourceEstimationsPerJob["chat"] = config.JobTypeEntry{
		EstimatedUsedTokens:  100,
		EstimatedNumRequests: 1,
	}
	return cfg
}

func TestNewRejectsEmptyModels(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := New(cfg, Callbacks{}); err == nil {
		t.Fatal("expected an error for an empty models map")
	}
}

func TestNewRequiresEscalationOrderForMultipleModels(t *testing.T) {
	cfg := baseConfig()
	cfg.Models["claude"] = config.ModelConfig{RequestsPerMinute: 10}
	if _, err := New(cfg, Callbacks{}); err == nil {
		t.Fatal("expected an error when multiple models are configured without an escalation order")
	}
}

func TestNewSingleModelDefaultsEscalationOrder(t *testing.T) {
	cfg := baseConfig()
	l, err := New(cfg, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !l.HasCapacityForModel("gpt-4") {
		t.Fatal("expected a freshly built limiter to have capacity")
	}
}

func TestInstanceIDFormat(t *testing.T) {
	cfg := baseConfig()
	l, err := New(cfg, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := l.GetInstanceId()
	matched, err := regexp.MatchString(`^inst-\d+-[0-9a-z]{9}$`, id)
	if err != nil {
		t.Fatalf("regexp: %v", err)
	}
	if !matched {
		t.Fatalf("instance id %q does not match the expected format", id)
	}
}

func TestQueueJobRunsSuccessfully(t *testing.T) {
	cfg := baseConfig()
	l, err := New(cfg, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop(context.Background())

	var gotLog bool
	l.callbacks.OnLog = func(msg string, data map[string]any) { gotLog = true }

	outcome, err := l.QueueJob(context.Background(), JobRequest{
		JobID:   "job-1",
		JobType: "chat",
		Job: func(modelID string) modellimiter.JobResult {
			return modellimiter.JobResult{Outcome: modellimiter.OutcomeDone}
		},
	})
	if err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	if outcome.ModelUsed != "gpt-4" {
		t.Fatalf("expected gpt-4 to serve, got %q", outcome.ModelUsed)
	}
	if !gotLog {
		t.Fatal("expected onLog to be invoked")
	}
}

func TestGetStatsReflectsConfiguredModel(t *testing.T) {
	cfg := baseConfig()
	l, err := New(cfg, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stats := l.GetStats()
	if _, ok := stats.Models["gpt-4"]; !ok {
		t.Fatal("expected gpt-4 to appear in GetStats")
	}
	if stats.Memory == nil {
		t.Fatal("expected memory stats to be populated")
	}
}

func TestQueueJobExhaustsWithoutCapacity(t *testing.T) {
	cfg := baseConfig()
	// tokensPerMinute=1 can never satisfy the "chat" job type's
	// estimatedUsedTokens=100: the derived pool share is floor(1/100) = 0
	// slots, so the job never gets a slot and QueueJob returns once ctx
	// expires.
	cfg.Models["gpt-4"] = config.ModelConfig{TokensPerMinute: 1}
	l, err := New(cfg, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = l.QueueJob(ctx, JobRequest{
		JobID:          "job-2",
		JobType:        "chat",
		MaxWaitByModel: map[string]time.Duration{"gpt-4": 50 * time.Millisecond},
		Job: func(modelID string) modellimiter.JobResult {
			t.Fatal("job should not run when capacity never becomes available")
			return modellimiter.JobResult{}
		},
	})
	if err == nil {
		t.Fatal("expected an error when the only model never grants capacity")
	}
}
