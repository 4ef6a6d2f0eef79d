package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oriys/llmlimiter/internal/domain"
	"github.com/oriys/llmlimiter/internal/limiter"
	"github.com/oriys/llmlimiter/internal/logging"
	"github.com/oriys/llmlimiter/internal/modellimiter"
	"github.com/oriys/llmlimiter/internal/providers/bedrock"
)

func simulateCmd() *cobra.Command {
	var (
		jobType    string
		count      int
		concurrent int
		useBedrock bool
		prompt     string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive count synthetic jobs through the limiter to exercise escalation and delegation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFlags{
				redisChanged:     cmd.Flags().Changed("redis"),
				redisPassChanged: cmd.Flags().Changed("redis-pass"),
				redisDBChanged:   cmd.Flags().Changed("redis-db"),
			})
			if err != nil {
				return err
			}
			if _, ok := cfg.ResourceEstimationsPerJob[jobType]; !ok {
				return fmt.Errorf("job type %q is not configured", jobType)
			}

			logging.InitStructured(cfg.Observability.LogFormat, cfg.Observability.LogLevel)

			lim, err := limiter.New(cfg, limiter.Callbacks{
				OnOverage: func(ev domain.OverageEvent) {
					logging.Op().Warn("overage", "model", ev.ModelID, "resource", ev.ResourceType, "overage", ev.Overage)
				},
			})
			if err != nil {
				return fmt.Errorf("construct limiter: %w", err)
			}

			ctx := context.Background()
			if err := lim.Start(ctx); err != nil {
				return fmt.Errorf("start limiter: %w", err)
			}
			defer lim.Stop(ctx)

			var bedrockClient *bedrock.Client
			if useBedrock {
				bedrockClient, err = bedrock.NewClient(ctx, bedrock.ClientConfig{})
				if err != nil {
					return fmt.Errorf("construct bedrock client: %w", err)
				}
			}

			sem := make(chan struct{}, concurrent)
			results := make(chan simResult, count)

			for i := 0; i < count; i++ {
				sem <- struct{}{}
				go func(i int) {
					defer func() { <-sem }()
					jobID := uuid.NewString()
					job := syntheticJobFunc(jobType, prompt, useBedrock, bedrockClient)
					start := time.Now()
					outcome, err := lim.QueueJob(ctx, limiter.JobRequest{
						JobID:   jobID,
						JobType: jobType,
						Job:     job,
					})
					results <- simResult{
						jobID:    jobID,
						modelUsed: outcome.ModelUsed,
						cost:     outcome.TotalCost,
						duration: time.Since(start),
						err:      err,
					}
				}(i)
			}

			var succeeded, failed int
			for i := 0; i < count; i++ {
				r := <-results
				if r.err != nil {
					failed++
					fmt.Printf("[%s] FAILED model=%s %s (%v)\n", r.jobID, r.modelUsed, r.duration, r.err)
				} else {
					succeeded++
					fmt.Printf("[%s] ok model=%s cost=$%.6f %s\n", r.jobID, r.modelUsed, r.cost, r.duration)
				}
			}
			fmt.Printf("\n%d succeeded, %d failed\n", succeeded, failed)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobType, "job-type", "", "Job type to simulate (required)")
	cmd.Flags().IntVar(&count, "count", 10, "Number of jobs to run")
	cmd.Flags().IntVar(&concurrent, "concurrency", 4, "Maximum jobs in flight at once")
	cmd.Flags().BoolVar(&useBedrock, "bedrock", false, "Call real Bedrock models instead of a synthetic job body")
	cmd.Flags().StringVar(&prompt, "prompt", "Say hello in one sentence.", "Prompt to send when --bedrock is set")
	cmd.MarkFlagRequired("job-type")
	return cmd
}

type simResult struct {
	jobID     string
	modelUsed string
	cost      float64
	duration  time.Duration
	err       error
}

// syntheticJobFunc builds a job body: either a real Bedrock call (when
// useBedrock) or a synthetic one that sleeps briefly and reports
// randomized usage near the configured estimate, to exercise refund and
// overage accounting without a network dependency.
func syntheticJobFunc(jobType, prompt string, useBedrock bool, client *bedrock.Client) modellimiter.JobFunc {
	if useBedrock && client != nil {
		// Demo convenience: configured model IDs are expected to already be
		// native Bedrock model IDs (e.g. "anthropic.claude-3-5-haiku") when
		// --bedrock is set.
		return func(modelID string) modellimiter.JobResult {
			return client.JobFunc(bedrock.ConverseRequest{NativeModelID: modelID, Prompt: prompt})(modelID)
		}
	}
	return func(modelID string) modellimiter.JobResult {
		time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)
		return modellimiter.JobResult{
			Outcome: modellimiter.OutcomeDone,
			Usage: domain.Usage{
				ModelID:      modelID,
				InputTokens:  50 + rand.Intn(100),
				OutputTokens: 20 + rand.Intn(60),
				RequestCount: 1,
			},
		}
	}
}
