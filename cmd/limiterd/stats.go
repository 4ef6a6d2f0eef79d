package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oriys/llmlimiter/internal/limiter"
)

func statsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print a snapshot of current capacity and job-type state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFlags{
				redisChanged:     cmd.Flags().Changed("redis"),
				redisPassChanged: cmd.Flags().Changed("redis-pass"),
				redisDBChanged:   cmd.Flags().Changed("redis-db"),
			})
			if err != nil {
				return err
			}

			lim, err := limiter.New(cfg, limiter.Callbacks{})
			if err != nil {
				return fmt.Errorf("construct limiter: %w", err)
			}

			ctx := context.Background()
			if err := lim.Start(ctx); err != nil {
				return fmt.Errorf("start limiter: %w", err)
			}
			defer lim.Stop(ctx)

			snapshot := lim.GetStats()

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snapshot)
			}

			printStatsTable(lim, snapshot)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON instead of a table")
	return cmd
}

func printStatsTable(lim *limiter.Limiter, snapshot limiter.Stats) {
	fmt.Printf("instance: %s\n\n", lim.GetInstanceId())

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tCONCURRENCY\tQUEUE DEPTH\tTPM REMAINING\tRPM REMAINING")
	for id, s := range snapshot.Models {
		tpmRemaining := "unlimited"
		if s.TokensPerMinute != nil {
			tpmRemaining = fmt.Sprintf("%d", s.TokensPerMinute.Remaining)
		}
		rpmRemaining := "unlimited"
		if s.RequestsPerMinute != nil {
			rpmRemaining = fmt.Sprintf("%d", s.RequestsPerMinute.Remaining)
		}
		fmt.Fprintf(w, "%s\t%d/%d\t%d\t%s\t%s\n", id, s.ConcurrencyInUse, s.ConcurrencyMax, s.QueueDepth, tpmRemaining, rpmRemaining)
	}
	w.Flush()

	if snapshot.Memory != nil {
		fmt.Printf("\nmemory: %d/%d KB in use\n", snapshot.Memory.InUseKB, snapshot.Memory.TotalKB)
	}

	if len(snapshot.JobTypes) > 0 {
		fmt.Println()
		jw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(jw, "JOB TYPE\tRATIO\tALLOCATED\tIN-FLIGHT\tFLEXIBLE")
		for _, jt := range snapshot.JobTypes {
			fmt.Fprintf(jw, "%s\t%.3f\t%d\t%d\t%t\n", jt.JobTypeID, jt.CurrentRatio, jt.AllocatedSlots, jt.InFlight, jt.Flexible)
		}
		jw.Flush()
	}
}
