package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	redisAddr  string
	redisPass  string
	redisDB    int
	configFile string
)

const shutdownGrace = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "limiterd",
		Short: "llmlimiter - Multi-dimensional rate limiter for LLM backends",
		Long:  "A rate limiter that admits jobs against per-model token/request/concurrency/memory budgets and escalates across models on delegation",
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "localhost:6379", "Redis address (centralized backend)")
	rootCmd.PersistentFlags().StringVar(&redisPass, "redis-pass", "", "Redis password")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "Redis database")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file, or JSON when it ends in .json (optional, flags override)")

	rootCmd.AddCommand(
		serveCmd(),
		statsCmd(),
		simulateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
