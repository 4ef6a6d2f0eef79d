package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oriys/llmlimiter/internal/domain"
	"github.com/oriys/llmlimiter/internal/limiter"
	"github.com/oriys/llmlimiter/internal/logging"
	"github.com/oriys/llmlimiter/internal/metrics"
)

func serveCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the limiter as a long-lived process, exposing Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFlags{
				redisChanged:     cmd.Flags().Changed("redis"),
				redisPassChanged: cmd.Flags().Changed("redis-pass"),
				redisDBChanged:   cmd.Flags().Changed("redis-db"),
			})
			if err != nil {
				return err
			}

			logging.InitStructured(cfg.Observability.LogFormat, cfg.Observability.LogLevel)

			var metricsServer *http.Server
			if cfg.Observability.MetricsEnabled {
				collectors := metrics.Init(cfg.Observability.MetricsNamespace)
				mux := http.NewServeMux()
				mux.Handle("/metrics", collectors.Handler())
				metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics server exited", "error", err)
					}
				}()
				logging.Op().Info("metrics server listening", "addr", metricsAddr)
			}

			lim, err := limiter.New(cfg, limiter.Callbacks{
				OnLog: func(msg string, data map[string]any) {
					logging.Op().Info(msg, structuredArgs(data)...)
				},
				OnOverage: func(ev domain.OverageEvent) {
					logging.Op().Warn("overage", "model", ev.ModelID, "resource", ev.ResourceType, "overage", ev.Overage)
				},
			})
			if err != nil {
				return fmt.Errorf("construct limiter: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := lim.Start(ctx); err != nil {
				return fmt.Errorf("start limiter: %w", err)
			}
			logging.Op().Info("limiter started", "instance_id", lim.GetInstanceId())

			<-ctx.Done()
			logging.Op().Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := lim.Stop(shutdownCtx); err != nil {
				logging.Op().Warn("limiter stop reported an error", "error", err)
			}
			if metricsServer != nil {
				metricsServer.Shutdown(shutdownCtx)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	return cmd
}

func structuredArgs(data map[string]any) []any {
	out := make([]any, 0, len(data)*2)
	for k, v := range data {
		out = append(out, k, v)
	}
	return out
}
