package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/monitoring"
	"github.com/sells-group/lookalike/internal/tracing"
	"github.com/sells-group/lookalike/internal/workflow"
)

var workerMetricsPort int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker that executes lookalike jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		shutdown, err := tracing.Init(ctx, cfg.Tracing)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				zap.L().Warn("tracing shutdown", zap.Error(err))
			}
		}()

		if err := env.Store.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		if err := env.initRunner(ctx, prometheus.DefaultRegisterer); err != nil {
			return err
		}

		c, err := workflow.Dial(ctx, cfg.Temporal.HostPort, cfg.Temporal.Namespace)
		if err != nil {
			return err
		}
		defer c.Close()

		w := workflow.NewWorker(c, cfg.Temporal.TaskQueue, &workflow.Activities{
			Stages:            env.Runner,
			Store:             env.Store,
			HeartbeatInterval: cfg.Temporal.Heartbeat(),
		})

		if workerMetricsPort > 0 {
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", workerMetricsPort),
				Handler:           promhttp.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("metrics server failed", zap.Error(err))
				}
			}()
			defer srv.Close() //nolint:errcheck
			zap.L().Info("serving worker metrics", zap.Int("port", workerMetricsPort))
		}

		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				env.Metrics,
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		zap.L().Info("starting worker",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.String("namespace", cfg.Temporal.Namespace),
		)
		interrupt := make(chan interface{})
		go func() {
			<-ctx.Done()
			close(interrupt)
		}()
		if err := w.Run(interrupt); err != nil {
			return eris.Wrap(err, "worker run")
		}
		zap.L().Info("worker stopped")
		return nil
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerMetricsPort, "metrics-port", 9090, "port for /metrics (0 disables)")
	rootCmd.AddCommand(workerCmd)
}

