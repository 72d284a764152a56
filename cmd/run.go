package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run <lookalike-id>",
	Short: "Run or resume a lookalike job in-process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "run")
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

		if err := env.initRunner(ctx, prometheus.NewRegistry()); err != nil {
			return err
		}

		lk, err := env.Runner.Run(ctx, args[0])
		if err != nil {
			if ctx.Err() != nil {
				zap.L().Warn("run interrupted, job can be resumed", zap.String("lookalike_id", args[0]))
			}
			return err
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(lk)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
