package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/features"
	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/workflow"
)

var (
	createSource  string
	createTier    string
	createFields  string
	createEnqueue bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pending lookalike job for a source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		tier := model.SizeTier(createTier)
		if !tier.Valid() {
			return eris.Errorf("--tier must be small, medium or large, got %q", createTier)
		}
		var fields model.SignificantFields
		if createFields != "" {
			f, err := features.LoadFields(createFields)
			if err != nil {
				return err
			}
			fields = f
		}

		env, err := initEnv(ctx, "create")
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Store.GetSource(ctx, createSource); err != nil {
			return eris.Wrapf(err, "get source %s", createSource)
		}
		lk, err := env.Store.CreateLookalike(ctx, createSource, tier, fields)
		if err != nil {
			return eris.Wrap(err, "create lookalike")
		}
		zap.L().Info("lookalike created", zap.String("lookalike_id", lk.ID), zap.String("tier", createTier))

		out := map[string]any{"lookalike": lk}
		if createEnqueue {
			if err := cfg.Validate("serve"); err != nil {
				return err
			}
			c, err := workflow.Dial(ctx, cfg.Temporal.HostPort, cfg.Temporal.Namespace)
			if err != nil {
				return err
			}
			defer c.Close()
			runID, err := workflow.NewEnqueuer(c, cfg.Temporal.TaskQueue).Enqueue(ctx, lk.ID)
			if err != nil {
				return err
			}
			out["run_id"] = runID
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
	},
}

func init() {
	createCmd.Flags().StringVar(&createSource, "source", "", "source id (required)")
	createCmd.Flags().StringVar(&createTier, "tier", string(model.SizeTierMedium), "audience size tier: small, medium or large")
	createCmd.Flags().StringVar(&createFields, "fields", "", "YAML file of significant fields overriding the domain defaults")
	createCmd.Flags().BoolVar(&createEnqueue, "enqueue", false, "start the background workflow after creating the job")
	_ = createCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(createCmd)
}
