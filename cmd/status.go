package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lookalike/internal/model"
)

var statusPersons bool

var statusCmd = &cobra.Command{
	Use:   "status <lookalike-id>",
	Short: "Show the status of a lookalike job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "status")
		if err != nil {
			return err
		}
		defer env.Close()

		lk, err := env.Store.GetLookalike(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "get lookalike %s", args[0])
		}

		out := map[string]any{"lookalike": lk}
		if lk.Status == model.LookalikeStatusScoring {
			cp, err := env.Store.GetCheckpoint(ctx, lk.ID)
			if err != nil {
				return eris.Wrap(err, "get checkpoint")
			}
			out["checkpoint"] = cp
		}
		if lk.Status == model.LookalikeStatusReady {
			persons, err := env.Store.ListLookalikePersons(ctx, lk.ID)
			if err != nil {
				return eris.Wrap(err, "list lookalike persons")
			}
			out["audience_size"] = len(persons)
			if statusPersons {
				out["persons"] = persons
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusPersons, "persons", false, "include the audience of a ready job")
	rootCmd.AddCommand(statusCmd)
}
