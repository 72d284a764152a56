package main

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/ingest"
	"github.com/sells-group/lookalike/internal/model"
)

var (
	importFile      string
	importOwner     string
	importDomain    string
	importSheet     string
	importDelimiter string
	importProfiles  bool
	importBatchSize int
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a source contact list, or an identity graph extract with --profiles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		opts, err := ingestOptions()
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		if importProfiles {
			n, err := ingest.LoadProfiles(ctx, env.Graph, importFile, opts, importBatchSize)
			if err != nil {
				return eris.Wrap(err, "load profiles")
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]int64{"profiles": n})
		}

		domain := model.Domain(importDomain)
		if !domain.Valid() {
			return eris.Errorf("--domain must be consumer or business, got %q", importDomain)
		}
		if importOwner == "" {
			return eris.New("--owner is required")
		}

		rows, err := ingest.ReadSourceRows(ctx, importFile, opts)
		if err != nil {
			return eris.Wrap(err, "read source")
		}
		src, err := env.Store.CreateSource(ctx, importOwner, domain, rows)
		if err != nil {
			return eris.Wrap(err, "create source")
		}

		zap.L().Info("source imported",
			zap.String("source_id", src.ID),
			zap.String("file", importFile),
			zap.Int("rows", len(rows)),
		)
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"source_id": src.ID,
			"rows":      len(rows),
		})
	},
}

func ingestOptions() (ingest.Options, error) {
	opts := ingest.Options{SheetName: importSheet}
	if importDelimiter != "" {
		r, size := utf8.DecodeRuneInString(importDelimiter)
		if size != len(importDelimiter) {
			return opts, eris.Errorf("--delimiter must be a single character, got %q", importDelimiter)
		}
		opts.Delimiter = r
	}
	return opts, nil
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to a CSV or XLSX file (required)")
	importCmd.Flags().StringVar(&importOwner, "owner", "", "owner of the source")
	importCmd.Flags().StringVar(&importDomain, "domain", string(model.DomainConsumer), "source domain: consumer or business")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "XLSX sheet name (default first sheet)")
	importCmd.Flags().StringVar(&importDelimiter, "delimiter", "", "CSV delimiter (default ,)")
	importCmd.Flags().BoolVar(&importProfiles, "profiles", false, "load the file into the identity graph instead")
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", ingest.DefaultBatchSize, "profiles per upsert with --profiles")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
