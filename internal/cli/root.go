package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/treadworks/medallion-pipeline/internal/config"
	"github.com/treadworks/medallion-pipeline/internal/logging"
)

var (
	// Global flags
	configPath string

	// Loaded once per invocation in PersistentPreRunE.
	cfg      config.Config
	pipeline *app
	cleanup  []func() error
)

var rootCmd = &cobra.Command{
	Use:   "medallion",
	Short: "Supply-chain medallion lake pipeline",
	Long: `Medallion runs the bronze/silver/gold lakehouse pipeline for
supply-chain extracts.

Extracts land in an inbox as CSV or JSONL files, get appended to bronze
as immutable batch partitions, conformed into deduplicated silver facts
and SCD2 dimension history, and aggregated into gold KPI snapshots.
Every stage execution is recorded with an idempotency key so retries
and replays are safe.`,
	Version:       "",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, logging.Setup(cfg.Logging))

		// generate only writes inbox files and needs no pipeline.
		if cmd.Name() == "generate" {
			return nil
		}

		pipeline, err = buildApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() error { pipeline.close(); return nil })
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			if err := cleanup[i](); err != nil {
				fmt.Fprintf(os.Stderr, "warning: cleanup failed: %v\n", err)
			}
		}
	},
}

// ExecuteContext runs the command tree with the given context.
func ExecuteContext(ctx context.Context) error {
	rootCmd.Version = Version
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")

	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(qualityCmd)
	rootCmd.AddCommand(generateCmd)
}
