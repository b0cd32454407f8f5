package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/treadworks/medallion-pipeline/internal/catalog"
)

var (
	qualityBatch   string
	qualityDataset string
	qualityFailed  bool
)

var qualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Query recorded quality gate results",
	Long: `Quality lists gate results recorded in the audit catalog. Requires a
catalog DSN in the configuration; without one the pipeline runs but
records nothing queryable.

Examples:
  medallion quality --batch inv-20240201-eu
  medallion quality --dataset shipments --failed`,
	RunE: runQuality,
}

func init() {
	qualityCmd.Flags().StringVar(&qualityBatch, "batch", "", "filter by batch id")
	qualityCmd.Flags().StringVar(&qualityDataset, "dataset", "", "filter by dataset")
	qualityCmd.Flags().BoolVar(&qualityFailed, "failed", false, "only show failing results")
}

func runQuality(cmd *cobra.Command, args []string) error {
	if cfg.Catalog.PostgresDSN == "" {
		return fmt.Errorf("quality queries need catalog.postgres_dsn configured")
	}

	results, err := pipeline.catalog.QualityResults(cmd.Context(), catalog.Filter{
		BatchID: qualityBatch,
		Dataset: qualityDataset,
	})
	if err != nil {
		return fmt.Errorf("querying quality results: %w", err)
	}

	if qualityFailed {
		filtered := results[:0]
		for _, res := range results {
			if !res.Passed {
				filtered = append(filtered, res)
			}
		}
		results = filtered
	}

	if len(results) == 0 {
		fmt.Println("No quality results found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RULE\tDATASET\tBATCH\tSEVERITY\tPASSED\tVIOLATIONS\tSAMPLES")
	for _, res := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
			res.RuleID, res.Dataset, res.BatchID, res.Severity,
			res.Passed, res.ViolationCount, strings.Join(res.SampleViolations, "; "))
	}
	return w.Flush()
}
