package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var recoverOlderThan time.Duration

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Mark stale RUNNING runs as FAILED",
	Long: `Recover scans the run store for records stuck in RUNNING, typically
left behind by a crash mid-stage, and marks those older than the
threshold FAILED. A failed run can then be retried: the retry recomputes
the stage from its durable inputs and replaces the partition.`,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().DurationVar(&recoverOlderThan, "older-than", 30*time.Minute, "only recover runs started longer ago than this")
}

func runRecover(cmd *cobra.Command, args []string) error {
	recs, err := pipeline.coord.Recover(cmd.Context(), recoverOlderThan)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("No stale runs.")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("FAILED    %-6s run=%s date=%s started=%s\n",
			rec.Stage, rec.RunID, rec.LogicalDate, rec.StartedAt.Format(time.RFC3339))
	}
	return nil
}
