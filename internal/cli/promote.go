package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var promoteCmd = &cobra.Command{
	Use:   "promote <logical-date>",
	Short: "Promote a logical date through silver and gold",
	Long: `Promote conforms the bronze batches claimed for the logical date into
the silver fact and dimension layers, then aggregates the gold KPI
snapshot. Silver requires every claimed bronze batch to have loaded
successfully; gold requires silver. Gate-blocked batches are skipped
and reported, not fatal. Re-running a date whose stages already
succeeded is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runPromote,
}

func runPromote(cmd *cobra.Command, args []string) error {
	recs, err := pipeline.coord.Promote(cmd.Context(), args[0])
	for _, rec := range recs {
		line := fmt.Sprintf("%-9s %-6s run=%s", rec.Status, rec.Stage, rec.RunID)
		if rec.Error != "" {
			line += " error=" + rec.Error
		}
		fmt.Println(line)
	}
	if err != nil {
		return fmt.Errorf("promote %s: %w", args[0], err)
	}
	return nil
}
