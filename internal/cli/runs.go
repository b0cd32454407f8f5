package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/treadworks/medallion-pipeline/internal/runstore"
)

var (
	runsDate  string
	runsStage string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stage runs from the run store",
	Long: `Runs lists RunRecords from the run store. Filter by logical date,
by stage, or both. With no filter, all stages are listed.

Examples:
  medallion runs --date 2024-02-01
  medallion runs --stage silver`,
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsDate, "date", "", "filter by logical date (YYYY-MM-DD)")
	runsCmd.Flags().StringVar(&runsStage, "stage", "", "filter by stage (bronze, silver, gold)")
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var recs []*runstore.RunRecord
	var err error
	switch {
	case runsDate != "":
		recs, err = pipeline.runs.ListByDate(ctx, runsDate)
		if err == nil && runsStage != "" {
			filtered := recs[:0]
			for _, rec := range recs {
				if string(rec.Stage) == runsStage {
					filtered = append(filtered, rec)
				}
			}
			recs = filtered
		}
	case runsStage != "":
		recs, err = pipeline.runs.ListByStage(ctx, runstore.Stage(runsStage))
	default:
		for _, stage := range []runstore.Stage{runstore.StageBronze, runstore.StageSilver, runstore.StageGold} {
			stageRecs, listErr := pipeline.runs.ListByStage(ctx, stage)
			if listErr != nil {
				err = listErr
				break
			}
			recs = append(recs, stageRecs...)
		}
	}
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	if len(recs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].StartedAt.Before(recs[j].StartedAt)
		}
		return recs[i].RunID < recs[j].RunID
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTAGE\tDATE\tSTATUS\tSTARTED\tDURATION\tBATCHES\tERROR")
	for _, rec := range recs {
		dur := "-"
		if !rec.EndedAt.IsZero() {
			dur = rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.RunID, rec.Stage, rec.LogicalDate, rec.Status,
			rec.StartedAt.Format(time.RFC3339), dur, len(rec.BatchIDs), rec.Error)
	}
	return w.Flush()
}
