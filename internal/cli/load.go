package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/treadworks/medallion-pipeline/internal/extract"
	"github.com/treadworks/medallion-pipeline/internal/runstore"
)

var (
	loadSource  string
	loadDataset string
	loadDate    string
	loadBatchID string
)

var loadCmd = &cobra.Command{
	Use:   "load [file ...]",
	Short: "Load extract files into bronze",
	Long: `Load appends extract files to the bronze layer as immutable batch
partitions. With no arguments every file in the configured inbox is
loaded; with file arguments only those paths are.

Batch identity is parsed from the file name, which must follow
<dataset>__<logical_date>__<batch_id>.csv (or .jsonl/.ndjson):

  inventory_snapshot__2024-02-01__inv-20240201-eu.csv

The --dataset, --date and --batch-id flags override the parsed values;
they only make sense when loading a single file. A batch that already
succeeded is a no-op, a batch currently loading is rejected, and a
batch whose previous load failed is retried with a full replace.`,
	RunE: runLoad,
}

func init() {
	loadCmd.Flags().StringVar(&loadSource, "source", "erp", "source system recorded on the batch")
	loadCmd.Flags().StringVar(&loadDataset, "dataset", "", "override the dataset parsed from the file name")
	loadCmd.Flags().StringVar(&loadDate, "date", "", "override the logical date (YYYY-MM-DD)")
	loadCmd.Flags().StringVar(&loadBatchID, "batch-id", "", "override the batch id")
}

func runLoad(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	type payload struct {
		name string
		open func() (io.ReadCloser, error)
	}
	var payloads []payload

	if len(args) > 0 {
		for _, path := range args {
			path := path
			payloads = append(payloads, payload{
				name: filepath.Base(path),
				open: func() (io.ReadCloser, error) { return os.Open(path) },
			})
		}
	} else {
		inbox, err := extract.NewInbox(ctx, cfg.Inbox)
		if err != nil {
			return fmt.Errorf("opening inbox: %w", err)
		}
		defer inbox.Close()

		names, err := inbox.List(ctx)
		if err != nil {
			return fmt.Errorf("listing inbox: %w", err)
		}
		for _, name := range names {
			name := name
			payloads = append(payloads, payload{
				name: name,
				open: func() (io.ReadCloser, error) { return inbox.Open(ctx, name) },
			})
		}
	}

	if len(payloads) == 0 {
		fmt.Println("Nothing to load.")
		return nil
	}
	if len(payloads) > 1 && (loadDataset != "" || loadDate != "" || loadBatchID != "") {
		return fmt.Errorf("--dataset/--date/--batch-id apply to a single file, got %d", len(payloads))
	}

	var failed int
	for _, p := range payloads {
		rec, err := loadOne(cmd, p.name, p.open)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "FAILED  %s: %v\n", p.name, err)
			continue
		}
		fmt.Printf("%-9s %s run=%s batch=%s\n", rec.Status, p.name, rec.RunID, rec.BatchIDs[0])
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d extracts failed to load", failed, len(payloads))
	}
	return nil
}

func loadOne(cmd *cobra.Command, name string, open func() (io.ReadCloser, error)) (*runstore.RunRecord, error) {
	batch, err := batchFromName(name)
	if err != nil {
		return nil, err
	}
	if loadDataset != "" {
		batch.Dataset = loadDataset
	}
	if loadDate != "" {
		batch.LogicalDate = loadDate
	}
	if loadBatchID != "" {
		batch.BatchID = loadBatchID
	}
	batch.SourceSystem = loadSource
	batch.ExtractedAt = time.Now().UTC()

	r, err := open()
	if err != nil {
		return nil, err
	}
	rows, err := extract.Decode(name, r)
	r.Close()
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}

	now := time.Now().UTC()
	records := make([]extract.RawRecord, len(rows))
	for i, fields := range rows {
		records[i] = extract.RawRecord{
			BatchID:     batch.BatchID,
			SourceRowID: fmt.Sprintf("%06d", i+1),
			IngestionTS: now,
			Fields:      fields,
		}
	}
	return pipeline.coord.Submit(cmd.Context(), batch, records)
}

// batchFromName parses <dataset>__<logical_date>__<batch_id>.<ext>.
func batchFromName(name string) (extract.Batch, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "__")
	if len(parts) != 3 {
		return extract.Batch{}, fmt.Errorf("extract name %q is not <dataset>__<date>__<batch_id>", name)
	}
	return extract.Batch{
		Dataset:     parts[0],
		LogicalDate: parts[1],
		BatchID:     parts[2],
	}, nil
}
