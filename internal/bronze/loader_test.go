package bronze

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/treadworks/medallion-pipeline/internal/extract"
	"github.com/treadworks/medallion-pipeline/internal/lake"
	"github.com/treadworks/medallion-pipeline/internal/schema"
)

func testLoader(t *testing.T) *Loader {
	t.Helper()
	store, err := lake.NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewLoader(store, schema.NewRegistry(), nil, slog.Default(),
		lake.ProducerInfo{Name: "medallion-pipeline", Version: "test"})
}

func supplierBatch(id string) extract.Batch {
	return extract.Batch{
		BatchID:      id,
		SourceSystem: "erp",
		Dataset:      schema.DatasetSupplier,
		LogicalDate:  "2024-03-15",
		ExtractedAt:  time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC),
	}
}

func supplierRecords() []extract.RawRecord {
	ts := time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)
	return []extract.RawRecord{
		{SourceRowID: "1", IngestionTS: ts, Fields: map[string]any{
			"supplier_id": "S1", "supplier_name": "Acme", "supplier_country": "DE",
		}},
		{SourceRowID: "2", IngestionTS: ts, Fields: map[string]any{
			"supplier_id": "S2", "supplier_name": "Globex", "supplier_country": "SG",
		}},
	}
}

func TestLoadAndReadBatch(t *testing.T) {
	l := testLoader(t)
	ctx := context.Background()

	res, err := l.Load(ctx, supplierBatch("B-1"), supplierRecords(), false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Records != 2 || res.Malformed != 0 {
		t.Fatalf("result = %+v, want 2 records, 0 malformed", res)
	}

	got, err := l.ReadBatch(ctx, schema.DatasetSupplier, "B-1")
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d records, want 2", len(got))
	}
	if got[0].BatchID != "B-1" || got[0].String("supplier_id") != "S1" {
		t.Fatalf("first record = %+v", got[0])
	}
}

func TestLoadDuplicateBatch(t *testing.T) {
	l := testLoader(t)
	ctx := context.Background()

	if _, err := l.Load(ctx, supplierBatch("B-1"), supplierRecords(), false); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	_, err := l.Load(ctx, supplierBatch("B-1"), supplierRecords(), false)
	if !errors.Is(err, ErrDuplicateBatch) {
		t.Fatalf("second Load error = %v, want ErrDuplicateBatch", err)
	}

	// Replace is allowed and rewrites the partition.
	res, err := l.Load(ctx, supplierBatch("B-1"), supplierRecords()[:1], true)
	if err != nil {
		t.Fatalf("replace Load: %v", err)
	}
	if res.Records != 1 {
		t.Fatalf("replaced partition has %d records, want 1", res.Records)
	}
}

func TestLoadMarksMalformed(t *testing.T) {
	l := testLoader(t)
	ctx := context.Background()

	records := supplierRecords()
	records = append(records, extract.RawRecord{
		SourceRowID: "3",
		IngestionTS: time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC),
		Fields: map[string]any{
			// Missing supplier_name and supplier_country.
			"supplier_id": "S3",
		},
	})

	res, err := l.Load(ctx, supplierBatch("B-2"), records, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Records != 3 || res.Malformed != 1 {
		t.Fatalf("result = %+v, want 3 records with 1 malformed", res)
	}

	got, err := l.ReadBatch(ctx, schema.DatasetSupplier, "B-2")
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	var badKept bool
	for _, rec := range got {
		if rec.SourceRowID == "3" {
			badKept = true
			if !rec.Malformed {
				t.Fatal("record 3 not marked malformed")
			}
		}
	}
	if !badKept {
		t.Fatal("malformed record was dropped; bronze must keep it")
	}
}

func TestReadBatchNotFound(t *testing.T) {
	l := testLoader(t)
	_, err := l.ReadBatch(context.Background(), schema.DatasetSupplier, "missing")
	if !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("error = %v, want ErrBatchNotFound", err)
	}
}

func TestListBatches(t *testing.T) {
	l := testLoader(t)
	ctx := context.Background()

	for _, id := range []string{"B-2", "B-1"} {
		if _, err := l.Load(ctx, supplierBatch(id), supplierRecords(), false); err != nil {
			t.Fatalf("Load %s: %v", id, err)
		}
	}
	ids, err := l.ListBatches(ctx, schema.DatasetSupplier)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(ids) != 2 || ids[0] != "B-1" || ids[1] != "B-2" {
		t.Fatalf("ListBatches = %v, want [B-1 B-2]", ids)
	}
}

func TestBatchesForDate(t *testing.T) {
	l := testLoader(t)
	ctx := context.Background()

	early := supplierBatch("B-early")
	early.LogicalDate = "2024-03-14"
	for _, b := range []extract.Batch{early, supplierBatch("B-1"), supplierBatch("B-2")} {
		if _, err := l.Load(ctx, b, supplierRecords(), false); err != nil {
			t.Fatalf("Load %s: %v", b.BatchID, err)
		}
	}

	got, err := l.BatchesForDate(ctx, schema.DatasetSupplier, "2024-03-15")
	if err != nil {
		t.Fatalf("BatchesForDate: %v", err)
	}
	if len(got) != 2 || got[0].BatchID != "B-1" || got[1].BatchID != "B-2" {
		t.Fatalf("BatchesForDate = %+v, want B-1 and B-2", got)
	}
}

func TestLoadUnknownDataset(t *testing.T) {
	l := testLoader(t)
	batch := supplierBatch("B-1")
	batch.Dataset = "nonsense"
	_, err := l.Load(context.Background(), batch, nil, false)
	if !errors.Is(err, schema.ErrUnknownDataset) {
		t.Fatalf("error = %v, want ErrUnknownDataset", err)
	}
}
