package silver

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/treadworks/medallion-pipeline/internal/bronze"
	"github.com/treadworks/medallion-pipeline/internal/extract"
	"github.com/treadworks/medallion-pipeline/internal/lake"
	"github.com/treadworks/medallion-pipeline/internal/schema"
)

const testDate = "2024-01-01"

type fixture struct {
	store     lake.Store
	loader    *bronze.Loader
	conformer *Conformer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := lake.NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	registry := schema.NewRegistry()
	producer := lake.ProducerInfo{Name: "medallion-pipeline", Version: "test"}
	loader := bronze.NewLoader(store, registry, nil, slog.Default(), producer)
	return &fixture{
		store:     store,
		loader:    loader,
		conformer: NewConformer(store, loader, registry, nil, slog.Default(), producer),
	}
}

func (f *fixture) load(t *testing.T, dataset, batchID string, records []extract.RawRecord) {
	t.Helper()
	batch := extract.Batch{
		BatchID:      batchID,
		SourceSystem: "test",
		Dataset:      dataset,
		LogicalDate:  testDate,
		ExtractedAt:  time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC),
	}
	if _, err := f.loader.Load(context.Background(), batch, records, false); err != nil {
		t.Fatalf("load %s/%s: %v", dataset, batchID, err)
	}
}

func inventoryRecord(rowID string, ingestedAt time.Time, plant, sku string, onHand int) extract.RawRecord {
	return extract.RawRecord{
		SourceRowID: rowID,
		IngestionTS: ingestedAt,
		Fields: map[string]any{
			"snapshot_date":    testDate,
			"plant_id":         plant,
			"sku":              sku,
			"on_hand_qty":      onHand,
			"safety_stock_qty": 20,
		},
	}
}

func TestConformDedupesLastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	early := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	f.load(t, schema.DatasetInventorySnapshot, "b1", []extract.RawRecord{
		inventoryRecord("1", early, "P1", "SKU1", 100),
		inventoryRecord("2", late, "P1", "SKU1", 75), // same key, later write wins
		inventoryRecord("3", early, "P1", "SKU2", 50),
	})

	res, err := f.conformer.ConformFacts(ctx, testDate, nil)
	if err != nil {
		t.Fatalf("ConformFacts: %v", err)
	}
	if res.Duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", res.Duplicates)
	}
	if res.Rows[schema.DatasetInventorySnapshot] != 2 {
		t.Fatalf("inventory rows = %d, want 2", res.Rows[schema.DatasetInventorySnapshot])
	}

	rows, err := ReadFacts[InventoryFact](ctx, f.store, schema.DatasetInventorySnapshot, testDate)
	if err != nil {
		t.Fatalf("ReadFacts: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("read %d rows, want 2", len(rows))
	}
	if rows[0].SKU != "SKU1" || rows[0].OnHandQty != 75 {
		t.Fatalf("first row = %+v, want SKU1 with on_hand 75", rows[0])
	}
	if rows[1].SKU != "SKU2" || rows[1].OnHandQty != 50 {
		t.Fatalf("second row = %+v", rows[1])
	}
}

func TestConformTieBreaksBySourceRowID(t *testing.T) {
	f := newFixture(t)
	ts := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

	f.load(t, schema.DatasetInventorySnapshot, "b1", []extract.RawRecord{
		inventoryRecord("9", ts, "P1", "SKU1", 100),
		inventoryRecord("2", ts, "P1", "SKU1", 42), // same ingestion_ts, lower row id wins
	})
	if _, err := f.conformer.ConformFacts(context.Background(), testDate, nil); err != nil {
		t.Fatalf("ConformFacts: %v", err)
	}

	rows, err := ReadFacts[InventoryFact](context.Background(), f.store, schema.DatasetInventorySnapshot, testDate)
	if err != nil {
		t.Fatalf("ReadFacts: %v", err)
	}
	if len(rows) != 1 || rows[0].OnHandQty != 42 {
		t.Fatalf("rows = %+v, want single row with on_hand 42", rows)
	}
}

func TestConformRerunIsByteIdentical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

	f.load(t, schema.DatasetInventorySnapshot, "b1", []extract.RawRecord{
		inventoryRecord("1", ts, "P1", "SKU1", 100),
		inventoryRecord("2", ts, "P2", "SKU1", 30),
	})

	readBytes := func() []byte {
		ref := lake.PartitionRef{
			Layer:     lake.Silver,
			Dataset:   schema.DatasetInventorySnapshot,
			Partition: lake.DatePartition(testDate),
		}
		data, err := f.store.Read(ctx, ref, "part-00000.parquet")
		if err != nil {
			t.Fatalf("reading partition: %v", err)
		}
		return data
	}

	if _, err := f.conformer.ConformFacts(ctx, testDate, nil); err != nil {
		t.Fatalf("first ConformFacts: %v", err)
	}
	first := readBytes()
	if _, err := f.conformer.ConformFacts(ctx, testDate, nil); err != nil {
		t.Fatalf("second ConformFacts: %v", err)
	}
	second := readBytes()

	if string(first) != string(second) {
		t.Fatal("re-run produced different partition bytes")
	}
}

func TestConformSkipsMalformedAndBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

	f.load(t, schema.DatasetInventorySnapshot, "good", []extract.RawRecord{
		inventoryRecord("1", ts, "P1", "SKU1", 100),
		{SourceRowID: "2", IngestionTS: ts, Fields: map[string]any{"plant_id": "P1"}}, // malformed
	})
	f.load(t, schema.DatasetInventorySnapshot, "bad", []extract.RawRecord{
		inventoryRecord("1", ts, "P9", "SKU9", -5),
	})

	res, err := f.conformer.ConformFacts(ctx, testDate, map[string]bool{"bad": true})
	if err != nil {
		t.Fatalf("ConformFacts: %v", err)
	}
	if res.Malformed != 1 || res.Blocked != 1 {
		t.Fatalf("result = %+v, want 1 malformed and 1 blocked", res)
	}

	rows, err := ReadFacts[InventoryFact](ctx, f.store, schema.DatasetInventorySnapshot, testDate)
	if err != nil {
		t.Fatalf("ReadFacts: %v", err)
	}
	if len(rows) != 1 || rows[0].PlantID != "P1" {
		t.Fatalf("rows = %+v, want only the good batch's valid row", rows)
	}
}

func TestConformEnrichesShipmentsFromEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

	f.load(t, schema.DatasetShipments, "s1", []extract.RawRecord{
		{SourceRowID: "1", IngestionTS: ts, Fields: map[string]any{
			"shipment_id": "SH1", "plant_id": "P1", "carrier": "DHL", "sku": "SKU1",
			"shipped_qty": 10, "ship_ts": "2024-01-01T00:00:00Z",
			"eta_ts": "2024-01-03T00:00:00Z", "status": "in_transit",
		}},
		{SourceRowID: "2", IngestionTS: ts, Fields: map[string]any{
			"shipment_id": "SH2", "plant_id": "P1", "carrier": "DHL", "sku": "SKU2",
			"shipped_qty": 5, "ship_ts": "2024-01-01T00:00:00Z",
			"eta_ts": "2024-01-03T00:00:00Z", "status": "in_transit",
		}},
	})
	f.load(t, schema.DatasetShipmentEvents, "e1", []extract.RawRecord{
		{SourceRowID: "1", IngestionTS: ts, Fields: map[string]any{
			"event_id": "E1", "shipment_id": "SH1",
			"event_ts": "2024-01-02T12:00:00Z", "status": "DELIVERED",
		}},
		{SourceRowID: "2", IngestionTS: ts, Fields: map[string]any{
			"event_id": "E2", "shipment_id": "SH2",
			"event_ts": "2024-01-02T08:00:00Z", "status": "SHORT",
		}},
		{SourceRowID: "3", IngestionTS: ts, Fields: map[string]any{
			"event_id": "E3", "shipment_id": "SH2",
			"event_ts": "2024-01-04T09:00:00Z", "status": "DELIVERED",
		}},
	})

	if _, err := f.conformer.ConformFacts(ctx, testDate, nil); err != nil {
		t.Fatalf("ConformFacts: %v", err)
	}
	rows, err := ReadFacts[ShipmentFact](ctx, f.store, schema.DatasetShipments, testDate)
	if err != nil {
		t.Fatalf("ReadFacts: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("read %d shipments, want 2", len(rows))
	}

	sh1, sh2 := rows[0], rows[1]
	if sh1.ShipmentID != "SH1" {
		sh1, sh2 = sh2, sh1
	}
	if sh1.DeliveredTS != "2024-01-02T12:00:00Z" || !sh1.InFull {
		t.Fatalf("SH1 = %+v, want delivered in full at 2024-01-02T12:00:00Z", sh1)
	}
	if sh2.DeliveredTS != "2024-01-04T09:00:00Z" || sh2.InFull {
		t.Fatalf("SH2 = %+v, want delivered late and not in full", sh2)
	}
	if sh1.Status != EventDelivered || sh2.Status != EventDelivered {
		t.Fatalf("statuses = %s, %s; want DELIVERED", sh1.Status, sh2.Status)
	}
}
