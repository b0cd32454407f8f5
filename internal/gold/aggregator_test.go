package gold

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/treadworks/medallion-pipeline/internal/bronze"
	"github.com/treadworks/medallion-pipeline/internal/extract"
	"github.com/treadworks/medallion-pipeline/internal/lake"
	"github.com/treadworks/medallion-pipeline/internal/schema"
	"github.com/treadworks/medallion-pipeline/internal/silver"
)

const testDate = "2024-01-10"

type fixture struct {
	store      lake.Store
	loader     *bronze.Loader
	conformer  *silver.Conformer
	dims       *silver.Dimensions
	aggregator *Aggregator
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
	logger := slog.Default()
	loader := bronze.NewLoader(store, registry, nil, logger, producer)
	dims := silver.NewDimensions(store, nil, logger, producer)
	return &fixture{
		store:      store,
		loader:     loader,
		conformer:  silver.NewConformer(store, loader, registry, nil, logger, producer),
		dims:       dims,
		aggregator: NewAggregator(store, dims, nil, logger, producer),
	}
}

func (f *fixture) load(t *testing.T, dataset, batchID string, records []extract.RawRecord) {
	t.Helper()
	batch := extract.Batch{
		BatchID:      batchID,
		SourceSystem: "test",
		Dataset:      dataset,
		LogicalDate:  testDate,
		ExtractedAt:  time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC),
	}
	if _, err := f.loader.Load(context.Background(), batch, records, false); err != nil {
		t.Fatalf("load %s/%s: %v", dataset, batchID, err)
	}
}

func (f *fixture) conform(t *testing.T) {
	t.Helper()
	if _, err := f.conformer.ConformFacts(context.Background(), testDate, nil); err != nil {
		t.Fatalf("ConformFacts: %v", err)
	}
}

func raw(rowID string, fields map[string]any) extract.RawRecord {
	return extract.RawRecord{
		SourceRowID: rowID,
		IngestionTS: time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC),
		Fields:      fields,
	}
}

func TestInventoryHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.load(t, schema.DatasetInventorySnapshot, "inv1", []extract.RawRecord{
		raw("1", map[string]any{"snapshot_date": testDate, "plant_id": "P1", "sku": "SKU1", "on_hand_qty": 100, "safety_stock_qty": 20}),
		raw("2", map[string]any{"snapshot_date": testDate, "plant_id": "P1", "sku": "SKU2", "on_hand_qty": 5, "safety_stock_qty": 20}),
		raw("3", map[string]any{"snapshot_date": testDate, "plant_id": "P2", "sku": "SKU1", "on_hand_qty": 40, "safety_stock_qty": 10}),
	})
	f.conform(t)

	sums, err := f.aggregator.Aggregate(ctx, testDate, BuiltinDefs())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(sums) != 6 {
		t.Fatalf("published %d KPIs, want 6", len(sums))
	}

	rows, err := ReadKPI[InventoryHealthRow](ctx, f.store, KPIInventoryHealth, testDate)
	if err != nil {
		t.Fatalf("ReadKPI: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("read %d rows, want 2", len(rows))
	}
	p1 := rows[0]
	if p1.PlantID != "P1" || p1.TotalOnHandQty != 105 || p1.SKUsBelowSafety != 1 || p1.SKUCount != 2 {
		t.Fatalf("P1 = %+v", p1)
	}
	if math.Abs(p1.PctSKUsBelowSafety-0.5) > 1e-9 {
		t.Fatalf("P1 pct = %v, want 0.5", p1.PctSKUsBelowSafety)
	}
}

func TestRatioGuard(t *testing.T) {
	if got := ratio(0, 0); got != 0 {
		t.Fatalf("ratio(0, 0) = %v, want 0", got)
	}
	if got := ratio(3, 0); got != 3 {
		t.Fatalf("ratio(3, 0) = %v, want 3 (denominator floored at 1)", got)
	}
	if got := ratio(1, 4); got != 0.25 {
		t.Fatalf("ratio(1, 4) = %v, want 0.25", got)
	}
}

func TestOTIFAndFillRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.load(t, schema.DatasetShipments, "sh1", []extract.RawRecord{
		raw("1", map[string]any{
			"shipment_id": "SH1", "plant_id": "P1", "carrier": "DHL", "sku": "SKU1",
			"shipped_qty": 10, "ship_ts": "2024-01-08T00:00:00Z",
			"eta_ts": "2024-01-10T00:00:00Z", "status": "IN_TRANSIT",
		}),
		raw("2", map[string]any{
			"shipment_id": "SH2", "plant_id": "P1", "carrier": "DHL", "sku": "SKU2",
			"shipped_qty": 30, "ship_ts": "2024-01-08T00:00:00Z",
			"eta_ts": "2024-01-09T00:00:00Z", "status": "IN_TRANSIT",
		}),
		raw("3", map[string]any{
			"shipment_id": "SH3", "plant_id": "P1", "carrier": "UPS", "sku": "SKU3",
			"shipped_qty": 60, "ship_ts": "2024-01-08T00:00:00Z",
			"eta_ts": "2024-01-12T00:00:00Z", "status": "IN_TRANSIT",
		}),
	})
	f.load(t, schema.DatasetShipmentEvents, "ev1", []extract.RawRecord{
		// SH1 on time, in full.
		raw("1", map[string]any{"event_id": "E1", "shipment_id": "SH1", "event_ts": "2024-01-09T12:00:00Z", "status": "DELIVERED"}),
		// SH2 late.
		raw("2", map[string]any{"event_id": "E2", "shipment_id": "SH2", "event_ts": "2024-01-09T18:00:00Z", "status": "DELIVERED"}),
		raw("3", map[string]any{"event_id": "E3", "shipment_id": "SH2", "event_ts": "2024-01-09T06:00:00Z", "status": "SHORT"}),
		// SH3 never delivered.
	})
	f.conform(t)

	if _, err := f.aggregator.Aggregate(ctx, testDate, BuiltinDefs()); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	otif, err := ReadKPI[OTIFRow](ctx, f.store, KPIOTIF, testDate)
	if err != nil {
		t.Fatalf("ReadKPI otif: %v", err)
	}
	if len(otif) != 1 || otif[0].Carrier != "DHL" {
		t.Fatalf("otif rows = %+v, want one DHL row", otif)
	}
	if otif[0].DeliveredShipments != 2 || otif[0].OnTimeInFull != 1 || otif[0].OTIFRate != 0.5 {
		t.Fatalf("DHL otif = %+v", otif[0])
	}

	fill, err := ReadKPI[FillRateRow](ctx, f.store, KPIFillRate, testDate)
	if err != nil {
		t.Fatalf("ReadKPI fill: %v", err)
	}
	if len(fill) != 1 {
		t.Fatalf("fill rows = %+v, want one P1 row", fill)
	}
	// Only SH1's 10 units delivered in full out of 100 shipped.
	if fill[0].ShippedQty != 100 || fill[0].DeliveredQty != 10 || fill[0].FillRate != 0.1 {
		t.Fatalf("P1 fill = %+v", fill[0])
	}
}

func TestSupplierLeadTimeUsesAsOfDimension(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	apply := func(up silver.DimensionUpdate) {
		if _, err := f.dims.Apply(ctx, up); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	apply(silver.DimensionUpdate{
		Dataset: schema.DatasetSupplier, EntityID: "S1",
		Attributes:    map[string]string{"supplier_name": "Acme", "supplier_country": "DE"},
		EffectiveFrom: jan1,
	})
	// Relocated in February; the January snapshot must still say DE.
	apply(silver.DimensionUpdate{
		Dataset: schema.DatasetSupplier, EntityID: "S1",
		Attributes:    map[string]string{"supplier_name": "Acme", "supplier_country": "FR"},
		EffectiveFrom: feb1,
	})

	f.load(t, schema.DatasetPurchaseOrders, "po1", []extract.RawRecord{
		raw("1", map[string]any{
			"cloud_po_id": "PO1", "supplier_id": "S1", "sku": "SKU1", "order_qty": 100,
			"order_date": "2024-01-02", "expected_delivery_date": "2024-01-09",
			"unit_cost_usd": 4.5, "status": "OPEN",
		}),
		raw("2", map[string]any{
			"cloud_po_id": "PO2", "supplier_id": "S1", "sku": "SKU2", "order_qty": 50,
			"order_date": "2024-01-03", "expected_delivery_date": "2024-01-06",
			"unit_cost_usd": 2.0, "status": "OPEN",
		}),
	})
	f.conform(t)

	if _, err := f.aggregator.Aggregate(ctx, testDate, BuiltinDefs()); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	rows, err := ReadKPI[SupplierLeadTimeRow](ctx, f.store, KPISupplierLeadTime, testDate)
	if err != nil {
		t.Fatalf("ReadKPI: %v", err)
	}
	if len(rows) != 1 || rows[0].SupplierCountry != "DE" {
		t.Fatalf("rows = %+v, want one DE row", rows)
	}
	if rows[0].OrderCount != 2 || rows[0].AvgLeadTimeDays != 5 {
		t.Fatalf("DE lead time = %+v, want 2 orders averaging 5 days", rows[0])
	}
}

func TestBackorderAgingBuckets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	po := func(id, expected, status string, qty int) map[string]any {
		return map[string]any{
			"cloud_po_id": id, "supplier_id": "S1", "sku": "SKU1", "order_qty": qty,
			"order_date": "2023-11-01", "expected_delivery_date": expected,
			"unit_cost_usd": 1.0, "status": status,
		}
	}
	f.load(t, schema.DatasetPurchaseOrders, "po1", []extract.RawRecord{
		raw("1", po("PO1", "2024-01-05", "OPEN", 10)),      // 5 days overdue
		raw("2", po("PO2", "2023-12-20", "OPEN", 20)),      // 21 days overdue
		raw("3", po("PO3", "2023-11-20", "OPEN", 30)),      // 51 days overdue
		raw("4", po("PO4", "2023-11-20", "DELIVERED", 40)), // closed, excluded
		raw("5", po("PO5", "2024-02-01", "OPEN", 50)),      // not yet due
	})
	f.conform(t)

	if _, err := f.aggregator.Aggregate(ctx, testDate, BuiltinDefs()); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	rows, err := ReadKPI[BackorderAgingRow](ctx, f.store, KPIBackorderAging, testDate)
	if err != nil {
		t.Fatalf("ReadKPI: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %+v, want three buckets", rows)
	}
	want := map[string]int64{"0-7": 10, "8-30": 20, "31+": 30}
	for _, row := range rows {
		if row.OpenOrders != 1 || row.OrderQty != want[row.AgeBucket] {
			t.Fatalf("bucket %s = %+v", row.AgeBucket, row)
		}
	}
}

func TestAggregateReplacesPartition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.load(t, schema.DatasetInventorySnapshot, "inv1", []extract.RawRecord{
		raw("1", map[string]any{"snapshot_date": testDate, "plant_id": "P1", "sku": "SKU1", "on_hand_qty": 100, "safety_stock_qty": 20}),
		raw("2", map[string]any{"snapshot_date": testDate, "plant_id": "P2", "sku": "SKU1", "on_hand_qty": 50, "safety_stock_qty": 20}),
	})
	f.conform(t)
	if _, err := f.aggregator.Aggregate(ctx, testDate, BuiltinDefs()); err != nil {
		t.Fatalf("first Aggregate: %v", err)
	}

	// A correction arrives: P2's batch is superseded by a later load and
	// silver is rebuilt. Gold must reflect only the new state.
	late := extract.RawRecord{
		SourceRowID: "1",
		IngestionTS: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
		Fields:      map[string]any{"snapshot_date": testDate, "plant_id": "P1", "sku": "SKU1", "on_hand_qty": 80, "safety_stock_qty": 20},
	}
	f.load(t, schema.DatasetInventorySnapshot, "inv2", []extract.RawRecord{late})
	f.conform(t)
	if _, err := f.aggregator.Aggregate(ctx, testDate, BuiltinDefs()); err != nil {
		t.Fatalf("second Aggregate: %v", err)
	}

	rows, err := ReadKPI[InventoryHealthRow](ctx, f.store, KPIInventoryHealth, testDate)
	if err != nil {
		t.Fatalf("ReadKPI: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("read %d rows, want 2", len(rows))
	}
	if rows[0].PlantID != "P1" || rows[0].TotalOnHandQty != 80 {
		t.Fatalf("P1 = %+v, want corrected on_hand 80", rows[0])
	}
}
