// Package gold computes the business KPI tables from silver facts and
// dimension history. Each KPI is published as a parquet partition per
// snapshot date; recomputation replaces the partition entirely.
package gold

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/treadworks/medallion-pipeline/internal/schema"
	"github.com/treadworks/medallion-pipeline/internal/silver"
)

// KPI dataset names. These are the gold serving contract; renaming one is
// a breaking change for downstream views.
const (
	KPIInventoryHealth   = "kpi_inventory_health"
	KPIOTIF              = "kpi_otif"
	KPIFillRate          = "kpi_fill_rate"
	KPISupplierLeadTime  = "kpi_supplier_lead_time"
	KPIBackorderAging    = "kpi_backorder_aging"
	KPIInventoryTurnover = "kpi_inventory_turnover"
)

// JoinMode says how a KPI resolves dimension attributes.
type JoinMode string

const (
	JoinNone    JoinMode = "none"
	JoinCurrent JoinMode = "current"
	JoinAsOf    JoinMode = "as_of" // version valid at the snapshot date
)

// InventoryHealthRow is one gold inventory-health row per plant.
type InventoryHealthRow struct {
	SnapshotDate       string  `parquet:"snapshot_date"`
	PlantID            string  `parquet:"plant_id"`
	TotalOnHandQty     int64   `parquet:"total_on_hand_qty"`
	SKUsBelowSafety    int64   `parquet:"skus_below_safety"`
	SKUCount           int64   `parquet:"sku_count"`
	PctSKUsBelowSafety float64 `parquet:"pct_skus_below_safety"`
}

// OTIFRow is delivery performance per carrier: delivered shipments that
// arrived on time (delivered_ts <= eta_ts) and in full.
type OTIFRow struct {
	SnapshotDate       string  `parquet:"snapshot_date"`
	Carrier            string  `parquet:"carrier"`
	DeliveredShipments int64   `parquet:"delivered_shipments"`
	OnTimeInFull       int64   `parquet:"on_time_in_full"`
	OTIFRate           float64 `parquet:"otif_rate"`
}

// FillRateRow is the share of shipped quantity delivered in full per plant.
type FillRateRow struct {
	SnapshotDate string  `parquet:"snapshot_date"`
	PlantID      string  `parquet:"plant_id"`
	ShippedQty   int64   `parquet:"shipped_qty"`
	DeliveredQty int64   `parquet:"delivered_qty"`
	FillRate     float64 `parquet:"fill_rate"`
}

// SupplierLeadTimeRow is the average promised lead time per supplier
// country, resolved through the supplier dimension as of the snapshot date.
type SupplierLeadTimeRow struct {
	SnapshotDate    string  `parquet:"snapshot_date"`
	SupplierCountry string  `parquet:"supplier_country"`
	OrderCount      int64   `parquet:"order_count"`
	AvgLeadTimeDays float64 `parquet:"avg_lead_time_days"`
}

// BackorderAgingRow buckets open purchase order lines past their expected
// delivery date by days overdue.
type BackorderAgingRow struct {
	SnapshotDate string `parquet:"snapshot_date"`
	SupplierID   string `parquet:"supplier_id"`
	AgeBucket    string `parquet:"age_bucket"` // 0-7 | 8-30 | 31+
	OpenOrders   int64  `parquet:"open_orders"`
	OrderQty     int64  `parquet:"order_qty"`
}

// InventoryTurnoverRow relates shipped volume to stock on hand per plant.
type InventoryTurnoverRow struct {
	SnapshotDate  string  `parquet:"snapshot_date"`
	PlantID       string  `parquet:"plant_id"`
	ShippedQty    int64   `parquet:"shipped_qty"`
	OnHandQty     int64   `parquet:"on_hand_qty"`
	TurnoverRatio float64 `parquet:"turnover_ratio"`
}

// ratio divides with a floor-one denominator. Empty groups yield 0 rather
// than NaN; the guard is policy, not an accident.
func ratio(num, den float64) float64 {
	return num / math.Max(den, 1)
}

func buildInventoryHealth(ctx context.Context, in *inputs) ([]InventoryHealthRow, error) {
	facts, err := silver.ReadFacts[silver.InventoryFact](ctx, in.store, schema.DatasetInventorySnapshot, in.snapshotDate)
	if err != nil {
		return nil, err
	}
	type agg struct {
		onHand, below, skus int64
	}
	groups := make(map[string]*agg)
	for _, f := range facts {
		g := groups[f.PlantID]
		if g == nil {
			g = &agg{}
			groups[f.PlantID] = g
		}
		g.onHand += f.OnHandQty
		g.skus++
		if f.OnHandQty < f.SafetyStockQty {
			g.below++
		}
	}
	rows := make([]InventoryHealthRow, 0, len(groups))
	for plant, g := range groups {
		rows = append(rows, InventoryHealthRow{
			SnapshotDate:       in.snapshotDate,
			PlantID:            plant,
			TotalOnHandQty:     g.onHand,
			SKUsBelowSafety:    g.below,
			SKUCount:           g.skus,
			PctSKUsBelowSafety: ratio(float64(g.below), float64(g.skus)),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PlantID < rows[j].PlantID })
	return rows, nil
}

func buildOTIF(ctx context.Context, in *inputs) ([]OTIFRow, error) {
	shipments, err := silver.ReadFacts[silver.ShipmentFact](ctx, in.store, schema.DatasetShipments, in.snapshotDate)
	if err != nil {
		return nil, err
	}
	type agg struct {
		delivered, otif int64
	}
	groups := make(map[string]*agg)
	for _, s := range shipments {
		if s.DeliveredTS == "" {
			continue
		}
		g := groups[s.Carrier]
		if g == nil {
			g = &agg{}
			groups[s.Carrier] = g
		}
		g.delivered++
		if s.InFull && s.DeliveredTS <= s.ETATS {
			g.otif++
		}
	}
	rows := make([]OTIFRow, 0, len(groups))
	for carrier, g := range groups {
		rows = append(rows, OTIFRow{
			SnapshotDate:       in.snapshotDate,
			Carrier:            carrier,
			DeliveredShipments: g.delivered,
			OnTimeInFull:       g.otif,
			OTIFRate:           ratio(float64(g.otif), float64(g.delivered)),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Carrier < rows[j].Carrier })
	return rows, nil
}

func buildFillRate(ctx context.Context, in *inputs) ([]FillRateRow, error) {
	shipments, err := silver.ReadFacts[silver.ShipmentFact](ctx, in.store, schema.DatasetShipments, in.snapshotDate)
	if err != nil {
		return nil, err
	}
	type agg struct {
		shipped, delivered int64
	}
	groups := make(map[string]*agg)
	for _, s := range shipments {
		g := groups[s.PlantID]
		if g == nil {
			g = &agg{}
			groups[s.PlantID] = g
		}
		g.shipped += s.ShippedQty
		if s.DeliveredTS != "" && s.InFull {
			g.delivered += s.ShippedQty
		}
	}
	rows := make([]FillRateRow, 0, len(groups))
	for plant, g := range groups {
		rows = append(rows, FillRateRow{
			SnapshotDate: in.snapshotDate,
			PlantID:      plant,
			ShippedQty:   g.shipped,
			DeliveredQty: g.delivered,
			FillRate:     ratio(float64(g.delivered), float64(g.shipped)),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PlantID < rows[j].PlantID })
	return rows, nil
}

func buildSupplierLeadTime(ctx context.Context, in *inputs) ([]SupplierLeadTimeRow, error) {
	orders, err := silver.ReadFacts[silver.PurchaseOrderFact](ctx, in.store, schema.DatasetPurchaseOrders, in.snapshotDate)
	if err != nil {
		return nil, err
	}
	asOf, err := time.Parse("2006-01-02", in.snapshotDate)
	if err != nil {
		return nil, err
	}
	type agg struct {
		count   int64
		sumDays float64
	}
	groups := make(map[string]*agg)
	for _, o := range orders {
		days, ok := leadTimeDays(o)
		if !ok {
			continue
		}
		country := "UNKNOWN"
		if v, err := in.dims.AsOf(ctx, schema.DatasetSupplier, o.SupplierID, asOf); err == nil {
			country = v.Attributes["supplier_country"]
		}
		g := groups[country]
		if g == nil {
			g = &agg{}
			groups[country] = g
		}
		g.count++
		g.sumDays += days
	}
	rows := make([]SupplierLeadTimeRow, 0, len(groups))
	for country, g := range groups {
		rows = append(rows, SupplierLeadTimeRow{
			SnapshotDate:    in.snapshotDate,
			SupplierCountry: country,
			OrderCount:      g.count,
			AvgLeadTimeDays: ratio(g.sumDays, float64(g.count)),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SupplierCountry < rows[j].SupplierCountry })
	return rows, nil
}

func leadTimeDays(o silver.PurchaseOrderFact) (float64, bool) {
	ordered, err := time.Parse("2006-01-02", o.OrderDate)
	if err != nil {
		return 0, false
	}
	expected, err := time.Parse("2006-01-02", o.ExpectedDeliveryDate)
	if err != nil {
		return 0, false
	}
	return expected.Sub(ordered).Hours() / 24, true
}

// Purchase order statuses that count as closed for backorder purposes.
var closedPOStatus = map[string]bool{
	"DELIVERED": true,
	"CLOSED":    true,
	"CANCELLED": true,
}

func buildBackorderAging(ctx context.Context, in *inputs) ([]BackorderAgingRow, error) {
	orders, err := silver.ReadFacts[silver.PurchaseOrderFact](ctx, in.store, schema.DatasetPurchaseOrders, in.snapshotDate)
	if err != nil {
		return nil, err
	}
	snapshot, err := time.Parse("2006-01-02", in.snapshotDate)
	if err != nil {
		return nil, err
	}
	type key struct {
		supplier, bucket string
	}
	type agg struct {
		orders, qty int64
	}
	groups := make(map[key]*agg)
	for _, o := range orders {
		if closedPOStatus[o.Status] {
			continue
		}
		expected, err := time.Parse("2006-01-02", o.ExpectedDeliveryDate)
		if err != nil || !expected.Before(snapshot) {
			continue
		}
		days := int64(snapshot.Sub(expected).Hours() / 24)
		k := key{supplier: o.SupplierID, bucket: ageBucket(days)}
		g := groups[k]
		if g == nil {
			g = &agg{}
			groups[k] = g
		}
		g.orders++
		g.qty += o.OrderQty
	}
	rows := make([]BackorderAgingRow, 0, len(groups))
	for k, g := range groups {
		rows = append(rows, BackorderAgingRow{
			SnapshotDate: in.snapshotDate,
			SupplierID:   k.supplier,
			AgeBucket:    k.bucket,
			OpenOrders:   g.orders,
			OrderQty:     g.qty,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SupplierID != rows[j].SupplierID {
			return rows[i].SupplierID < rows[j].SupplierID
		}
		return rows[i].AgeBucket < rows[j].AgeBucket
	})
	return rows, nil
}

func ageBucket(days int64) string {
	switch {
	case days <= 7:
		return "0-7"
	case days <= 30:
		return "8-30"
	default:
		return "31+"
	}
}

func buildInventoryTurnover(ctx context.Context, in *inputs) ([]InventoryTurnoverRow, error) {
	inventory, err := silver.ReadFacts[silver.InventoryFact](ctx, in.store, schema.DatasetInventorySnapshot, in.snapshotDate)
	if err != nil {
		return nil, err
	}
	shipments, err := silver.ReadFacts[silver.ShipmentFact](ctx, in.store, schema.DatasetShipments, in.snapshotDate)
	if err != nil {
		return nil, err
	}
	onHand := make(map[string]int64)
	for _, f := range inventory {
		onHand[f.PlantID] += f.OnHandQty
	}
	shipped := make(map[string]int64)
	for _, s := range shipments {
		shipped[s.PlantID] += s.ShippedQty
	}

	plants := make(map[string]bool)
	for p := range onHand {
		plants[p] = true
	}
	for p := range shipped {
		plants[p] = true
	}
	rows := make([]InventoryTurnoverRow, 0, len(plants))
	for plant := range plants {
		rows = append(rows, InventoryTurnoverRow{
			SnapshotDate:  in.snapshotDate,
			PlantID:       plant,
			ShippedQty:    shipped[plant],
			OnHandQty:     onHand[plant],
			TurnoverRatio: ratio(float64(shipped[plant]), float64(onHand[plant])),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PlantID < rows[j].PlantID })
	return rows, nil
}
