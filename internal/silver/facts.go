// Package silver conforms bronze records into typed fact tables and
// maintains SCD Type 2 dimension history. Fact partitions are replaced
// wholesale per logical date; dimension history is append-forward only.
package silver

import (
	"strings"
	"time"

	"github.com/treadworks/medallion-pipeline/internal/extract"
)

// Conformed fact rows, one struct per dataset. Column names are the
// serving contract; changing a tag is a breaking change for readers.

// InventoryFact is one conformed inventory snapshot row.
type InventoryFact struct {
	SnapshotDate   string `parquet:"snapshot_date"`
	PlantID        string `parquet:"plant_id"`
	SKU            string `parquet:"sku"`
	OnHandQty      int64  `parquet:"on_hand_qty"`
	SafetyStockQty int64  `parquet:"safety_stock_qty"`
	SilverVersion  int64  `parquet:"silver_version"`
	SourceBatchID  string `parquet:"source_batch_id"`
}

// PurchaseOrderFact is one conformed purchase order line.
type PurchaseOrderFact struct {
	POID                 string  `parquet:"cloud_po_id"`
	SupplierID           string  `parquet:"supplier_id"`
	SKU                  string  `parquet:"sku"`
	OrderQty             int64   `parquet:"order_qty"`
	OrderDate            string  `parquet:"order_date"`
	ExpectedDeliveryDate string  `parquet:"expected_delivery_date"`
	UnitCostUSD          float64 `parquet:"unit_cost_usd"`
	Status               string  `parquet:"status"`
	SilverVersion        int64   `parquet:"silver_version"`
	SourceBatchID        string  `parquet:"source_batch_id"`
}

// ShipmentFact is one conformed shipment, enriched with delivery facts
// derived from its event stream during the same conform run.
type ShipmentFact struct {
	ShipmentID    string `parquet:"shipment_id"`
	PlantID       string `parquet:"plant_id"`
	Carrier       string `parquet:"carrier"`
	SKU           string `parquet:"sku"`
	ShippedQty    int64  `parquet:"shipped_qty"`
	ShipTS        string `parquet:"ship_ts"`
	ETATS         string `parquet:"eta_ts"`
	Status        string `parquet:"status"`
	DestinationDC string `parquet:"destination_dc"`
	DeliveredTS   string `parquet:"delivered_ts"` // empty until a DELIVERED event arrives
	InFull        bool   `parquet:"in_full"`      // delivered with no SHORT or DAMAGED events
	SilverVersion int64  `parquet:"silver_version"`
	SourceBatchID string `parquet:"source_batch_id"`
}

// ShipmentEventFact is one conformed tracking event.
type ShipmentEventFact struct {
	EventID       string  `parquet:"event_id"`
	ShipmentID    string  `parquet:"shipment_id"`
	EventTS       string  `parquet:"event_ts"`
	Status        string  `parquet:"status"`
	Lat           float64 `parquet:"lat"`
	Lon           float64 `parquet:"lon"`
	SilverVersion int64   `parquet:"silver_version"`
	SourceBatchID string  `parquet:"source_batch_id"`
}

// Shipment event statuses with conform-time meaning.
const (
	EventDelivered = "DELIVERED"
	EventShort     = "SHORT"
	EventDamaged   = "DAMAGED"
)

func inventoryFromRecord(rec extract.RawRecord, version int64) InventoryFact {
	onHand, _ := rec.Int("on_hand_qty")
	safety, _ := rec.Int("safety_stock_qty")
	return InventoryFact{
		SnapshotDate:   rec.String("snapshot_date"),
		PlantID:        rec.String("plant_id"),
		SKU:            rec.String("sku"),
		OnHandQty:      onHand,
		SafetyStockQty: safety,
		SilverVersion:  version,
		SourceBatchID:  rec.BatchID,
	}
}

func purchaseOrderFromRecord(rec extract.RawRecord, version int64) PurchaseOrderFact {
	qty, _ := rec.Int("order_qty")
	cost, _ := rec.Float("unit_cost_usd")
	return PurchaseOrderFact{
		POID:                 rec.String("cloud_po_id"),
		SupplierID:           rec.String("supplier_id"),
		SKU:                  rec.String("sku"),
		OrderQty:             qty,
		OrderDate:            rec.String("order_date"),
		ExpectedDeliveryDate: rec.String("expected_delivery_date"),
		UnitCostUSD:          cost,
		Status:               normalizeStatus(rec.String("status")),
		SilverVersion:        version,
		SourceBatchID:        rec.BatchID,
	}
}

func shipmentFromRecord(rec extract.RawRecord, version int64) ShipmentFact {
	qty, _ := rec.Int("shipped_qty")
	return ShipmentFact{
		ShipmentID:    rec.String("shipment_id"),
		PlantID:       rec.String("plant_id"),
		Carrier:       rec.String("carrier"),
		SKU:           rec.String("sku"),
		ShippedQty:    qty,
		ShipTS:        normalizeTS(rec, "ship_ts"),
		ETATS:         normalizeTS(rec, "eta_ts"),
		Status:        normalizeStatus(rec.String("status")),
		DestinationDC: rec.String("destination_dc"),
		SilverVersion: version,
		SourceBatchID: rec.BatchID,
	}
}

func shipmentEventFromRecord(rec extract.RawRecord, version int64) ShipmentEventFact {
	lat, _ := rec.Float("lat")
	lon, _ := rec.Float("lon")
	return ShipmentEventFact{
		EventID:       rec.String("event_id"),
		ShipmentID:    rec.String("shipment_id"),
		EventTS:       normalizeTS(rec, "event_ts"),
		Status:        normalizeStatus(rec.String("status")),
		Lat:           lat,
		Lon:           lon,
		SilverVersion: version,
		SourceBatchID: rec.BatchID,
	}
}

// normalizeTS renders a timestamp field as UTC RFC 3339, so source systems
// reporting in local offsets compare correctly downstream.
func normalizeTS(rec extract.RawRecord, field string) string {
	t, ok := rec.Time(field)
	if !ok {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func normalizeStatus(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
