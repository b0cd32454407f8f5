package schema

// Built-in contracts for the supply-chain source systems. Column names match
// the extract files exactly; the serving layer reads the same names from gold.

// Well-known dataset names.
const (
	DatasetInventorySnapshot = "inventory_snapshot"
	DatasetPurchaseOrders    = "purchase_orders"
	DatasetShipments         = "shipments"
	DatasetShipmentEvents    = "shipment_events"
	DatasetSupplier          = "supplier"
	DatasetProduct           = "product"
)

func builtinContracts() []Contract {
	return []Contract{
		{
			Dataset: DatasetInventorySnapshot,
			Kind:    KindFact,
			Columns: []Column{
				{Name: "snapshot_date", Type: TypeDate, Required: true, Key: true},
				{Name: "plant_id", Type: TypeString, Required: true, Key: true},
				{Name: "sku", Type: TypeString, Required: true, Key: true},
				{Name: "on_hand_qty", Type: TypeInt, Required: true},
				{Name: "safety_stock_qty", Type: TypeInt, Required: true},
			},
		},
		{
			Dataset: DatasetPurchaseOrders,
			Kind:    KindFact,
			Columns: []Column{
				{Name: "cloud_po_id", Type: TypeString, Required: true, Key: true},
				{Name: "supplier_id", Type: TypeString, Required: true},
				{Name: "sku", Type: TypeString, Required: true},
				{Name: "order_qty", Type: TypeInt, Required: true},
				{Name: "order_date", Type: TypeDate, Required: true},
				{Name: "expected_delivery_date", Type: TypeDate, Required: true},
				{Name: "unit_cost_usd", Type: TypeFloat, Required: true},
				{Name: "status", Type: TypeString, Required: true},
			},
		},
		{
			Dataset: DatasetShipments,
			Kind:    KindFact,
			Columns: []Column{
				{Name: "shipment_id", Type: TypeString, Required: true, Key: true},
				{Name: "plant_id", Type: TypeString, Required: true},
				{Name: "carrier", Type: TypeString, Required: true},
				{Name: "sku", Type: TypeString, Required: true},
				{Name: "shipped_qty", Type: TypeInt, Required: true},
				{Name: "ship_ts", Type: TypeTimestamp, Required: true},
				{Name: "eta_ts", Type: TypeTimestamp, Required: true},
				{Name: "status", Type: TypeString, Required: true},
				{Name: "destination_dc", Type: TypeString, Required: false},
			},
		},
		{
			Dataset: DatasetShipmentEvents,
			Kind:    KindFact,
			Columns: []Column{
				{Name: "event_id", Type: TypeString, Required: true, Key: true},
				{Name: "shipment_id", Type: TypeString, Required: true},
				{Name: "event_ts", Type: TypeTimestamp, Required: true},
				{Name: "status", Type: TypeString, Required: true},
				{Name: "lat", Type: TypeFloat, Required: false},
				{Name: "lon", Type: TypeFloat, Required: false},
			},
		},
		{
			Dataset: DatasetSupplier,
			Kind:    KindDimension,
			Columns: []Column{
				{Name: "supplier_id", Type: TypeString, Required: true, Key: true},
				{Name: "supplier_name", Type: TypeString, Required: true},
				{Name: "supplier_country", Type: TypeString, Required: true},
			},
		},
		{
			Dataset: DatasetProduct,
			Kind:    KindDimension,
			Columns: []Column{
				{Name: "sku", Type: TypeString, Required: true, Key: true},
				{Name: "product_name", Type: TypeString, Required: true},
				{Name: "category", Type: TypeString, Required: true},
			},
		},
	}
}
