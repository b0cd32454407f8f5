package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/treadworks/medallion-pipeline/internal/schema"
)

var (
	genDate   string
	genDays   int
	genPlants int
	genSeed   int64
	genOut    string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate synthetic extracts into the inbox",
	Long: `Generate writes synthetic supply-chain extract files, named so that
"medallion load" picks them up directly. Per logical date: an inventory
snapshot, purchase orders, shipments and shipment events; supplier and
product dimension extracts once for the first date. Seeded, so the same
flags produce the same files.

Example:
  medallion generate --date 2024-02-01 --days 3 --plants 3
  medallion load
  medallion promote 2024-02-01`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&genDate, "date", "", "first logical date (YYYY-MM-DD, default today)")
	generateCmd.Flags().IntVar(&genDays, "days", 1, "number of consecutive logical dates")
	generateCmd.Flags().IntVar(&genPlants, "plants", 3, "number of plants")
	generateCmd.Flags().Int64Var(&genSeed, "seed", 42, "random seed")
	generateCmd.Flags().StringVar(&genOut, "out", "", "output directory (default: the configured inbox dir)")
}

var genProducts = [][3]string{
	{"TIR-001", "All-Season 205/55R16", "Passenger"},
	{"TIR-002", "Winter 195/65R15", "Passenger"},
	{"TIR-003", "Performance 225/40R18", "Passenger"},
	{"TIR-101", "Truck A/T 265/70R17", "LightTruck"},
	{"TIR-201", "OTR 14.00R25", "Industrial"},
}

var genSuppliers = [][3]string{
	{"SUP-001", "RubberCo", "US"},
	{"SUP-002", "ChemMix Ltd", "CA"},
	{"SUP-003", "SteelCord Inc", "MX"},
	{"SUP-004", "CarbonBlack AG", "DE"},
	{"SUP-005", "SyntheticPolymers", "JP"},
}

var genCarriers = []string{"DHL", "FedEx", "XPO", "UPS", "Maersk"}

func runGenerate(cmd *cobra.Command, args []string) error {
	out := genOut
	if out == "" {
		out = cfg.Inbox.Dir
	}
	if out == "" {
		return fmt.Errorf("no output directory: set --out or inbox.dir")
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	start := time.Now().UTC().Truncate(24 * time.Hour)
	if genDate != "" {
		var err error
		start, err = time.Parse("2006-01-02", genDate)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
	}
	if genDays < 1 {
		genDays = 1
	}

	g := &generator{rng: rand.New(rand.NewSource(genSeed)), out: out}

	for d := 0; d < genDays; d++ {
		day := start.AddDate(0, 0, d)
		if d == 0 {
			if err := g.dimensions(day); err != nil {
				return err
			}
		}
		if err := g.day(day); err != nil {
			return err
		}
	}

	fmt.Printf("Generated %d extract files in %s\n", g.files, out)
	return nil
}

type generator struct {
	rng   *rand.Rand
	out   string
	files int
}

func (g *generator) dimensions(day time.Time) error {
	date := day.Format("2006-01-02")

	supplierRows := make([][]string, len(genSuppliers))
	for i, s := range genSuppliers {
		supplierRows[i] = []string{s[0], s[1], s[2]}
	}
	if err := g.writeCSV(schema.DatasetSupplier, date,
		[]string{"supplier_id", "supplier_name", "supplier_country"}, supplierRows); err != nil {
		return err
	}

	productRows := make([][]string, len(genProducts))
	for i, p := range genProducts {
		productRows[i] = []string{p[0], p[1], p[2]}
	}
	return g.writeCSV(schema.DatasetProduct, date,
		[]string{"sku", "product_name", "category"}, productRows)
}

func (g *generator) day(day time.Time) error {
	date := day.Format("2006-01-02")

	var inventory [][]string
	for p := 1; p <= genPlants; p++ {
		plant := fmt.Sprintf("PLT-%03d", p)
		for _, prod := range genProducts {
			base := 200
			if prod[0][:5] == "TIR-0" {
				base = 800
			}
			qty := base + int(g.rng.NormFloat64()*float64(base)*0.08)
			if qty < 0 {
				qty = 0
			}
			inventory = append(inventory, []string{
				date, plant, prod[0],
				strconv.Itoa(qty), strconv.Itoa(int(float64(base) * 0.35)),
			})
		}
	}
	if err := g.writeCSV(schema.DatasetInventorySnapshot, date,
		[]string{"snapshot_date", "plant_id", "sku", "on_hand_qty", "safety_stock_qty"}, inventory); err != nil {
		return err
	}

	var orders [][]string
	for i := g.rng.Intn(16) + 10; i > 0; i-- {
		sup := genSuppliers[g.rng.Intn(len(genSuppliers))]
		prod := genProducts[g.rng.Intn(len(genProducts))]
		qty := g.rng.Intn(351) + 50
		if prod[0][:5] == "TIR-0" {
			qty = g.rng.Intn(4501) + 500
		}
		lead := g.rng.Intn(19) + 3
		orders = append(orders, []string{
			fmt.Sprintf("CPO-%s-%06d", day.Format("20060102"), g.rng.Intn(900000)+100000),
			sup[0], prod[0], strconv.Itoa(qty), date,
			day.AddDate(0, 0, lead).Format("2006-01-02"),
			strconv.FormatFloat(40+g.rng.Float64()*180, 'f', 2, 64),
			pick(g.rng, "OPEN", "OPEN", "OPEN", "CLOSED", "CANCELLED"),
		})
	}
	if err := g.writeCSV(schema.DatasetPurchaseOrders, date,
		[]string{"cloud_po_id", "supplier_id", "sku", "order_qty", "order_date",
			"expected_delivery_date", "unit_cost_usd", "status"}, orders); err != nil {
		return err
	}

	type shipment struct {
		id     string
		shipTS time.Time
		etaTS  time.Time
	}
	var shipments [][]string
	var forEvents []shipment
	for i := g.rng.Intn(13) + 6; i > 0; i-- {
		prod := genProducts[g.rng.Intn(len(genProducts))]
		qty := g.rng.Intn(111) + 10
		if prod[0][:5] == "TIR-0" {
			qty = g.rng.Intn(1901) + 100
		}
		shipTS := day.Add(time.Duration(g.rng.Intn(1440)) * time.Minute)
		etaTS := shipTS.Add(time.Duration(g.rng.Intn(67)+6) * time.Hour)
		id := fmt.Sprintf("SHP-%s-%05d", day.Format("20060102"), g.rng.Intn(90000)+10000)
		shipments = append(shipments, []string{
			id,
			fmt.Sprintf("PLT-%03d", g.rng.Intn(genPlants)+1),
			genCarriers[g.rng.Intn(len(genCarriers))],
			prod[0], strconv.Itoa(qty),
			shipTS.Format(time.RFC3339), etaTS.Format(time.RFC3339),
			pick(g.rng, "CREATED", "IN_TRANSIT", "IN_TRANSIT", "DELIVERED", "DELAYED"),
			fmt.Sprintf("DC-%03d", g.rng.Intn(9)+1),
		})
		forEvents = append(forEvents, shipment{id: id, shipTS: shipTS, etaTS: etaTS})
	}
	if err := g.writeCSV(schema.DatasetShipments, date,
		[]string{"shipment_id", "plant_id", "carrier", "sku", "shipped_qty",
			"ship_ts", "eta_ts", "status", "destination_dc"}, shipments); err != nil {
		return err
	}

	var events []map[string]any
	for _, s := range forEvents {
		current := s.shipTS
		n := g.rng.Intn(6) + 3
		for i := 0; i < n; i++ {
			current = current.Add(time.Duration(g.rng.Intn(10)+1) * time.Hour)
			status := pick(g.rng, "IN_TRANSIT", "IN_TRANSIT", "AT_HUB", "DELAYED", "OUT_FOR_DELIVERY")
			if current.After(s.etaTS) && g.rng.Float64() < 0.6 {
				status = "DELAYED"
			}
			if i == n-1 || (s.etaTS.Sub(current) < time.Hour && g.rng.Float64() < 0.7) {
				status = "DELIVERED"
				delivered := s.etaTS.Add(time.Duration(g.rng.Intn(21)-2) * time.Hour)
				if delivered.After(current) {
					current = delivered
				}
			}
			events = append(events, map[string]any{
				"event_id":    fmt.Sprintf("EVT-%s-%d", s.id, i),
				"shipment_id": s.id,
				"event_ts":    current.Format(time.RFC3339),
				"status":      status,
				"lat":         round5(25 + g.rng.Float64()*24),
				"lon":         round5(-124 + g.rng.Float64()*57),
			})
			if status == "DELIVERED" {
				break
			}
		}
	}
	return g.writeJSONL(schema.DatasetShipmentEvents, date, events)
}

func (g *generator) writeCSV(dataset, date string, header []string, rows [][]string) error {
	f, err := os.Create(g.path(dataset, date, "csv"))
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	g.files++
	return f.Close()
}

func (g *generator) writeJSONL(dataset, date string, rows []map[string]any) error {
	f, err := os.Create(g.path(dataset, date, "jsonl"))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			f.Close()
			return err
		}
	}
	g.files++
	return f.Close()
}

func (g *generator) path(dataset, date, ext string) string {
	batchID := fmt.Sprintf("%s-%s-gen", dataset, date)
	return filepath.Join(g.out, fmt.Sprintf("%s__%s__%s.%s", dataset, date, batchID, ext))
}

func pick(rng *rand.Rand, options ...string) string {
	return options[rng.Intn(len(options))]
}

func round5(v float64) float64 {
	return float64(int(v*1e5)) / 1e5
}
