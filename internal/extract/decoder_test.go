package extract

import (
	"strings"
	"testing"
	"time"
)

func TestDecodeCSV(t *testing.T) {
	in := "snapshot_date,plant_id,sku,on_hand_qty\n2024-01-01,PLT-001,TIR-001,100\n2024-01-01,PLT-001,TIR-002,50\n"
	rows, err := DecodeCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("DecodeCSV failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["plant_id"] != "PLT-001" || rows[1]["on_hand_qty"] != "50" {
		t.Errorf("unexpected rows: %v", rows)
	}
}

func TestDecodeJSONLKeepsMalformedLines(t *testing.T) {
	in := `{"event_id":"EVT-1","status":"DELIVERED"}
not json at all
{"event_id":"EVT-2","lat":42.5}`
	rows, err := DecodeJSONL(strings.NewReader(in))
	if err != nil {
		t.Fatalf("DecodeJSONL failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows (bad line kept), got %d", len(rows))
	}
	if rows[1]["raw_line"] != "not json at all" {
		t.Errorf("malformed line not preserved: %v", rows[1])
	}
	if lat, ok := rows[2]["lat"].(float64); !ok || lat != 42.5 {
		t.Errorf("numeric field lost: %v", rows[2])
	}
}

func TestDecodeByExtension(t *testing.T) {
	if _, err := Decode("data.parquet", strings.NewReader("")); err == nil {
		t.Error("expected error for unsupported format")
	}
	rows, err := Decode("events.jsonl", strings.NewReader(`{"a":1}`))
	if err != nil || len(rows) != 1 {
		t.Errorf("jsonl decode via extension failed: rows=%v err=%v", rows, err)
	}
}

func TestRawRecordAccessors(t *testing.T) {
	r := RawRecord{Fields: map[string]any{
		"qty":   "150",
		"cost":  42.5,
		"count": float64(7),
		"ts":    "2024-01-01T10:00:00Z",
		"day":   "2024-01-01",
	}}

	if n, ok := r.Int("qty"); !ok || n != 150 {
		t.Errorf("Int(qty) = %d, %v", n, ok)
	}
	if f, ok := r.Float("cost"); !ok || f != 42.5 {
		t.Errorf("Float(cost) = %f, %v", f, ok)
	}
	if s := r.String("count"); s != "7" {
		t.Errorf("String(count) = %q, want 7", s)
	}
	if ts, ok := r.Time("ts"); !ok || ts.Hour() != 10 {
		t.Errorf("Time(ts) = %v, %v", ts, ok)
	}
	if d, ok := r.Time("day"); !ok || d.Format("2006-01-02") != "2024-01-01" {
		t.Errorf("Time(day) = %v, %v", d, ok)
	}
	if _, ok := r.Int("missing"); ok {
		t.Error("Int on missing field should report false")
	}
}

func TestBatchValidate(t *testing.T) {
	b := Batch{BatchID: "B-001", SourceSystem: "erp", Dataset: "inventory_snapshot",
		LogicalDate: "2024-01-01", ExtractedAt: time.Now()}
	if err := b.Validate(); err != nil {
		t.Errorf("valid batch rejected: %v", err)
	}
	b.LogicalDate = "Jan 1"
	if err := b.Validate(); err == nil {
		t.Error("invalid logical_date accepted")
	}
}
