package quality

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/treadworks/medallion-pipeline/internal/extract"
)

func recs(fields ...map[string]any) []extract.RawRecord {
	out := make([]extract.RawRecord, len(fields))
	for i, f := range fields {
		out[i] = extract.RawRecord{
			BatchID:     "B-001",
			SourceRowID: string(rune('a' + i)),
			Fields:      f,
		}
	}
	return out
}

func TestNotNullAndRange(t *testing.T) {
	records := recs(
		map[string]any{"sku": "TIR-001", "on_hand_qty": "100"},
		map[string]any{"sku": "", "on_hand_qty": "-5"},
		map[string]any{"on_hand_qty": "abc"},
	)

	if v := NotNull("sku")(records); len(v) != 2 {
		t.Errorf("NotNull violations = %d, want 2", len(v))
	}
	v := Range("on_hand_qty", 0, 1e9)(records)
	if len(v) != 2 {
		t.Fatalf("Range violations = %d, want 2", len(v))
	}
	if v[0].SourceRowID != "b" || v[1].SourceRowID != "c" {
		t.Errorf("unexpected violation rows: %+v", v)
	}
}

func TestReferentialAndUnique(t *testing.T) {
	records := recs(
		map[string]any{"supplier_id": "SUP-001", "cloud_po_id": "CPO-1"},
		map[string]any{"supplier_id": "SUP-999", "cloud_po_id": "CPO-1"},
		map[string]any{"cloud_po_id": "CPO-2"},
	)
	known := func(id string) bool { return id == "SUP-001" }

	if v := Referential("supplier_id", known)(records); len(v) != 1 || v[0].SourceRowID != "b" {
		t.Errorf("Referential violations = %+v, want one on row b", v)
	}
	if v := Unique("cloud_po_id")(records); len(v) != 1 || v[0].SourceRowID != "b" {
		t.Errorf("Unique violations = %+v, want one on row b", v)
	}
}

func TestGateBlocking(t *testing.T) {
	gate := NewGate(2)
	rules := []Rule{
		{ID: "qty_range", Severity: Blocking, Check: Range("on_hand_qty", 0, 1e9)},
		{ID: "sku_known", Severity: Advisory, Check: Referential("sku", func(string) bool { return false })},
	}
	records := recs(
		map[string]any{"sku": "TIR-001", "on_hand_qty": "-1"},
		map[string]any{"sku": "TIR-002", "on_hand_qty": "-2"},
		map[string]any{"sku": "TIR-003", "on_hand_qty": "-3"},
	)

	results := gate.Evaluate(context.Background(), "inventory_snapshot", "B-001", rules, records)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Passed || results[0].ViolationCount != 3 {
		t.Errorf("blocking result wrong: %+v", results[0])
	}
	if len(results[0].SampleViolations) != 2 {
		t.Errorf("sample limit not applied: %v", results[0].SampleViolations)
	}

	err := Blocked("inventory_snapshot", "B-001", results)
	var gateErr *GateError
	if !errors.As(err, &gateErr) {
		t.Fatalf("expected GateError, got %v", err)
	}
	// Advisory failure alone must not block.
	if !reflect.DeepEqual(gateErr.FailedRules, []string{"qty_range"}) {
		t.Errorf("failed rules = %v, want [qty_range]", gateErr.FailedRules)
	}
}

func TestGateAdvisoryOnlyDoesNotBlock(t *testing.T) {
	gate := NewGate(5)
	rules := []Rule{
		{ID: "sku_known", Severity: Advisory, Check: Referential("sku", func(string) bool { return false })},
	}
	records := recs(map[string]any{"sku": "TIR-404"})

	results := gate.Evaluate(context.Background(), "inventory_snapshot", "B-002", rules, records)
	if err := Blocked("inventory_snapshot", "B-002", results); err != nil {
		t.Errorf("advisory failure should not block: %v", err)
	}
}

func TestGateSkipsMalformedRecords(t *testing.T) {
	gate := NewGate(5)
	rules := []Rule{{ID: "sku_not_null", Severity: Blocking, Check: NotNull("sku")}}

	records := recs(map[string]any{"sku": "TIR-001"})
	records = append(records, extract.RawRecord{
		BatchID: "B-001", SourceRowID: "z", Malformed: true,
		Fields: map[string]any{"raw_line": "garbage"},
	})

	results := gate.Evaluate(context.Background(), "inventory_snapshot", "B-001", rules, records)
	if !results[0].Passed {
		t.Errorf("malformed record should be excluded from rule evaluation: %+v", results[0])
	}
}

func TestGateDeterministic(t *testing.T) {
	gate := NewGate(3)
	rules := []Rule{{ID: "qty_range", Severity: Blocking, Check: Range("on_hand_qty", 0, 100)}}
	records := recs(
		map[string]any{"on_hand_qty": "500"},
		map[string]any{"on_hand_qty": "700"},
	)

	a := gate.Evaluate(context.Background(), "inventory_snapshot", "B-001", rules, records)
	b := gate.Evaluate(context.Background(), "inventory_snapshot", "B-001", rules, records)
	a[0].EvaluatedAt = b[0].EvaluatedAt
	if !reflect.DeepEqual(a, b) {
		t.Errorf("gate evaluation is not deterministic:\n%+v\n%+v", a, b)
	}
}
