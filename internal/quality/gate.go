package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/treadworks/medallion-pipeline/internal/extract"
	"github.com/treadworks/medallion-pipeline/internal/logging"
	"github.com/treadworks/medallion-pipeline/internal/schema"
)

// Result is the immutable outcome of one rule evaluation over one batch.
// Retained for audit.
type Result struct {
	RuleID           string    `json:"rule_id"`
	Dataset          string    `json:"dataset"`
	BatchID          string    `json:"batch_id"`
	Severity         Severity  `json:"severity"`
	Passed           bool      `json:"passed"`
	ViolationCount   int       `json:"violation_count"`
	SampleViolations []string  `json:"sample_violations,omitempty"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}

// GateError reports a batch blocked by one or more failing blocking rules.
// It halts promotion of the affected batch only.
type GateError struct {
	Dataset     string
	BatchID     string
	FailedRules []string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("quality gate failed for batch %s (%s): rules %s",
		e.BatchID, e.Dataset, strings.Join(e.FailedRules, ", "))
}

// Gate evaluates rules against record sets.
type Gate struct {
	sampleLimit int
	log         *slog.Logger
}

// NewGate creates a gate keeping at most sampleLimit violation samples
// per result.
func NewGate(sampleLimit int) *Gate {
	if sampleLimit <= 0 {
		sampleLimit = 5
	}
	return &Gate{sampleLimit: sampleLimit, log: logging.Component("quality")}
}

// Evaluate runs the rules for the dataset over one batch's records.
// Malformed records are excluded before evaluation; they never advance and
// counting them against data rules would double-report the schema failure.
func (g *Gate) Evaluate(ctx context.Context, dataset, batchID string, rules []Rule, records []extract.RawRecord) []Result {
	wellFormed := make([]extract.RawRecord, 0, len(records))
	for _, r := range records {
		if !r.Malformed {
			wellFormed = append(wellFormed, r)
		}
	}

	now := time.Now().UTC()
	var results []Result
	for _, rule := range rules {
		if rule.Dataset != "" && rule.Dataset != dataset {
			continue
		}
		violations := rule.Check(wellFormed)

		res := Result{
			RuleID:         rule.ID,
			Dataset:        dataset,
			BatchID:        batchID,
			Severity:       rule.Severity,
			Passed:         len(violations) == 0,
			ViolationCount: len(violations),
			EvaluatedAt:    now,
		}
		for i, v := range violations {
			if i >= g.sampleLimit {
				break
			}
			res.SampleViolations = append(res.SampleViolations,
				fmt.Sprintf("row %s: %s", v.SourceRowID, v.Detail))
		}
		results = append(results, res)

		if !res.Passed {
			g.log.Warn("rule failed",
				"rule_id", rule.ID,
				"dataset", dataset,
				"batch_id", batchID,
				"severity", rule.Severity,
				"violations", res.ViolationCount,
			)
		}
	}
	return results
}

// Blocked returns a GateError when any blocking rule failed, nil otherwise.
func Blocked(dataset, batchID string, results []Result) error {
	var failed []string
	for _, r := range results {
		if !r.Passed && r.Severity == Blocking {
			failed = append(failed, r.RuleID)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &GateError{Dataset: dataset, BatchID: batchID, FailedRules: failed}
}

// DefaultRules returns the standing rule set for the built-in datasets.
// currentEntity resolves referential checks against current dimension rows.
func DefaultRules(currentEntity func(dimension, entityID string) bool) []Rule {
	supplierKnown := func(id string) bool { return currentEntity(schema.DatasetSupplier, id) }
	skuKnown := func(id string) bool { return currentEntity(schema.DatasetProduct, id) }

	return []Rule{
		{ID: "inv_key_not_null", Dataset: schema.DatasetInventorySnapshot, Severity: Blocking, Check: NotNull("sku")},
		{ID: "inv_on_hand_non_negative", Dataset: schema.DatasetInventorySnapshot, Severity: Blocking, Check: Range("on_hand_qty", 0, 1e9)},
		{ID: "inv_sku_known", Dataset: schema.DatasetInventorySnapshot, Severity: Advisory, Check: Referential("sku", skuKnown)},
		{ID: "po_key_not_null", Dataset: schema.DatasetPurchaseOrders, Severity: Blocking, Check: NotNull("cloud_po_id")},
		{ID: "po_key_unique", Dataset: schema.DatasetPurchaseOrders, Severity: Advisory, Check: Unique("cloud_po_id")},
		{ID: "po_supplier_known", Dataset: schema.DatasetPurchaseOrders, Severity: Advisory, Check: Referential("supplier_id", supplierKnown)},
		{ID: "po_qty_positive", Dataset: schema.DatasetPurchaseOrders, Severity: Blocking, Check: Range("order_qty", 1, 1e9)},
		{ID: "shp_key_not_null", Dataset: schema.DatasetShipments, Severity: Blocking, Check: NotNull("shipment_id")},
		{ID: "shp_qty_positive", Dataset: schema.DatasetShipments, Severity: Blocking, Check: Range("shipped_qty", 1, 1e9)},
		{ID: "evt_shipment_not_null", Dataset: schema.DatasetShipmentEvents, Severity: Blocking, Check: NotNull("shipment_id")},
	}
}
