// Package quality validates record sets against rules before promotion.
// Evaluation is pure: the same inputs always yield the same results, so
// gate runs can be replayed for audit.
package quality

import (
	"fmt"

	"github.com/treadworks/medallion-pipeline/internal/extract"
)

// Severity decides what a failing rule does to the batch.
type Severity string

const (
	// Blocking rules fail the gate closed: no records from the failing
	// batch advance to the next layer.
	Blocking Severity = "blocking"

	// Advisory rules record the violation but do not block.
	Advisory Severity = "advisory"
)

// Violation is a single rule breach on a record.
type Violation struct {
	SourceRowID string
	Detail      string
}

// CheckFunc evaluates a rule over a record set and returns its violations,
// in record order.
type CheckFunc func(records []extract.RawRecord) []Violation

// Rule is a named predicate over a record set.
type Rule struct {
	ID       string
	Dataset  string
	Severity Severity
	Check    CheckFunc
}

// NotNull fails records where the field is missing or empty.
func NotNull(field string) CheckFunc {
	return func(records []extract.RawRecord) []Violation {
		var out []Violation
		for _, r := range records {
			if r.String(field) == "" {
				out = append(out, Violation{
					SourceRowID: r.SourceRowID,
					Detail:      fmt.Sprintf("%s is null", field),
				})
			}
		}
		return out
	}
}

// Range fails records where the numeric field falls outside [min, max].
func Range(field string, min, max float64) CheckFunc {
	return func(records []extract.RawRecord) []Violation {
		var out []Violation
		for _, r := range records {
			v, ok := r.Float(field)
			if !ok {
				out = append(out, Violation{
					SourceRowID: r.SourceRowID,
					Detail:      fmt.Sprintf("%s is not numeric", field),
				})
				continue
			}
			if v < min || v > max {
				out = append(out, Violation{
					SourceRowID: r.SourceRowID,
					Detail:      fmt.Sprintf("%s=%v outside [%v, %v]", field, v, min, max),
				})
			}
		}
		return out
	}
}

// Referential fails records whose field value is not a known entity.
// The lookup typically closes over the current dimension index.
func Referential(field string, known func(string) bool) CheckFunc {
	return func(records []extract.RawRecord) []Violation {
		var out []Violation
		for _, r := range records {
			v := r.String(field)
			if v == "" {
				continue // NotNull covers absence
			}
			if !known(v) {
				out = append(out, Violation{
					SourceRowID: r.SourceRowID,
					Detail:      fmt.Sprintf("%s=%q has no matching entity", field, v),
				})
			}
		}
		return out
	}
}

// Unique fails every record after the first occurrence of a field value.
func Unique(field string) CheckFunc {
	return func(records []extract.RawRecord) []Violation {
		seen := make(map[string]bool, len(records))
		var out []Violation
		for _, r := range records {
			v := r.String(field)
			if v == "" {
				continue
			}
			if seen[v] {
				out = append(out, Violation{
					SourceRowID: r.SourceRowID,
					Detail:      fmt.Sprintf("%s=%q duplicated", field, v),
				})
			}
			seen[v] = true
		}
		return out
	}
}
