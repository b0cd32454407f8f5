// Package extract defines the units handed to the pipeline by external
// extractors: batch descriptors and their raw record payloads.
package extract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Batch is one logical extraction unit. It is immutable once written and
// bronze retention is permanent.
type Batch struct {
	BatchID      string    `json:"batch_id" yaml:"batch_id"`
	SourceSystem string    `json:"source_system" yaml:"source_system"`
	Dataset      string    `json:"dataset" yaml:"dataset"`
	LogicalDate  string    `json:"logical_date" yaml:"logical_date"` // YYYY-MM-DD
	ExtractedAt  time.Time `json:"extracted_at" yaml:"extracted_at"`
}

// Validate checks the descriptor fields.
func (b Batch) Validate() error {
	if b.BatchID == "" {
		return errors.New("batch has no batch_id")
	}
	if b.Dataset == "" {
		return fmt.Errorf("batch %s has no dataset", b.BatchID)
	}
	if _, err := time.Parse("2006-01-02", b.LogicalDate); err != nil {
		return fmt.Errorf("batch %s has invalid logical_date %q", b.BatchID, b.LogicalDate)
	}
	return nil
}

// RawRecord is a bronze-layer row: the source fields plus ingestion metadata.
// Identified by (batch_id, source_row_id).
type RawRecord struct {
	BatchID     string         `json:"batch_id"`
	SourceRowID string         `json:"source_row_id"`
	IngestionTS time.Time      `json:"ingestion_ts"`
	Malformed   bool           `json:"malformed,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// String returns the named field rendered as a string, or "" when absent.
func (r RawRecord) String(field string) string {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprintf("%v", v)
}

// Int returns the named field as an int64.
func (r RawRecord) Int(field string) (int64, bool) {
	switch v := r.Fields[field].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), v == float64(int64(v))
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Float returns the named field as a float64.
func (r RawRecord) Float(field string) (float64, bool) {
	switch v := r.Fields[field].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// Time returns the named field parsed as RFC 3339 or YYYY-MM-DD.
func (r RawRecord) Time(field string) (time.Time, bool) {
	s := r.String(field)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
