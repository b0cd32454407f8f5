// Package schema defines the structural contracts for each dataset at each
// layer and validates incoming records against them.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RegistryVersion is the version of the built-in contract set.
// Increment this when making breaking changes.
const RegistryVersion = "1.0.0"

// ColumnType enumerates the supported logical column types.
type ColumnType string

const (
	TypeString    ColumnType = "string"
	TypeInt       ColumnType = "int"
	TypeFloat     ColumnType = "float"
	TypeBool      ColumnType = "bool"
	TypeDate      ColumnType = "date"      // YYYY-MM-DD
	TypeTimestamp ColumnType = "timestamp" // RFC 3339
)

// Column describes one column of a dataset contract.
type Column struct {
	Name     string     `yaml:"name"`
	Type     ColumnType `yaml:"type"`
	Required bool       `yaml:"required"`
	Key      bool       `yaml:"key"` // part of the business key
}

// Kind distinguishes transactional fact datasets from SCD2 dimensions.
type Kind string

const (
	KindFact      Kind = "fact"
	KindDimension Kind = "dimension"
)

// Contract is the structural contract for a dataset: its columns, types,
// and business key. The same contract applies at every layer; bronze stores
// records that violate it with a malformed marker, silver rejects them.
type Contract struct {
	Dataset string   `yaml:"dataset"`
	Kind    Kind     `yaml:"kind"`
	Columns []Column `yaml:"columns"`
}

// BusinessKey returns the names of the key columns, in declaration order.
func (c Contract) BusinessKey() []string {
	var keys []string
	for _, col := range c.Columns {
		if col.Key {
			keys = append(keys, col.Name)
		}
	}
	return keys
}

// Column returns the named column, if declared.
func (c Contract) Column(name string) (Column, bool) {
	for _, col := range c.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// SchemaMismatchError reports fields of a record that diverge from the
// contract. It is recorded, not fatal: bronze keeps the record with a
// malformed marker and silver drops it.
type SchemaMismatchError struct {
	Dataset string
	Fields  []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for dataset %q: fields %s",
		e.Dataset, strings.Join(e.Fields, ", "))
}

// Validate checks a record against the contract. Required columns must be
// present and non-empty, and present values must parse as the declared type.
// Columns not in the contract are ignored (schema-on-read keeps extras).
func (c Contract) Validate(record map[string]any) error {
	var bad []string

	for _, col := range c.Columns {
		v, ok := record[col.Name]
		if !ok || v == nil || fmt.Sprintf("%v", v) == "" {
			if col.Required {
				bad = append(bad, col.Name+" (missing)")
			}
			continue
		}
		if !valueMatches(col.Type, v) {
			bad = append(bad, fmt.Sprintf("%s (want %s, got %q)", col.Name, col.Type, fmt.Sprintf("%v", v)))
		}
	}

	if len(bad) > 0 {
		sort.Strings(bad)
		return &SchemaMismatchError{Dataset: c.Dataset, Fields: bad}
	}
	return nil
}

// valueMatches reports whether v is, or parses as, the given type. Extract
// payloads arrive as strings (CSV) or json-decoded values (JSONL), so both
// native and string representations are accepted.
func valueMatches(t ColumnType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok || isScalar(v)
	case TypeInt:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		case string:
			_, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
			return err == nil
		}
		return false
	case TypeFloat:
		switch n := v.(type) {
		case int, int32, int64, float32, float64:
			return true
		case string:
			_, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			return err == nil
		}
		return false
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return true
		case string:
			_, err := strconv.ParseBool(b)
			return err == nil
		}
		return false
	case TypeDate:
		s, ok := v.(string)
		if !ok {
			return false
		}
		_, err := time.Parse("2006-01-02", s)
		return err == nil
	case TypeTimestamp:
		s, ok := v.(string)
		if !ok {
			return false
		}
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64, bool:
		return true
	}
	return false
}

// ValidDate reports whether s is a logical date in YYYY-MM-DD form.
func ValidDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}
