// Package catalog records what the pipeline did — partition lineage,
// quality results, run history — in a queryable store for operational
// troubleshooting. Postgres-backed when a DSN is configured, otherwise a
// noop writer.
package catalog

import (
	"context"
	"time"

	"github.com/treadworks/medallion-pipeline/internal/quality"
	"github.com/treadworks/medallion-pipeline/internal/runstore"
)

// Lineage ties a published partition back to the batches that fed it.
type Lineage struct {
	Layer       string    `json:"layer"`
	Dataset     string    `json:"dataset"`
	Partition   string    `json:"partition"`
	LogicalDate string    `json:"logical_date"`
	BatchIDs    []string  `json:"batch_ids"`
	RowCount    int64     `json:"row_count"`
	ByteSize    int64     `json:"byte_size"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// Filter narrows catalog queries. Zero fields match everything.
type Filter struct {
	BatchID     string
	LogicalDate string
	Stage       string
	Dataset     string
}

// Writer records and queries pipeline history. Implementations must be
// safe for concurrent use.
type Writer interface {
	RecordLineage(ctx context.Context, lin Lineage) error
	RecordQuality(ctx context.Context, results []quality.Result) error
	RecordRun(ctx context.Context, rec *runstore.RunRecord) error

	QualityResults(ctx context.Context, f Filter) ([]quality.Result, error)
	Runs(ctx context.Context, f Filter) ([]*runstore.RunRecord, error)
	Lineages(ctx context.Context, f Filter) ([]Lineage, error)

	Close() error
}

// New returns a postgres writer when dsn is set, otherwise a noop.
func New(ctx context.Context, dsn string) (Writer, error) {
	if dsn == "" {
		return Noop{}, nil
	}
	return NewPostgres(ctx, dsn)
}

// Noop discards writes and returns empty queries.
type Noop struct{}

func (Noop) RecordLineage(context.Context, Lineage) error          { return nil }
func (Noop) RecordQuality(context.Context, []quality.Result) error { return nil }
func (Noop) RecordRun(context.Context, *runstore.RunRecord) error  { return nil }
func (Noop) QualityResults(context.Context, Filter) ([]quality.Result, error) {
	return nil, nil
}
func (Noop) Runs(context.Context, Filter) ([]*runstore.RunRecord, error) { return nil, nil }
func (Noop) Lineages(context.Context, Filter) ([]Lineage, error)         { return nil, nil }
func (Noop) Close() error                                                { return nil }

func matchRun(rec *runstore.RunRecord, f Filter) bool {
	if f.LogicalDate != "" && rec.LogicalDate != f.LogicalDate {
		return false
	}
	if f.Stage != "" && string(rec.Stage) != f.Stage {
		return false
	}
	if f.Dataset != "" && rec.Dataset != f.Dataset {
		return false
	}
	if f.BatchID != "" {
		for _, id := range rec.BatchIDs {
			if id == f.BatchID {
				return true
			}
		}
		return false
	}
	return true
}

func matchQuality(res quality.Result, f Filter) bool {
	if f.BatchID != "" && res.BatchID != f.BatchID {
		return false
	}
	if f.Dataset != "" && res.Dataset != f.Dataset {
		return false
	}
	return true
}

func matchLineage(lin Lineage, f Filter) bool {
	if f.LogicalDate != "" && lin.LogicalDate != f.LogicalDate {
		return false
	}
	if f.Stage != "" && lin.Layer != f.Stage {
		return false
	}
	if f.Dataset != "" && lin.Dataset != f.Dataset {
		return false
	}
	if f.BatchID != "" {
		for _, id := range lin.BatchIDs {
			if id == f.BatchID {
				return true
			}
		}
		return false
	}
	return true
}
