package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/treadworks/medallion-pipeline/internal/quality"
	"github.com/treadworks/medallion-pipeline/internal/runstore"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS partition_lineage (
	layer        TEXT NOT NULL,
	dataset      TEXT NOT NULL,
	partition    TEXT NOT NULL,
	logical_date TEXT NOT NULL,
	batch_ids    TEXT[] NOT NULL DEFAULT '{}',
	row_count    BIGINT NOT NULL DEFAULT 0,
	byte_size    BIGINT NOT NULL DEFAULT 0,
	checksum     TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (layer, dataset, partition)
);
CREATE INDEX IF NOT EXISTS idx_lineage_date ON partition_lineage (logical_date);

CREATE TABLE IF NOT EXISTS quality_results (
	id                BIGSERIAL PRIMARY KEY,
	rule_id           TEXT NOT NULL,
	dataset           TEXT NOT NULL,
	batch_id          TEXT NOT NULL,
	severity          TEXT NOT NULL,
	passed            BOOLEAN NOT NULL,
	violation_count   INTEGER NOT NULL DEFAULT 0,
	sample_violations TEXT[] NOT NULL DEFAULT '{}',
	evaluated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quality_batch ON quality_results (batch_id);

CREATE TABLE IF NOT EXISTS run_history (
	run_id          TEXT NOT NULL,
	stage           TEXT NOT NULL,
	logical_date    TEXT NOT NULL,
	batch_ids       TEXT[] NOT NULL DEFAULT '{}',
	dataset         TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	status          TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ,
	PRIMARY KEY (run_id)
);
CREATE INDEX IF NOT EXISTS idx_run_history_date ON run_history (logical_date);
CREATE INDEX IF NOT EXISTS idx_run_history_stage ON run_history (stage);
`

// Postgres writes the catalog to a postgres database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and applies the catalog schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog dsn: %w", err)
	}
	cfg.MaxConns = 5
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to catalog: %w", err)
	}
	if _, err := pool.Exec(ctx, catalogSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying catalog schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) RecordLineage(ctx context.Context, lin Lineage) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO partition_lineage
			(layer, dataset, partition, logical_date, batch_ids, row_count, byte_size, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (layer, dataset, partition) DO UPDATE SET
			logical_date = EXCLUDED.logical_date,
			batch_ids = EXCLUDED.batch_ids,
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			checksum = EXCLUDED.checksum,
			created_at = EXCLUDED.created_at`,
		lin.Layer, lin.Dataset, lin.Partition, lin.LogicalDate, lin.BatchIDs,
		lin.RowCount, lin.ByteSize, lin.Checksum, lin.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording lineage: %w", err)
	}
	return nil
}

func (p *Postgres) RecordQuality(ctx context.Context, results []quality.Result) error {
	for _, res := range results {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO quality_results
				(rule_id, dataset, batch_id, severity, passed, violation_count, sample_violations, evaluated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			res.RuleID, res.Dataset, res.BatchID, string(res.Severity), res.Passed,
			res.ViolationCount, res.SampleViolations, res.EvaluatedAt)
		if err != nil {
			return fmt.Errorf("recording quality result %s/%s: %w", res.RuleID, res.BatchID, err)
		}
	}
	return nil
}

func (p *Postgres) RecordRun(ctx context.Context, rec *runstore.RunRecord) error {
	var ended *time.Time
	if !rec.EndedAt.IsZero() {
		ended = &rec.EndedAt
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO run_history
			(run_id, stage, logical_date, batch_ids, dataset, idempotency_key, status, error, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			ended_at = EXCLUDED.ended_at`,
		rec.RunID, string(rec.Stage), rec.LogicalDate, rec.BatchIDs, rec.Dataset,
		rec.IdempotencyKey, string(rec.Status), rec.Error, rec.StartedAt, ended)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", rec.RunID, err)
	}
	return nil
}

func (p *Postgres) QualityResults(ctx context.Context, f Filter) ([]quality.Result, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT rule_id, dataset, batch_id, severity, passed, violation_count, sample_violations, evaluated_at
		FROM quality_results
		WHERE ($1 = '' OR batch_id = $1)
		  AND ($2 = '' OR dataset = $2)
		ORDER BY evaluated_at, id`,
		f.BatchID, f.Dataset)
	if err != nil {
		return nil, fmt.Errorf("querying quality results: %w", err)
	}
	defer rows.Close()

	var out []quality.Result
	for rows.Next() {
		var res quality.Result
		var severity string
		if err := rows.Scan(&res.RuleID, &res.Dataset, &res.BatchID, &severity,
			&res.Passed, &res.ViolationCount, &res.SampleViolations, &res.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("scanning quality result: %w", err)
		}
		res.Severity = quality.Severity(severity)
		out = append(out, res)
	}
	return out, rows.Err()
}

func (p *Postgres) Runs(ctx context.Context, f Filter) ([]*runstore.RunRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT run_id, stage, logical_date, batch_ids, dataset, idempotency_key, status, error,
		       started_at, COALESCE(ended_at, 'epoch'::timestamptz)
		FROM run_history
		WHERE ($1 = '' OR logical_date = $1)
		  AND ($2 = '' OR stage = $2)
		  AND ($3 = '' OR dataset = $3)
		  AND ($4 = '' OR $4 = ANY(batch_ids))
		ORDER BY started_at, run_id`,
		f.LogicalDate, f.Stage, f.Dataset, f.BatchID)
	if err != nil {
		return nil, fmt.Errorf("querying run history: %w", err)
	}
	defer rows.Close()

	epoch := time.Unix(0, 0).UTC()
	var out []*runstore.RunRecord
	for rows.Next() {
		var rec runstore.RunRecord
		var stage, status string
		if err := rows.Scan(&rec.RunID, &stage, &rec.LogicalDate, &rec.BatchIDs, &rec.Dataset,
			&rec.IdempotencyKey, &status, &rec.Error, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning run record: %w", err)
		}
		rec.Stage = runstore.Stage(stage)
		rec.Status = runstore.Status(status)
		if rec.EndedAt.Equal(epoch) {
			rec.EndedAt = time.Time{}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Lineages(ctx context.Context, f Filter) ([]Lineage, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT layer, dataset, partition, logical_date, batch_ids, row_count, byte_size, checksum, created_at
		FROM partition_lineage
		WHERE ($1 = '' OR logical_date = $1)
		  AND ($2 = '' OR layer = $2)
		  AND ($3 = '' OR dataset = $3)
		  AND ($4 = '' OR $4 = ANY(batch_ids))
		ORDER BY layer, dataset, partition`,
		f.LogicalDate, f.Stage, f.Dataset, f.BatchID)
	if err != nil {
		return nil, fmt.Errorf("querying lineage: %w", err)
	}
	defer rows.Close()

	var out []Lineage
	for rows.Next() {
		var lin Lineage
		if err := rows.Scan(&lin.Layer, &lin.Dataset, &lin.Partition, &lin.LogicalDate,
			&lin.BatchIDs, &lin.RowCount, &lin.ByteSize, &lin.Checksum, &lin.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning lineage: %w", err)
		}
		out = append(out, lin)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
