package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const runSchema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    idempotency_key TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    stage           TEXT NOT NULL,
    logical_date    DATE NOT NULL,
    batch_ids       TEXT[],
    dataset         TEXT,
    status          TEXT NOT NULL,
    error           TEXT,
    started_at      TIMESTAMPTZ NOT NULL,
    ended_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS pipeline_runs_date_idx ON pipeline_runs (logical_date);
CREATE INDEX IF NOT EXISTS pipeline_runs_stage_idx ON pipeline_runs (stage);
`

// PostgresStore persists run records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the runs table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, runSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init run schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const selectCols = `idempotency_key, run_id, stage, logical_date::text, batch_ids, dataset, status,
	COALESCE(error, ''), started_at, COALESCE(ended_at, 'epoch'::timestamptz)`

func (s *PostgresStore) Get(ctx context.Context, key string) (*RunRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectCols+` FROM pipeline_runs WHERE idempotency_key = $1`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) Put(ctx context.Context, rec *RunRecord) error {
	var endedAt *time.Time
	if !rec.EndedAt.IsZero() {
		endedAt = &rec.EndedAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (idempotency_key, run_id, stage, logical_date, batch_ids, dataset, status, error, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			batch_ids = EXCLUDED.batch_ids,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at`,
		rec.IdempotencyKey, rec.RunID, rec.Stage, rec.LogicalDate, rec.BatchIDs,
		rec.Dataset, rec.Status, rec.Error, rec.StartedAt, endedAt)
	if err != nil {
		return fmt.Errorf("upsert run record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByDate(ctx context.Context, logicalDate string) ([]*RunRecord, error) {
	return s.query(ctx,
		`SELECT `+selectCols+` FROM pipeline_runs WHERE logical_date = $1 ORDER BY started_at, run_id`,
		logicalDate)
}

func (s *PostgresStore) ListByStage(ctx context.Context, stage Stage) ([]*RunRecord, error) {
	return s.query(ctx,
		`SELECT `+selectCols+` FROM pipeline_runs WHERE stage = $1 ORDER BY started_at, run_id`,
		string(stage))
}

func (s *PostgresStore) ListRunning(ctx context.Context) ([]*RunRecord, error) {
	return s.query(ctx,
		`SELECT `+selectCols+` FROM pipeline_runs WHERE status = $1 ORDER BY started_at, run_id`,
		string(StatusRunning))
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]*RunRecord, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query run records: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*RunRecord, error) {
	var rec RunRecord
	var endedAt time.Time
	if err := row.Scan(&rec.IdempotencyKey, &rec.RunID, &rec.Stage, &rec.LogicalDate,
		&rec.BatchIDs, &rec.Dataset, &rec.Status, &rec.Error, &rec.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	if endedAt.Unix() != 0 {
		rec.EndedAt = endedAt
	}
	return &rec, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// NewStore builds a store from configuration keys.
func NewStore(backend, dir, dsn string) (Store, error) {
	switch backend {
	case "", "file":
		if dir == "" {
			return nil, fmt.Errorf("dir required for file run store")
		}
		return NewFileStore(dir)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres_dsn required for postgres run store")
		}
		return NewPostgresStore(dsn)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown run store backend: %s", backend)
	}
}
