// Package runstore persists RunRecords, the system of record for
// idempotency. The coordinator writes a RUNNING record before executing a
// stage and the final state after, so a crash mid-stage leaves a RUNNING
// record a recovery pass can detect.
package runstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no run record exists for a key.
var ErrNotFound = errors.New("run record not found")

// Status is the lifecycle state of a stage run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// Stage is a pipeline stage.
type Stage string

const (
	StageBronze Stage = "bronze"
	StageSilver Stage = "silver"
	StageGold   Stage = "gold"
)

// RunRecord is the durable state of one stage execution.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	Stage          Stage     `json:"stage"`
	LogicalDate    string    `json:"logical_date"`
	BatchIDs       []string  `json:"batch_ids,omitempty"`
	Dataset        string    `json:"dataset,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
}

// Terminal reports whether the record is in a final state.
func (r *RunRecord) Terminal() bool {
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Store persists run records keyed by idempotency key.
type Store interface {
	// Get returns the record for an idempotency key.
	Get(ctx context.Context, key string) (*RunRecord, error)

	// Put inserts or replaces the record for its idempotency key.
	Put(ctx context.Context, rec *RunRecord) error

	// ListByDate returns records for a logical date, all stages.
	ListByDate(ctx context.Context, logicalDate string) ([]*RunRecord, error)

	// ListByStage returns records for a stage, all dates.
	ListByStage(ctx context.Context, stage Stage) ([]*RunRecord, error)

	// ListRunning returns records stuck in RUNNING, for recovery.
	ListRunning(ctx context.Context) ([]*RunRecord, error)

	// Close releases any resources.
	Close() error
}
