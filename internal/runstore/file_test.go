package runstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func record(key string, stage Stage, date string, status Status, started time.Time) *RunRecord {
	return &RunRecord{
		RunID:          "run-" + key,
		Stage:          stage,
		LogicalDate:    date,
		IdempotencyKey: key,
		Status:         status,
		StartedAt:      started,
	}
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestStoreGetPut(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			rec := record("abc123", StageBronze, "2024-01-01", StatusRunning, time.Now().UTC())
			if err := store.Put(ctx, rec); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			got, err := store.Get(ctx, "abc123")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.Status != StatusRunning || got.Stage != StageBronze {
				t.Errorf("unexpected record: %+v", got)
			}
			if !got.EndedAt.IsZero() {
				t.Errorf("ended_at should be zero for running record, got %v", got.EndedAt)
			}

			// Transition and re-put under the same key.
			rec.Status = StatusSucceeded
			rec.EndedAt = time.Now().UTC()
			if err := store.Put(ctx, rec); err != nil {
				t.Fatalf("Put transition failed: %v", err)
			}
			got, _ = store.Get(ctx, "abc123")
			if got.Status != StatusSucceeded || !got.Terminal() {
				t.Errorf("transition not persisted: %+v", got)
			}
		})
	}
}

func TestStoreListFilters(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)

			puts := []*RunRecord{
				record("k1", StageBronze, "2024-01-01", StatusSucceeded, base),
				record("k2", StageBronze, "2024-01-01", StatusFailed, base.Add(time.Minute)),
				record("k3", StageSilver, "2024-01-01", StatusRunning, base.Add(2*time.Minute)),
				record("k4", StageBronze, "2024-01-02", StatusRunning, base.Add(3*time.Minute)),
			}
			for _, r := range puts {
				if err := store.Put(ctx, r); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
			}

			byDate, err := store.ListByDate(ctx, "2024-01-01")
			if err != nil || len(byDate) != 3 {
				t.Errorf("ListByDate = %d records, err=%v; want 3", len(byDate), err)
			}
			// Sorted by start time.
			if len(byDate) == 3 && (byDate[0].IdempotencyKey != "k1" || byDate[2].IdempotencyKey != "k3") {
				t.Errorf("records not ordered by start time: %v, %v, %v",
					byDate[0].IdempotencyKey, byDate[1].IdempotencyKey, byDate[2].IdempotencyKey)
			}

			byStage, err := store.ListByStage(ctx, StageBronze)
			if err != nil || len(byStage) != 3 {
				t.Errorf("ListByStage = %d records, err=%v; want 3", len(byStage), err)
			}

			running, err := store.ListRunning(ctx)
			if err != nil || len(running) != 2 {
				t.Errorf("ListRunning = %d records, err=%v; want 2", len(running), err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	rec := record("persist", StageSilver, "2024-02-01", StatusRunning, time.Now().UTC())
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// A new store over the same directory sees the RUNNING record. This is
	// the crash-recovery path: the write-ahead transition must be durable.
	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	running, err := reopened.ListRunning(ctx)
	if err != nil || len(running) != 1 {
		t.Fatalf("ListRunning after reopen = %d, err=%v; want 1", len(running), err)
	}
	if running[0].IdempotencyKey != "persist" {
		t.Errorf("wrong record recovered: %+v", running[0])
	}
}
