package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/treadworks/medallion-pipeline/internal/quality"
	"github.com/treadworks/medallion-pipeline/internal/runstore"
)

func TestMemoryRunFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	recs := []*runstore.RunRecord{
		{RunID: "r1", Stage: runstore.StageBronze, LogicalDate: "2024-01-01", BatchIDs: []string{"b1"}, Status: runstore.StatusSucceeded, StartedAt: started},
		{RunID: "r2", Stage: runstore.StageSilver, LogicalDate: "2024-01-01", BatchIDs: []string{"b1", "b2"}, Status: runstore.StatusFailed, StartedAt: started.Add(time.Minute)},
		{RunID: "r3", Stage: runstore.StageBronze, LogicalDate: "2024-01-02", BatchIDs: []string{"b3"}, Status: runstore.StatusSucceeded, StartedAt: started.Add(2 * time.Minute)},
	}
	for _, rec := range recs {
		if err := m.RecordRun(ctx, rec); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}

	byDate, err := m.Runs(ctx, Filter{LogicalDate: "2024-01-01"})
	if err != nil {
		t.Fatalf("Runs by date: %v", err)
	}
	if len(byDate) != 2 {
		t.Fatalf("by date = %d records, want 2", len(byDate))
	}

	byStage, _ := m.Runs(ctx, Filter{Stage: "bronze"})
	if len(byStage) != 2 || byStage[0].RunID != "r1" || byStage[1].RunID != "r3" {
		t.Fatalf("by stage = %+v", byStage)
	}

	byBatch, _ := m.Runs(ctx, Filter{BatchID: "b2"})
	if len(byBatch) != 1 || byBatch[0].RunID != "r2" {
		t.Fatalf("by batch = %+v", byBatch)
	}
}

func TestMemoryRunUpdatesInPlace(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := &runstore.RunRecord{RunID: "r1", Stage: runstore.StageBronze, LogicalDate: "2024-01-01", Status: runstore.StatusRunning}
	if err := m.RecordRun(ctx, rec); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	rec.Status = runstore.StatusSucceeded
	if err := m.RecordRun(ctx, rec); err != nil {
		t.Fatalf("RecordRun update: %v", err)
	}

	runs, _ := m.Runs(ctx, Filter{})
	if len(runs) != 1 || runs[0].Status != runstore.StatusSucceeded {
		t.Fatalf("runs = %+v, want one SUCCEEDED record", runs)
	}
}

func TestMemoryQualityAndLineageFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	err := m.RecordQuality(ctx, []quality.Result{
		{RuleID: "rule_a", Dataset: "shipments", BatchID: "b1", Passed: true, EvaluatedAt: now},
		{RuleID: "rule_b", Dataset: "shipments", BatchID: "b2", Passed: false, ViolationCount: 3, EvaluatedAt: now},
	})
	if err != nil {
		t.Fatalf("RecordQuality: %v", err)
	}
	got, _ := m.QualityResults(ctx, Filter{BatchID: "b2"})
	if len(got) != 1 || got[0].RuleID != "rule_b" {
		t.Fatalf("quality by batch = %+v", got)
	}

	err = m.RecordLineage(ctx, Lineage{
		Layer: "silver", Dataset: "shipments", Partition: "logical_date=2024-01-01",
		LogicalDate: "2024-01-01", BatchIDs: []string{"b1"}, RowCount: 10, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("RecordLineage: %v", err)
	}
	lins, _ := m.Lineages(ctx, Filter{BatchID: "b1"})
	if len(lins) != 1 || lins[0].Dataset != "shipments" {
		t.Fatalf("lineage by batch = %+v", lins)
	}
	none, _ := m.Lineages(ctx, Filter{BatchID: "b9"})
	if len(none) != 0 {
		t.Fatalf("lineage by unknown batch = %+v", none)
	}
}
