package catalog

import (
	"context"
	"sync"

	"github.com/treadworks/medallion-pipeline/internal/quality"
	"github.com/treadworks/medallion-pipeline/internal/runstore"
)

// Memory is an in-memory catalog for tests and single-process use.
type Memory struct {
	mu       sync.Mutex
	lineages []Lineage
	quality  []quality.Result
	runs     map[string]*runstore.RunRecord // by run_id, latest state wins
	runOrder []string
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*runstore.RunRecord)}
}

func (m *Memory) RecordLineage(_ context.Context, lin Lineage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineages = append(m.lineages, lin)
	return nil
}

func (m *Memory) RecordQuality(_ context.Context, results []quality.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality = append(m.quality, results...)
	return nil
}

func (m *Memory) RecordRun(_ context.Context, rec *runstore.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if _, ok := m.runs[rec.RunID]; !ok {
		m.runOrder = append(m.runOrder, rec.RunID)
	}
	m.runs[rec.RunID] = &cp
	return nil
}

func (m *Memory) QualityResults(_ context.Context, f Filter) ([]quality.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []quality.Result
	for _, res := range m.quality {
		if matchQuality(res, f) {
			out = append(out, res)
		}
	}
	return out, nil
}

func (m *Memory) Runs(_ context.Context, f Filter) ([]*runstore.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*runstore.RunRecord
	for _, id := range m.runOrder {
		rec := m.runs[id]
		if matchRun(rec, f) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) Lineages(_ context.Context, f Filter) ([]Lineage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Lineage
	for _, lin := range m.lineages {
		if matchLineage(lin, f) {
			out = append(out, lin)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
