package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore persists one JSON file per idempotency key in a directory.
// Records survive process crashes, which is what makes the coordinator's
// write-ahead RUNNING transition recoverable.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create run store directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	// Keys are hex digests, safe as file names.
	return filepath.Join(s.dir, "run_"+key+".json")
}

func (s *FileStore) Get(ctx context.Context, key string) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(s.path(key))
}

func (s *FileStore) load(path string) (*RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read run record %s: %w", path, err)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse run record %s: %w", path, err)
	}
	return &rec, nil
}

func (s *FileStore) Put(ctx context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	path := s.path(rec.IdempotencyKey)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write run record %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename run record: %w", err)
	}
	return nil
}

func (s *FileStore) ListByDate(ctx context.Context, logicalDate string) ([]*RunRecord, error) {
	return s.list(func(r *RunRecord) bool { return r.LogicalDate == logicalDate })
}

func (s *FileStore) ListByStage(ctx context.Context, stage Stage) ([]*RunRecord, error) {
	return s.list(func(r *RunRecord) bool { return r.Stage == stage })
}

func (s *FileStore) ListRunning(ctx context.Context) ([]*RunRecord, error) {
	return s.list(func(r *RunRecord) bool { return r.Status == StatusRunning })
}

func (s *FileStore) list(match func(*RunRecord) bool) ([]*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list run store directory: %w", err)
	}

	var out []*RunRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "run_") || filepath.Ext(name) != ".json" {
			continue
		}
		rec, err := s.load(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		if match(rec) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }

// sortRecords orders by start time, then run ID for stable output.
func sortRecords(recs []*RunRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].StartedAt.Before(recs[j].StartedAt)
		}
		return recs[i].RunID < recs[j].RunID
	})
}
