package lake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LocalStore writes partitions to the local filesystem. Data files are
// written atomically via temp file + rename.
type LocalStore struct {
	baseDir string
	prefix  string
}

// NewLocalStore creates a local filesystem store rooted at baseDir.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}
	return &LocalStore{baseDir: baseDir, prefix: prefix}, nil
}

func (s *LocalStore) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}

// Write stores a data file within a partition.
func (s *LocalStore) Write(ctx context.Context, ref PartitionRef, file string, data []byte) error {
	return s.writeAtomic(filepath.Join(s.baseDir, ref.FileKey(s.prefix, file)), data)
}

// WriteManifest stores the partition manifest. The manifest is written last
// by callers, so its presence marks the partition as published.
func (s *LocalStore) WriteManifest(ctx context.Context, ref PartitionRef, m *Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.writeAtomic(filepath.Join(s.baseDir, ref.ManifestKey(s.prefix)), data)
}

// Read returns the contents of a data file.
func (s *LocalStore) Read(ctx context.Context, ref PartitionRef, file string) ([]byte, error) {
	path := filepath.Join(s.baseDir, ref.FileKey(s.prefix, file))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// ReadManifest returns the partition manifest.
func (s *LocalStore) ReadManifest(ctx context.Context, ref PartitionRef) (*Manifest, error) {
	data, err := s.Read(ctx, ref, "_manifest.json")
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

// Exists reports whether the partition manifest is present.
func (s *LocalStore) Exists(ctx context.Context, ref PartitionRef) (bool, error) {
	_, err := os.Stat(filepath.Join(s.baseDir, ref.ManifestKey(s.prefix)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// DeletePartition removes a partition directory and everything in it.
func (s *LocalStore) DeletePartition(ctx context.Context, ref PartitionRef) error {
	dir := filepath.Join(s.baseDir, ref.Dir(s.prefix))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove partition %s: %w", dir, err)
	}
	return nil
}

// ListPartitions returns the partition segments of a dataset, sorted.
func (s *LocalStore) ListPartitions(ctx context.Context, layer Layer, dataset string) ([]string, error) {
	dir := filepath.Join(s.baseDir, s.prefix+string(layer), dataset)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list partitions in %s: %w", dir, err)
	}

	var parts []string
	for _, e := range entries {
		if e.IsDir() {
			parts = append(parts, e.Name())
		}
	}
	sort.Strings(parts)
	return parts, nil
}

// URI returns the canonical URI for the given key.
func (s *LocalStore) URI(key string) string {
	return "file://" + filepath.Join(s.baseDir, key)
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}
