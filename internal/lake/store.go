// Package lake provides layer-aware partition storage for the medallion
// pipeline. Bronze holds append-only batch partitions, silver and gold hold
// date partitions that are replaced wholesale on each run.
package lake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Layer is a medallion layer.
type Layer string

const (
	Bronze Layer = "bronze"
	Silver Layer = "silver"
	Gold   Layer = "gold"
)

// PartitionRef identifies one partition of a dataset within a layer.
// Partition is the key=value path segment, e.g. "batch=B-20240101-001"
// or "logical_date=2024-01-01".
type PartitionRef struct {
	Layer     Layer
	Dataset   string
	Partition string
}

// Dir returns the directory key for this partition.
func (r PartitionRef) Dir(prefix string) string {
	return fmt.Sprintf("%s%s/%s/%s", prefix, r.Layer, r.Dataset, r.Partition)
}

// FileKey returns the storage key for a file within this partition.
func (r PartitionRef) FileKey(prefix, file string) string {
	return r.Dir(prefix) + "/" + file
}

// ManifestKey returns the storage key for the partition manifest.
func (r PartitionRef) ManifestKey(prefix string) string {
	return r.FileKey(prefix, "_manifest.json")
}

// BatchPartition builds the partition segment for a bronze batch.
func BatchPartition(batchID string) string {
	return "batch=" + batchID
}

// DatePartition builds the partition segment for a silver logical date.
func DatePartition(logicalDate string) string {
	return "logical_date=" + logicalDate
}

// SnapshotPartition builds the partition segment for a gold snapshot date.
func SnapshotPartition(snapshotDate string) string {
	return "snapshot_date=" + snapshotDate
}

// Manifest describes the contents of a partition directory.
type Manifest struct {
	Layer     Layer               `json:"layer"`
	Dataset   string              `json:"dataset"`
	Partition string              `json:"partition"`
	Files     map[string]FileInfo `json:"files"`
	Producer  ProducerInfo        `json:"producer"`
	CreatedAt time.Time           `json:"created_at"`
}

// FileInfo describes a single data file in the partition.
type FileInfo struct {
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the partition.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// Encode returns the manifest as indented JSON.
func (m *Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// RowCount sums rows across the manifest's data files.
func (m *Manifest) RowCount() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.RowCount
	}
	return total
}

// Store abstracts partitioned file storage for all three layers.
type Store interface {
	// Write stores a data file within a partition.
	Write(ctx context.Context, ref PartitionRef, file string, data []byte) error

	// WriteManifest stores the partition manifest.
	WriteManifest(ctx context.Context, ref PartitionRef, m *Manifest) error

	// Read returns the contents of a data file.
	Read(ctx context.Context, ref PartitionRef, file string) ([]byte, error)

	// ReadManifest returns the partition manifest.
	ReadManifest(ctx context.Context, ref PartitionRef) (*Manifest, error)

	// Exists reports whether the partition has been published (manifest present).
	Exists(ctx context.Context, ref PartitionRef) (bool, error)

	// DeletePartition removes a partition and everything in it.
	// Replacing a silver/gold partition is DeletePartition followed by writes.
	DeletePartition(ctx context.Context, ref PartitionRef) error

	// ListPartitions returns the partition segments of a dataset, sorted.
	ListPartitions(ctx context.Context, layer Layer, dataset string) ([]string, error)

	// URI returns the canonical URI for the given key.
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config selects and configures the storage backend.
type Config struct {
	Backend  string `yaml:"backend"` // "local" | "gcs" | "s3"
	LocalDir string `yaml:"local_dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"` // custom S3 endpoint (MinIO, R2, B2)
	Region   string `yaml:"region"`
}

// NewStore creates a storage backend based on configuration.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs backend")
		}
		return NewGCSStore(cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		return NewS3Store(cfg.Bucket, cfg.Prefix, cfg.Endpoint, cfg.Region)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
