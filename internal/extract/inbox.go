package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gocloud.dev/blob"

	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
)

// Inbox is where external extractors drop batch payload files.
type Inbox interface {
	// List returns the payload file names currently in the inbox, sorted.
	List(ctx context.Context) ([]string, error)

	// Open opens a payload file for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Close releases any resources.
	Close() error
}

// Config selects the inbox backend.
type Config struct {
	Mode   string `yaml:"mode"` // "local" | "blob"
	Dir    string `yaml:"dir"`
	Bucket string `yaml:"bucket"` // full URL, e.g. gs://extracts or s3://extracts
	Prefix string `yaml:"prefix"`
}

var ErrInvalidInboxMode = errors.New("invalid inbox mode")

// NewInbox constructs an inbox based on the configured mode.
func NewInbox(ctx context.Context, cfg Config) (Inbox, error) {
	switch cfg.Mode {
	case "", "local":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("dir required for local inbox")
		}
		return &localInbox{dir: cfg.Dir}, nil
	case "blob":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for blob inbox")
		}
		bucket, err := blob.OpenBucket(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open inbox bucket %s: %w", cfg.Bucket, err)
		}
		return &blobInbox{bucket: bucket, prefix: cfg.Prefix}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidInboxMode, cfg.Mode)
	}
}

type localInbox struct {
	dir string
}

func (in *localInbox) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return nil, fmt.Errorf("list inbox %s: %w", in.dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (in *localInbox) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(in.dir, name))
	if err != nil {
		return nil, fmt.Errorf("open inbox file %s: %w", name, err)
	}
	return f, nil
}

func (in *localInbox) Close() error { return nil }

type blobInbox struct {
	bucket *blob.Bucket
	prefix string
}

func (in *blobInbox) List(ctx context.Context) ([]string, error) {
	iter := in.bucket.List(&blob.ListOptions{Prefix: in.prefix})
	var names []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list inbox prefix %s: %w", in.prefix, err)
		}
		if !obj.IsDir {
			names = append(names, obj.Key)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (in *blobInbox) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := in.bucket.NewReader(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("open inbox object %s: %w", name, err)
	}
	return r, nil
}

func (in *blobInbox) Close() error { return in.bucket.Close() }
