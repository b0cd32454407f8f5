package lake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver (also B2, R2, MinIO)
)

// blobStore implements Store on top of a gocloud blob bucket. GCS and S3
// share this implementation; the constructors differ only in the bucket URL.
type blobStore struct {
	bucket *blob.Bucket
	scheme string
	name   string
	prefix string
}

// NewGCSStore creates a store backed by a Google Cloud Storage bucket.
func NewGCSStore(bucketName, prefix string) (Store, error) {
	bucket, err := blob.OpenBucket(context.Background(), "gs://"+bucketName)
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return &blobStore{bucket: bucket, scheme: "gs", name: bucketName, prefix: prefix}, nil
}

// NewS3Store creates a store backed by an S3-compatible bucket.
func NewS3Store(bucketName, prefix, endpoint, region string) (Store, error) {
	url := "s3://" + bucketName
	var params []string
	if region != "" {
		params = append(params, "region="+region)
	}
	if endpoint != "" {
		params = append(params, "endpoint="+endpoint, "s3ForcePathStyle=true")
	}
	if len(params) > 0 {
		url += "?" + strings.Join(params, "&")
	}

	bucket, err := blob.OpenBucket(context.Background(), url)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}
	return &blobStore{bucket: bucket, scheme: "s3", name: bucketName, prefix: prefix}, nil
}

func (s *blobStore) put(ctx context.Context, key string, data []byte) error {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Write stores a data file within a partition. Object stores give atomic
// object visibility, so no temp/rename dance is needed here.
func (s *blobStore) Write(ctx context.Context, ref PartitionRef, file string, data []byte) error {
	return s.put(ctx, ref.FileKey(s.prefix, file), data)
}

// WriteManifest stores the partition manifest.
func (s *blobStore) WriteManifest(ctx context.Context, ref PartitionRef, m *Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.put(ctx, ref.ManifestKey(s.prefix), data)
}

// Read returns the contents of a data file.
func (s *blobStore) Read(ctx context.Context, ref PartitionRef, file string) ([]byte, error) {
	key := ref.FileKey(s.prefix, file)
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// ReadManifest returns the partition manifest.
func (s *blobStore) ReadManifest(ctx context.Context, ref PartitionRef) (*Manifest, error) {
	data, err := s.Read(ctx, ref, "_manifest.json")
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

// Exists reports whether the partition manifest is present.
func (s *blobStore) Exists(ctx context.Context, ref PartitionRef) (bool, error) {
	exists, err := s.bucket.Exists(ctx, ref.ManifestKey(s.prefix))
	if err != nil {
		return false, fmt.Errorf("check manifest for %s: %w", ref.Dir(s.prefix), err)
	}
	return exists, nil
}

// DeletePartition removes every object under the partition's key prefix.
func (s *blobStore) DeletePartition(ctx context.Context, ref PartitionRef) error {
	prefix := ref.Dir(s.prefix) + "/"
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("delete %s: %w", obj.Key, err)
		}
	}
}

// ListPartitions returns the partition segments of a dataset, sorted.
func (s *blobStore) ListPartitions(ctx context.Context, layer Layer, dataset string) ([]string, error) {
	prefix := fmt.Sprintf("%s%s/%s/", s.prefix, layer, dataset)
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})

	var parts []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			seg := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), "/")
			if seg != "" {
				parts = append(parts, seg)
			}
		}
	}
	sort.Strings(parts)
	return parts, nil
}

// URI returns the canonical URI for the given key.
func (s *blobStore) URI(key string) string {
	return fmt.Sprintf("%s://%s/%s", s.scheme, s.name, key)
}

// Close releases the bucket handle.
func (s *blobStore) Close() error {
	return s.bucket.Close()
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
