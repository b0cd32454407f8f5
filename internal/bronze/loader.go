// Package bronze implements the append-only raw layer. Each extraction
// batch becomes one immutable partition of zstd-compressed JSONL; records
// that violate the dataset contract are kept with a malformed marker so
// the raw capture stays complete.
package bronze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/treadworks/medallion-pipeline/internal/extract"
	"github.com/treadworks/medallion-pipeline/internal/lake"
	"github.com/treadworks/medallion-pipeline/internal/metrics"
	"github.com/treadworks/medallion-pipeline/internal/schema"
)

const (
	dataFile = "records.jsonl.zst"
	metaFile = "batch.json"
)

var (
	// ErrDuplicateBatch is returned when a batch partition has already been
	// published for this batch ID.
	ErrDuplicateBatch = errors.New("batch already loaded")

	// ErrBatchNotFound is returned when a batch partition does not exist.
	ErrBatchNotFound = errors.New("batch not found")
)

// Loader appends extraction batches to the bronze layer.
type Loader struct {
	store    lake.Store
	registry *schema.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	producer lake.ProducerInfo
}

// NewLoader creates a bronze loader. metrics may be nil.
func NewLoader(store lake.Store, registry *schema.Registry, m *metrics.Metrics, logger *slog.Logger, producer lake.ProducerInfo) *Loader {
	return &Loader{
		store:    store,
		registry: registry,
		metrics:  m,
		logger:   logger.With("component", "bronze"),
		producer: producer,
	}
}

// LoadResult summarizes one loaded batch.
type LoadResult struct {
	BatchID   string
	Dataset   string
	Records   int64
	Malformed int64
	Bytes     int64
	Partition lake.PartitionRef
}

// Load writes one batch as a bronze partition. A batch whose partition is
// already published returns ErrDuplicateBatch; replace bypasses the check
// and rewrites the partition, which the coordinator only does when retrying
// a batch whose previous run failed.
func (l *Loader) Load(ctx context.Context, batch extract.Batch, records []extract.RawRecord, replace bool) (*LoadResult, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	contract, err := l.registry.Contract(batch.Dataset)
	if err != nil {
		return nil, err
	}

	ref := lake.PartitionRef{
		Layer:     lake.Bronze,
		Dataset:   batch.Dataset,
		Partition: lake.BatchPartition(batch.BatchID),
	}
	exists, err := l.store.Exists(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("checking batch partition: %w", err)
	}
	if exists {
		if !replace {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateBatch, batch.Dataset, batch.BatchID)
		}
		l.logger.Warn("replacing batch partition", "dataset", batch.Dataset, "batch_id", batch.BatchID)
		if err := l.store.DeletePartition(ctx, ref); err != nil {
			return nil, fmt.Errorf("clearing batch partition: %w", err)
		}
	}

	var malformed int64
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		rec := records[i]
		rec.BatchID = batch.BatchID
		if !rec.Malformed {
			var mismatch *schema.SchemaMismatchError
			if err := contract.Validate(rec.Fields); errors.As(err, &mismatch) {
				rec.Malformed = true
				l.logger.Debug("malformed record",
					"dataset", batch.Dataset,
					"batch_id", batch.BatchID,
					"source_row_id", rec.SourceRowID,
					"fields", mismatch.Fields)
			}
		}
		if rec.Malformed {
			malformed++
		}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encoding record %s: %w", rec.SourceRowID, err)
		}
	}

	compressed, err := compress(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("compressing batch %s: %w", batch.BatchID, err)
	}
	if err := l.store.Write(ctx, ref, dataFile, compressed); err != nil {
		return nil, fmt.Errorf("writing batch %s: %w", batch.BatchID, err)
	}

	meta, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding batch descriptor: %w", err)
	}
	if err := l.store.Write(ctx, ref, metaFile, meta); err != nil {
		return nil, fmt.Errorf("writing batch descriptor: %w", err)
	}

	manifest := &lake.Manifest{
		Layer:     lake.Bronze,
		Dataset:   batch.Dataset,
		Partition: ref.Partition,
		Files: map[string]lake.FileInfo{
			dataFile: {
				Checksum: lake.Checksum(compressed),
				RowCount: int64(len(records)),
				ByteSize: int64(len(compressed)),
			},
		},
		Producer:  l.producer,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.WriteManifest(ctx, ref, manifest); err != nil {
		return nil, fmt.Errorf("publishing batch %s: %w", batch.BatchID, err)
	}

	if l.metrics != nil {
		l.metrics.BatchesLoaded.WithLabelValues(batch.Dataset, batch.SourceSystem).Inc()
		l.metrics.RecordsLoaded.WithLabelValues(batch.Dataset).Add(float64(len(records)))
		l.metrics.MalformedRecords.WithLabelValues(batch.Dataset).Add(float64(malformed))
		l.metrics.PartitionBytes.WithLabelValues(string(lake.Bronze), batch.Dataset).Observe(float64(len(compressed)))
	}
	l.logger.Info("batch loaded",
		"dataset", batch.Dataset,
		"batch_id", batch.BatchID,
		"records", len(records),
		"malformed", malformed,
		"bytes", len(compressed))

	return &LoadResult{
		BatchID:   batch.BatchID,
		Dataset:   batch.Dataset,
		Records:   int64(len(records)),
		Malformed: malformed,
		Bytes:     int64(len(compressed)),
		Partition: ref,
	}, nil
}

// ReadBatch returns the records of a published batch partition. The data
// file checksum is verified against the manifest before decoding.
func (l *Loader) ReadBatch(ctx context.Context, dataset, batchID string) ([]extract.RawRecord, error) {
	ref := lake.PartitionRef{
		Layer:     lake.Bronze,
		Dataset:   dataset,
		Partition: lake.BatchPartition(batchID),
	}
	exists, err := l.store.Exists(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("checking batch partition: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrBatchNotFound, dataset, batchID)
	}
	manifest, err := l.store.ReadManifest(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("reading batch manifest: %w", err)
	}
	compressed, err := l.store.Read(ctx, ref, dataFile)
	if err != nil {
		return nil, fmt.Errorf("reading batch %s: %w", batchID, err)
	}
	if info, ok := manifest.Files[dataFile]; ok && !lake.VerifyChecksum(compressed, info.Checksum) {
		return nil, fmt.Errorf("batch %s/%s: checksum mismatch", dataset, batchID)
	}

	raw, err := decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompressing batch %s: %w", batchID, err)
	}

	var records []extract.RawRecord
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var rec extract.RawRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decoding batch %s: %w", batchID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadBatchMeta returns the descriptor of a published batch.
func (l *Loader) ReadBatchMeta(ctx context.Context, dataset, batchID string) (extract.Batch, error) {
	ref := lake.PartitionRef{
		Layer:     lake.Bronze,
		Dataset:   dataset,
		Partition: lake.BatchPartition(batchID),
	}
	exists, err := l.store.Exists(ctx, ref)
	if err != nil {
		return extract.Batch{}, fmt.Errorf("checking batch partition: %w", err)
	}
	if !exists {
		return extract.Batch{}, fmt.Errorf("%w: %s/%s", ErrBatchNotFound, dataset, batchID)
	}
	data, err := l.store.Read(ctx, ref, metaFile)
	if err != nil {
		return extract.Batch{}, fmt.Errorf("reading batch descriptor: %w", err)
	}
	var batch extract.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return extract.Batch{}, fmt.Errorf("parsing batch descriptor: %w", err)
	}
	return batch, nil
}

// BatchesForDate returns the descriptors of a dataset's batches whose
// logical date matches, sorted by batch ID.
func (l *Loader) BatchesForDate(ctx context.Context, dataset, logicalDate string) ([]extract.Batch, error) {
	ids, err := l.ListBatches(ctx, dataset)
	if err != nil {
		return nil, err
	}
	var out []extract.Batch
	for _, id := range ids {
		batch, err := l.ReadBatchMeta(ctx, dataset, id)
		if err != nil {
			return nil, err
		}
		if batch.LogicalDate == logicalDate {
			out = append(out, batch)
		}
	}
	return out, nil
}

// ListBatches returns the batch IDs published for a dataset, sorted.
func (l *Loader) ListBatches(ctx context.Context, dataset string) ([]string, error) {
	parts, err := l.store.ListPartitions(ctx, lake.Bronze, dataset)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if id, ok := strings.CutPrefix(p, "batch="); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	out := enc.EncodeAll(data, nil)
	enc.Close()
	return out, nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
