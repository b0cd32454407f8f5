package lake

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// WriteParquet encodes rows as a parquet file within the partition and
// returns its manifest entry. Row order is preserved, so callers that sort
// deterministically get byte-identical files on re-runs.
func WriteParquet[T any](ctx context.Context, store Store, ref PartitionRef, file string, rows []T) (FileInfo, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf)
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return FileInfo{}, fmt.Errorf("encoding parquet rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return FileInfo{}, fmt.Errorf("finalizing parquet file: %w", err)
	}
	data := buf.Bytes()
	if err := store.Write(ctx, ref, file, data); err != nil {
		return FileInfo{}, fmt.Errorf("writing %s: %w", file, err)
	}
	return FileInfo{
		Checksum: Checksum(data),
		RowCount: int64(len(rows)),
		ByteSize: int64(len(data)),
	}, nil
}

// ReadParquet decodes a parquet file from the partition.
func ReadParquet[T any](ctx context.Context, store Store, ref PartitionRef, file string) ([]T, error) {
	data, err := store.Read(ctx, ref, file)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}
	rows, err := parquet.Read[T](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", file, err)
	}
	return rows, nil
}
