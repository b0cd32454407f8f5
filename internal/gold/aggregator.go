package gold

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/treadworks/medallion-pipeline/internal/lake"
	"github.com/treadworks/medallion-pipeline/internal/metrics"
	"github.com/treadworks/medallion-pipeline/internal/schema"
	"github.com/treadworks/medallion-pipeline/internal/silver"
)

const kpiFile = "part-00000.parquet"

// inputs is what every KPI builder reads from.
type inputs struct {
	store        lake.Store
	dims         *silver.Dimensions
	snapshotDate string
}

// Def declares one KPI: its serving dataset name, its source fact sets,
// how it joins dimensions, and the step that computes and publishes it.
type Def struct {
	Name    string
	Sources []string
	Join    JoinMode
	run     func(context.Context, *Aggregator, *inputs) (int64, error)
}

// Summary reports one published KPI partition.
type Summary struct {
	Name         string
	SnapshotDate string
	Rows         int64
}

// Aggregator computes and publishes the gold KPI partitions.
type Aggregator struct {
	store    lake.Store
	dims     *silver.Dimensions
	metrics  *metrics.Metrics
	logger   *slog.Logger
	producer lake.ProducerInfo
}

// NewAggregator creates a gold aggregator. metrics may be nil.
func NewAggregator(store lake.Store, dims *silver.Dimensions, m *metrics.Metrics, logger *slog.Logger, producer lake.ProducerInfo) *Aggregator {
	return &Aggregator{
		store:    store,
		dims:     dims,
		metrics:  m,
		logger:   logger.With("component", "gold"),
		producer: producer,
	}
}

// BuiltinDefs returns the full KPI set.
func BuiltinDefs() []Def {
	return []Def{
		{
			Name:    KPIInventoryHealth,
			Sources: []string{schema.DatasetInventorySnapshot},
			Join:    JoinNone,
			run:     publish(KPIInventoryHealth, buildInventoryHealth),
		},
		{
			Name:    KPIOTIF,
			Sources: []string{schema.DatasetShipments},
			Join:    JoinNone,
			run:     publish(KPIOTIF, buildOTIF),
		},
		{
			Name:    KPIFillRate,
			Sources: []string{schema.DatasetShipments},
			Join:    JoinNone,
			run:     publish(KPIFillRate, buildFillRate),
		},
		{
			Name:    KPISupplierLeadTime,
			Sources: []string{schema.DatasetPurchaseOrders},
			Join:    JoinAsOf,
			run:     publish(KPISupplierLeadTime, buildSupplierLeadTime),
		},
		{
			Name:    KPIBackorderAging,
			Sources: []string{schema.DatasetPurchaseOrders},
			Join:    JoinNone,
			run:     publish(KPIBackorderAging, buildBackorderAging),
		},
		{
			Name:    KPIInventoryTurnover,
			Sources: []string{schema.DatasetInventorySnapshot, schema.DatasetShipments},
			Join:    JoinNone,
			run:     publish(KPIInventoryTurnover, buildInventoryTurnover),
		},
	}
}

// publish adapts a typed builder into a def's run step: compute the rows,
// then replace the KPI's snapshot partition with them wholesale.
func publish[T any](kpi string, build func(context.Context, *inputs) ([]T, error)) func(context.Context, *Aggregator, *inputs) (int64, error) {
	return func(ctx context.Context, a *Aggregator, in *inputs) (int64, error) {
		rows, err := build(ctx, in)
		if err != nil {
			return 0, err
		}

		ref := kpiRef(kpi, in.snapshotDate)
		if err := a.store.DeletePartition(ctx, ref); err != nil {
			return 0, fmt.Errorf("clearing gold partition: %w", err)
		}
		info, err := lake.WriteParquet(ctx, a.store, ref, kpiFile, rows)
		if err != nil {
			return 0, err
		}
		manifest := &lake.Manifest{
			Layer:     lake.Gold,
			Dataset:   kpi,
			Partition: ref.Partition,
			Files:     map[string]lake.FileInfo{kpiFile: info},
			Producer:  a.producer,
			CreatedAt: time.Now().UTC(),
		}
		if err := a.store.WriteManifest(ctx, ref, manifest); err != nil {
			return 0, fmt.Errorf("publishing gold partition: %w", err)
		}
		if a.metrics != nil {
			a.metrics.PartitionBytes.WithLabelValues(string(lake.Gold), kpi).Observe(float64(info.ByteSize))
		}
		return info.RowCount, nil
	}
}

// Aggregate recomputes the given KPIs for a snapshot date. Each partition
// is fully replaced; output depends only on the current silver and
// dimension state, never on run history.
func (a *Aggregator) Aggregate(ctx context.Context, snapshotDate string, defs []Def) ([]Summary, error) {
	if !schema.ValidDate(snapshotDate) {
		return nil, fmt.Errorf("invalid snapshot date %q", snapshotDate)
	}
	summaries := make([]Summary, 0, len(defs))
	for _, def := range defs {
		in := &inputs{store: a.store, dims: a.dims, snapshotDate: snapshotDate}
		rows, err := def.run(ctx, a, in)
		if err != nil {
			return summaries, fmt.Errorf("kpi %s: %w", def.Name, err)
		}
		summaries = append(summaries, Summary{Name: def.Name, SnapshotDate: snapshotDate, Rows: rows})
		if a.metrics != nil {
			a.metrics.MetricsPublished.WithLabelValues(def.Name).Add(float64(rows))
		}
		a.logger.Info("kpi published",
			"kpi", def.Name,
			"snapshot_date", snapshotDate,
			"rows", rows,
			"join", string(def.Join))
	}
	return summaries, nil
}

// ReadKPI loads a published KPI partition. T must match the KPI's row type.
func ReadKPI[T any](ctx context.Context, store lake.Store, kpi, snapshotDate string) ([]T, error) {
	ref := kpiRef(kpi, snapshotDate)
	exists, err := store.Exists(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return lake.ReadParquet[T](ctx, store, ref, kpiFile)
}

func kpiRef(kpi, snapshotDate string) lake.PartitionRef {
	return lake.PartitionRef{
		Layer:     lake.Gold,
		Dataset:   kpi,
		Partition: lake.SnapshotPartition(snapshotDate),
	}
}
