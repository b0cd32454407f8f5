// Package coordinator sequences the bronze, silver, and gold stages,
// enforcing idempotency keys, write-ahead run records, and stage ordering.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/treadworks/medallion-pipeline/internal/audit"
	"github.com/treadworks/medallion-pipeline/internal/bronze"
	"github.com/treadworks/medallion-pipeline/internal/catalog"
	"github.com/treadworks/medallion-pipeline/internal/extract"
	"github.com/treadworks/medallion-pipeline/internal/gold"
	"github.com/treadworks/medallion-pipeline/internal/lake"
	"github.com/treadworks/medallion-pipeline/internal/metrics"
	"github.com/treadworks/medallion-pipeline/internal/quality"
	"github.com/treadworks/medallion-pipeline/internal/runstore"
	"github.com/treadworks/medallion-pipeline/internal/schema"
	"github.com/treadworks/medallion-pipeline/internal/silver"
)

var (
	// ErrConcurrentRun is returned when a run with the same idempotency key
	// is already executing.
	ErrConcurrentRun = errors.New("concurrent run for idempotency key")

	// ErrSequence is returned when a stage is invoked before its
	// dependencies have succeeded.
	ErrSequence = errors.New("stage invoked out of sequence")
)

// Deps wires the coordinator to its collaborators. Catalog, Audit, and
// Metrics may be left nil; Workers defaults to 4.
type Deps struct {
	Runs       runstore.Store
	Loader     *bronze.Loader
	Conformer  *silver.Conformer
	Dimensions *silver.Dimensions
	Aggregator *gold.Aggregator
	Registry   *schema.Registry
	Gate       *quality.Gate
	Catalog    catalog.Writer
	Audit      audit.Emitter
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Workers    int
}

// Coordinator is the single entry point for running pipeline stages.
type Coordinator struct {
	runs       runstore.Store
	loader     *bronze.Loader
	conformer  *silver.Conformer
	dims       *silver.Dimensions
	aggregator *gold.Aggregator
	registry   *schema.Registry
	gate       *quality.Gate
	catalog    catalog.Writer
	audit      audit.Emitter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	workers    int

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a coordinator.
func New(d Deps) *Coordinator {
	if d.Catalog == nil {
		d.Catalog = catalog.Noop{}
	}
	if d.Audit == nil {
		d.Audit = &audit.NoopEmitter{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Workers <= 0 {
		d.Workers = 4
	}
	return &Coordinator{
		runs:       d.Runs,
		loader:     d.Loader,
		conformer:  d.Conformer,
		dims:       d.Dimensions,
		aggregator: d.Aggregator,
		registry:   d.Registry,
		gate:       d.Gate,
		catalog:    d.Catalog,
		audit:      d.Audit,
		metrics:    d.Metrics,
		logger:     d.Logger.With("component", "coordinator"),
		workers:    d.Workers,
		inflight:   make(map[string]bool),
	}
}

// IdempotencyKey derives the durable key for one stage execution from its
// inputs: stage, logical date, and the sorted batch ID set.
func IdempotencyKey(stage string, logicalDate string, batchIDs []string) string {
	ids := make([]string, len(batchIDs))
	copy(ids, batchIDs)
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{'\n'})
	h.Write([]byte(logicalDate))
	for _, id := range ids {
		h.Write([]byte{'\n'})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// acquire takes the in-process single-flight slot for a key and loads any
// prior record. The caller must invoke release exactly once unless an
// error is returned.
func (c *Coordinator) acquire(ctx context.Context, key string) (*runstore.RunRecord, func(), error) {
	c.mu.Lock()
	if c.inflight[key] {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrConcurrentRun, key)
	}
	c.inflight[key] = true
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}

	prior, err := c.runs.Get(ctx, key)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, release, nil
	}
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("looking up run record: %w", err)
	}
	if prior.Status == runstore.StatusRunning {
		release()
		return nil, nil, fmt.Errorf("%w: run %s is RUNNING", ErrConcurrentRun, prior.RunID)
	}
	return prior, release, nil
}

// begin writes the write-ahead RUNNING record.
func (c *Coordinator) begin(ctx context.Context, rec *runstore.RunRecord) error {
	rec.Status = runstore.StatusRunning
	rec.StartedAt = time.Now().UTC()
	if err := c.runs.Put(ctx, rec); err != nil {
		return fmt.Errorf("writing RUNNING record: %w", err)
	}
	c.recordTransition(ctx, rec)
	return nil
}

// finish transitions the record to its terminal state.
func (c *Coordinator) finish(ctx context.Context, rec *runstore.RunRecord, runErr error) {
	rec.EndedAt = time.Now().UTC()
	if runErr != nil {
		rec.Status = runstore.StatusFailed
		rec.Error = runErr.Error()
	} else {
		rec.Status = runstore.StatusSucceeded
	}
	if err := c.runs.Put(ctx, rec); err != nil {
		c.logger.Error("writing terminal run record", "run_id", rec.RunID, "error", err)
	}
	c.recordTransition(ctx, rec)
	if c.metrics != nil {
		c.metrics.Runs.WithLabelValues(string(rec.Stage), string(rec.Status)).Inc()
		c.metrics.StageDuration.WithLabelValues(string(rec.Stage)).Observe(rec.EndedAt.Sub(rec.StartedAt).Seconds())
	}
}

func (c *Coordinator) recordTransition(ctx context.Context, rec *runstore.RunRecord) {
	if err := c.catalog.RecordRun(ctx, rec); err != nil {
		c.logger.Warn("recording run in catalog", "run_id", rec.RunID, "error", err)
	}
	err := c.audit.Emit(ctx, audit.Event{
		Kind:        audit.KindRunTransition,
		Stage:       string(rec.Stage),
		LogicalDate: rec.LogicalDate,
		RunID:       rec.RunID,
		Status:      string(rec.Status),
		Detail:      map[string]any{"batch_ids": strings.Join(rec.BatchIDs, ",")},
	})
	if err != nil {
		c.logger.Warn("emitting audit event", "run_id", rec.RunID, "error", err)
	}
}

// Submit runs the bronze stage for one batch. A SUCCEEDED run with the
// same idempotency key is a no-op returning the stored record; a FAILED
// one is retried from scratch with the partition replaced.
func (c *Coordinator) Submit(ctx context.Context, batch extract.Batch, records []extract.RawRecord) (*runstore.RunRecord, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	key := IdempotencyKey(string(runstore.StageBronze), batch.LogicalDate, []string{batch.BatchID})
	prior, release, err := c.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()
	if prior != nil && prior.Status == runstore.StatusSucceeded {
		c.logger.Info("bronze replay is a no-op",
			"batch_id", batch.BatchID, "run_id", prior.RunID)
		return prior, nil
	}
	replace := prior != nil && prior.Status == runstore.StatusFailed

	rec := &runstore.RunRecord{
		RunID:          uuid.NewString(),
		Stage:          runstore.StageBronze,
		LogicalDate:    batch.LogicalDate,
		BatchIDs:       []string{batch.BatchID},
		Dataset:        batch.Dataset,
		IdempotencyKey: key,
	}
	if err := c.begin(ctx, rec); err != nil {
		return nil, err
	}

	res, loadErr := c.loader.Load(ctx, batch, records, replace)
	c.finish(ctx, rec, loadErr)
	if loadErr != nil {
		return rec, loadErr
	}

	lin := catalog.Lineage{
		Layer:       string(lake.Bronze),
		Dataset:     batch.Dataset,
		Partition:   res.Partition.Partition,
		LogicalDate: batch.LogicalDate,
		BatchIDs:    []string{batch.BatchID},
		RowCount:    res.Records,
		ByteSize:    res.Bytes,
		CreatedAt:   rec.EndedAt,
	}
	if err := c.catalog.RecordLineage(ctx, lin); err != nil {
		c.logger.Warn("recording bronze lineage", "batch_id", batch.BatchID, "error", err)
	}
	return rec, nil
}

// Promote runs silver then gold for a logical date. Silver may only start
// once every claimed bronze batch has SUCCEEDED; gold only after silver.
// Batches blocked by the quality gate are skipped — each gets a SKIPPED
// record — while the remaining batches promote normally.
func (c *Coordinator) Promote(ctx context.Context, logicalDate string) ([]*runstore.RunRecord, error) {
	if !schema.ValidDate(logicalDate) {
		return nil, fmt.Errorf("invalid logical date %q", logicalDate)
	}
	claimed, allIDs, err := c.claimedBatches(ctx, logicalDate)
	if err != nil {
		return nil, err
	}
	if len(allIDs) == 0 {
		return nil, fmt.Errorf("no bronze batches for logical date %s", logicalDate)
	}
	if err := c.checkBronzeComplete(ctx, logicalDate, allIDs); err != nil {
		return nil, err
	}

	var out []*runstore.RunRecord
	silverRec, skipped, err := c.runSilver(ctx, logicalDate, claimed, allIDs)
	if silverRec != nil {
		out = append(out, silverRec)
	}
	out = append(out, skipped...)
	if err != nil {
		return out, err
	}

	goldRec, err := c.runGold(ctx, logicalDate, allIDs)
	if goldRec != nil {
		out = append(out, goldRec)
	}
	return out, err
}

// claimedBatches finds every dataset's batches for the date.
func (c *Coordinator) claimedBatches(ctx context.Context, logicalDate string) (map[string][]extract.Batch, []string, error) {
	datasets := c.registry.Datasets("")
	sort.Strings(datasets)

	claimed := make(map[string][]extract.Batch)
	var allIDs []string
	for _, dataset := range datasets {
		batches, err := c.loader.BatchesForDate(ctx, dataset, logicalDate)
		if err != nil {
			return nil, nil, err
		}
		if len(batches) == 0 {
			continue
		}
		claimed[dataset] = batches
		for _, b := range batches {
			allIDs = append(allIDs, b.BatchID)
		}
	}
	sort.Strings(allIDs)
	return claimed, allIDs, nil
}

// checkBronzeComplete enforces the silver sequencing invariant: every
// claimed batch must have a SUCCEEDED bronze run.
func (c *Coordinator) checkBronzeComplete(ctx context.Context, logicalDate string, batchIDs []string) error {
	recs, err := c.runs.ListByDate(ctx, logicalDate)
	if err != nil {
		return fmt.Errorf("listing bronze runs: %w", err)
	}
	status := make(map[string]runstore.Status)
	for _, rec := range recs {
		if rec.Stage != runstore.StageBronze {
			continue
		}
		for _, id := range rec.BatchIDs {
			status[id] = rec.Status
		}
	}
	for _, id := range batchIDs {
		st, ok := status[id]
		if !ok {
			return fmt.Errorf("%w: batch %s has no bronze run", ErrSequence, id)
		}
		if st != runstore.StatusSucceeded {
			return fmt.Errorf("%w: bronze run for batch %s is %s", ErrSequence, id, st)
		}
	}
	return nil
}

func (c *Coordinator) runSilver(ctx context.Context, logicalDate string, claimed map[string][]extract.Batch, allIDs []string) (*runstore.RunRecord, []*runstore.RunRecord, error) {
	key := IdempotencyKey(string(runstore.StageSilver), logicalDate, allIDs)
	prior, release, err := c.acquire(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer release()
	if prior != nil && prior.Status == runstore.StatusSucceeded {
		c.logger.Info("silver replay is a no-op", "logical_date", logicalDate, "run_id", prior.RunID)
		return prior, nil, nil
	}

	rec := &runstore.RunRecord{
		RunID:          uuid.NewString(),
		Stage:          runstore.StageSilver,
		LogicalDate:    logicalDate,
		BatchIDs:       allIDs,
		IdempotencyKey: key,
	}
	if err := c.begin(ctx, rec); err != nil {
		return nil, nil, err
	}

	blocked, skipped, gateErr := c.runGate(ctx, logicalDate, claimed)
	if gateErr != nil {
		c.finish(ctx, rec, gateErr)
		return rec, skipped, gateErr
	}

	runErr := c.executeSilver(ctx, logicalDate, claimed, blocked)
	c.finish(ctx, rec, runErr)
	return rec, skipped, runErr
}

// runGate evaluates quality rules batch by batch. Blocking failures mark
// the batch blocked and produce a SKIPPED record; they never fail sibling
// batches. The error return is reserved for infrastructure failures.
func (c *Coordinator) runGate(ctx context.Context, logicalDate string, claimed map[string][]extract.Batch) (map[string]bool, []*runstore.RunRecord, error) {
	rules := quality.DefaultRules(c.currentEntityFn(ctx))
	blocked := make(map[string]bool)
	var skipped []*runstore.RunRecord

	datasets := make([]string, 0, len(claimed))
	for dataset := range claimed {
		datasets = append(datasets, dataset)
	}
	sort.Strings(datasets)

	for _, dataset := range datasets {
		for _, batch := range claimed[dataset] {
			records, err := c.loader.ReadBatch(ctx, dataset, batch.BatchID)
			if err != nil {
				return nil, skipped, err
			}
			results := c.gate.Evaluate(ctx, dataset, batch.BatchID, rules, records)
			if err := c.catalog.RecordQuality(ctx, results); err != nil {
				c.logger.Warn("recording quality results", "batch_id", batch.BatchID, "error", err)
			}
			if c.metrics != nil {
				for _, res := range results {
					c.metrics.RulesEvaluated.WithLabelValues(dataset, string(res.Severity)).Inc()
				}
			}

			gateErr := quality.Blocked(dataset, batch.BatchID, results)
			verdict := "passed"
			if gateErr != nil {
				verdict = "blocked"
				blocked[batch.BatchID] = true
				if c.metrics != nil {
					c.metrics.GateFailures.WithLabelValues(dataset).Inc()
				}
				skip := &runstore.RunRecord{
					RunID:          uuid.NewString(),
					Stage:          runstore.StageSilver,
					LogicalDate:    logicalDate,
					BatchIDs:       []string{batch.BatchID},
					Dataset:        dataset,
					IdempotencyKey: IdempotencyKey("silver-skip", logicalDate, []string{batch.BatchID}),
					Status:         runstore.StatusSkipped,
					Error:          gateErr.Error(),
					StartedAt:      time.Now().UTC(),
					EndedAt:        time.Now().UTC(),
				}
				if err := c.runs.Put(ctx, skip); err != nil {
					c.logger.Error("writing SKIPPED record", "batch_id", batch.BatchID, "error", err)
				}
				c.recordTransition(ctx, skip)
				skipped = append(skipped, skip)
			}
			err = c.audit.Emit(ctx, audit.Event{
				Kind:        audit.KindGateVerdict,
				Stage:       string(runstore.StageSilver),
				LogicalDate: logicalDate,
				BatchID:     batch.BatchID,
				Dataset:     dataset,
				Status:      verdict,
			})
			if err != nil {
				c.logger.Warn("emitting gate audit event", "batch_id", batch.BatchID, "error", err)
			}
		}
	}
	return blocked, skipped, nil
}

// currentEntityFn resolves referential rules against current dimension
// entities, caching one lookup per dimension.
func (c *Coordinator) currentEntityFn(ctx context.Context) func(dimension, entityID string) bool {
	cache := make(map[string]map[string]bool)
	return func(dimension, entityID string) bool {
		set, ok := cache[dimension]
		if !ok {
			var err error
			set, err = c.dims.CurrentEntities(ctx, dimension)
			if err != nil {
				c.logger.Warn("loading current entities", "dimension", dimension, "error", err)
				set = map[string]bool{}
			}
			cache[dimension] = set
		}
		return set[entityID]
	}
}

// executeSilver conforms facts and applies dimension updates.
func (c *Coordinator) executeSilver(ctx context.Context, logicalDate string, claimed map[string][]extract.Batch, blocked map[string]bool) error {
	res, err := c.conformer.ConformFacts(ctx, logicalDate, blocked)
	if err != nil {
		return err
	}
	for dataset, rows := range res.Rows {
		lin := catalog.Lineage{
			Layer:       string(lake.Silver),
			Dataset:     dataset,
			Partition:   lake.DatePartition(logicalDate),
			LogicalDate: logicalDate,
			BatchIDs:    res.Batches,
			RowCount:    rows,
			CreatedAt:   time.Now().UTC(),
		}
		if err := c.catalog.RecordLineage(ctx, lin); err != nil {
			c.logger.Warn("recording silver lineage", "dataset", dataset, "error", err)
		}
	}

	updates, err := c.dimensionUpdates(ctx, logicalDate, claimed, blocked)
	if err != nil {
		return err
	}
	return c.applyDimensionUpdates(ctx, updates)
}

// dimensionUpdates collects SCD2 updates from the date's dimension batches.
func (c *Coordinator) dimensionUpdates(ctx context.Context, logicalDate string, claimed map[string][]extract.Batch, blocked map[string]bool) ([]silver.DimensionUpdate, error) {
	var updates []silver.DimensionUpdate
	for _, dataset := range c.registry.Datasets(schema.KindDimension) {
		contract, err := c.registry.Contract(dataset)
		if err != nil {
			return nil, err
		}
		var records []extract.RawRecord
		for _, batch := range claimed[dataset] {
			if blocked[batch.BatchID] {
				continue
			}
			recs, err := c.loader.ReadBatch(ctx, dataset, batch.BatchID)
			if err != nil {
				return nil, err
			}
			for _, rec := range recs {
				if !rec.Malformed {
					records = append(records, rec)
				}
			}
		}
		if len(records) == 0 {
			continue
		}
		ups, err := silver.UpdatesFromRecords(contract, logicalDate, records)
		if err != nil {
			return nil, err
		}
		updates = append(updates, ups...)
	}
	return updates, nil
}

// applyDimensionUpdates fans updates out across a worker pool. Entities
// serialize inside the dimension engine; the pool only bounds parallelism.
func (c *Coordinator) applyDimensionUpdates(ctx context.Context, updates []silver.DimensionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	workers := c.workers
	if workers > len(updates) {
		workers = len(updates)
	}

	work := make(chan silver.DimensionUpdate, len(updates))
	for _, up := range updates {
		work <- up
	}
	close(work)

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for up := range work {
				if _, err := c.dims.Apply(ctx, up); err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (c *Coordinator) runGold(ctx context.Context, logicalDate string, allIDs []string) (*runstore.RunRecord, error) {
	if err := c.checkSilverComplete(ctx, logicalDate); err != nil {
		return nil, err
	}

	key := IdempotencyKey(string(runstore.StageGold), logicalDate, allIDs)
	prior, release, err := c.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()
	if prior != nil && prior.Status == runstore.StatusSucceeded {
		c.logger.Info("gold replay is a no-op", "logical_date", logicalDate, "run_id", prior.RunID)
		return prior, nil
	}

	rec := &runstore.RunRecord{
		RunID:          uuid.NewString(),
		Stage:          runstore.StageGold,
		LogicalDate:    logicalDate,
		BatchIDs:       allIDs,
		IdempotencyKey: key,
	}
	if err := c.begin(ctx, rec); err != nil {
		return nil, err
	}

	summaries, runErr := c.aggregator.Aggregate(ctx, logicalDate, gold.BuiltinDefs())
	c.finish(ctx, rec, runErr)
	if runErr != nil {
		return rec, runErr
	}

	for _, sum := range summaries {
		lin := catalog.Lineage{
			Layer:       string(lake.Gold),
			Dataset:     sum.Name,
			Partition:   lake.SnapshotPartition(logicalDate),
			LogicalDate: logicalDate,
			BatchIDs:    allIDs,
			RowCount:    sum.Rows,
			CreatedAt:   rec.EndedAt,
		}
		if err := c.catalog.RecordLineage(ctx, lin); err != nil {
			c.logger.Warn("recording gold lineage", "kpi", sum.Name, "error", err)
		}
	}
	return rec, nil
}

// checkSilverComplete enforces the gold sequencing invariant.
func (c *Coordinator) checkSilverComplete(ctx context.Context, logicalDate string) error {
	recs, err := c.runs.ListByDate(ctx, logicalDate)
	if err != nil {
		return fmt.Errorf("listing silver runs: %w", err)
	}
	for _, rec := range recs {
		if rec.Stage == runstore.StageSilver && rec.Status == runstore.StatusSucceeded {
			return nil
		}
	}
	return fmt.Errorf("%w: silver has not succeeded for %s", ErrSequence, logicalDate)
}

// Recover marks RUNNING records older than olderThan as FAILED. Run it at
// startup so crashed stages become retryable.
func (c *Coordinator) Recover(ctx context.Context, olderThan time.Duration) ([]*runstore.RunRecord, error) {
	stale, err := c.runs.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing RUNNING records: %w", err)
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	var recovered []*runstore.RunRecord
	for _, rec := range stale {
		if rec.StartedAt.After(cutoff) {
			continue
		}
		rec.Status = runstore.StatusFailed
		rec.Error = "recovered: stage did not finish"
		rec.EndedAt = time.Now().UTC()
		if err := c.runs.Put(ctx, rec); err != nil {
			return recovered, fmt.Errorf("failing stale run %s: %w", rec.RunID, err)
		}
		c.recordTransition(ctx, rec)
		if c.metrics != nil {
			c.metrics.Runs.WithLabelValues(string(rec.Stage), string(rec.Status)).Inc()
		}
		c.logger.Warn("recovered stale run",
			"run_id", rec.RunID,
			"stage", string(rec.Stage),
			"logical_date", rec.LogicalDate,
			"started_at", rec.StartedAt)
		recovered = append(recovered, rec)
	}
	return recovered, nil
}
