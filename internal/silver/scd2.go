package silver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/treadworks/medallion-pipeline/internal/extract"
	"github.com/treadworks/medallion-pipeline/internal/lake"
	"github.com/treadworks/medallion-pipeline/internal/metrics"
	"github.com/treadworks/medallion-pipeline/internal/schema"
)

const (
	historyPartition = "history"
	historyFile      = "versions.json"
)

var (
	// ErrOutOfOrderSCD is returned when an update's effective_from predates
	// the entity's current version. History is append-forward only.
	ErrOutOfOrderSCD = errors.New("out-of-order dimension update")

	// ErrNoCurrentVersion is returned when an entity has no version
	// matching the lookup.
	ErrNoCurrentVersion = errors.New("no dimension version")
)

// DimensionVersion is one row of an entity's SCD2 history. Intervals are
// half-open [EffectiveFrom, EffectiveTo); a zero EffectiveTo means the
// version is open-ended and current.
type DimensionVersion struct {
	EntityID      string            `json:"entity_id"`
	Attributes    map[string]string `json:"attributes"`
	EffectiveFrom time.Time         `json:"effective_from"`
	EffectiveTo   time.Time         `json:"effective_to,omitzero"`
	IsCurrent     bool              `json:"is_current"`
	VersionNumber int64             `json:"version_number"`
}

// Covers reports whether the version was in effect at the given instant.
func (v DimensionVersion) Covers(at time.Time) bool {
	if at.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveTo.IsZero() || at.Before(v.EffectiveTo)
}

// DimensionUpdate is one incoming attribute snapshot for an entity.
type DimensionUpdate struct {
	Dataset       string
	EntityID      string
	Attributes    map[string]string
	EffectiveFrom time.Time
}

// Dimensions maintains SCD2 version logs, one per dimension dataset,
// persisted in the silver layer. Updates to the same entity serialize on a
// per-entity lock; different entities apply in parallel.
type Dimensions struct {
	store    lake.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	producer lake.ProducerInfo

	mu       sync.Mutex
	datasets map[string]*dimState
}

type dimState struct {
	mu       sync.Mutex // guards the entities map
	saveMu   sync.Mutex // serializes history snapshots and writes
	entities map[string]*entityLog
}

type entityLog struct {
	mu       sync.Mutex
	versions []DimensionVersion // ascending version_number
}

// NewDimensions creates the dimension engine. metrics may be nil.
func NewDimensions(store lake.Store, m *metrics.Metrics, logger *slog.Logger, producer lake.ProducerInfo) *Dimensions {
	return &Dimensions{
		store:    store,
		metrics:  m,
		logger:   logger.With("component", "scd2"),
		producer: producer,
		datasets: make(map[string]*dimState),
	}
}

// Apply applies one attribute snapshot to an entity's history:
//
//  1. no prior version: insert version 1, open-ended, current
//  2. equal attributes: no-op, the current version is returned
//  3. same effective_from, differing attributes: overwrite in place, so
//     a retried run cannot mint duplicate versions
//  4. later effective_from, differing attributes: close the current
//     version at the new effective_from and append the successor
//
// An effective_from earlier than the current version's is rejected with
// ErrOutOfOrderSCD.
func (d *Dimensions) Apply(ctx context.Context, up DimensionUpdate) (DimensionVersion, error) {
	if up.Dataset == "" || up.EntityID == "" {
		return DimensionVersion{}, fmt.Errorf("dimension update missing dataset or entity_id")
	}
	if up.EffectiveFrom.IsZero() {
		return DimensionVersion{}, fmt.Errorf("dimension update for %s/%s missing effective_from", up.Dataset, up.EntityID)
	}
	state, err := d.state(ctx, up.Dataset)
	if err != nil {
		return DimensionVersion{}, err
	}
	log := state.entity(up.EntityID)

	log.mu.Lock()
	version, changed, err := log.apply(up)
	log.mu.Unlock()
	if err != nil {
		return DimensionVersion{}, fmt.Errorf("dimension %s entity %s: %w", up.Dataset, up.EntityID, err)
	}
	if !changed {
		return version, nil
	}

	if err := d.save(ctx, up.Dataset, state); err != nil {
		return DimensionVersion{}, err
	}
	if d.metrics != nil {
		d.metrics.DimensionVersions.WithLabelValues(up.Dataset).Inc()
	}
	d.logger.Info("dimension version applied",
		"dataset", up.Dataset,
		"entity_id", up.EntityID,
		"version", version.VersionNumber,
		"effective_from", version.EffectiveFrom.Format("2006-01-02"))
	return version, nil
}

func (l *entityLog) apply(up DimensionUpdate) (DimensionVersion, bool, error) {
	from := up.EffectiveFrom.UTC()
	attrs := maps.Clone(up.Attributes)

	if len(l.versions) == 0 {
		v := DimensionVersion{
			EntityID:      up.EntityID,
			Attributes:    attrs,
			EffectiveFrom: from,
			IsCurrent:     true,
			VersionNumber: 1,
		}
		l.versions = append(l.versions, v)
		return v, true, nil
	}

	cur := &l.versions[len(l.versions)-1]
	if from.Before(cur.EffectiveFrom) {
		return DimensionVersion{}, false, fmt.Errorf("%w: effective_from %s predates current version's %s",
			ErrOutOfOrderSCD, from.Format("2006-01-02"), cur.EffectiveFrom.Format("2006-01-02"))
	}
	if maps.Equal(cur.Attributes, attrs) {
		return *cur, false, nil
	}
	if from.Equal(cur.EffectiveFrom) {
		cur.Attributes = attrs
		return *cur, true, nil
	}

	cur.EffectiveTo = from
	cur.IsCurrent = false
	next := DimensionVersion{
		EntityID:      up.EntityID,
		Attributes:    attrs,
		EffectiveFrom: from,
		IsCurrent:     true,
		VersionNumber: cur.VersionNumber + 1,
	}
	l.versions = append(l.versions, next)
	return next, true, nil
}

// Current returns the entity's open version.
func (d *Dimensions) Current(ctx context.Context, dataset, entityID string) (DimensionVersion, error) {
	state, err := d.state(ctx, dataset)
	if err != nil {
		return DimensionVersion{}, err
	}
	log := state.entity(entityID)
	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.versions) == 0 {
		return DimensionVersion{}, fmt.Errorf("%w: %s/%s", ErrNoCurrentVersion, dataset, entityID)
	}
	return log.versions[len(log.versions)-1], nil
}

// AsOf returns the version that was in effect at the given instant.
func (d *Dimensions) AsOf(ctx context.Context, dataset, entityID string, at time.Time) (DimensionVersion, error) {
	state, err := d.state(ctx, dataset)
	if err != nil {
		return DimensionVersion{}, err
	}
	log := state.entity(entityID)
	log.mu.Lock()
	defer log.mu.Unlock()
	for i := len(log.versions) - 1; i >= 0; i-- {
		if log.versions[i].Covers(at.UTC()) {
			return log.versions[i], nil
		}
	}
	return DimensionVersion{}, fmt.Errorf("%w: %s/%s as of %s", ErrNoCurrentVersion, dataset, entityID, at.Format("2006-01-02"))
}

// Versions returns the entity's full history, oldest first.
func (d *Dimensions) Versions(ctx context.Context, dataset, entityID string) ([]DimensionVersion, error) {
	state, err := d.state(ctx, dataset)
	if err != nil {
		return nil, err
	}
	log := state.entity(entityID)
	log.mu.Lock()
	defer log.mu.Unlock()
	out := make([]DimensionVersion, len(log.versions))
	copy(out, log.versions)
	return out, nil
}

// CurrentEntities returns the IDs of entities with an open version. The
// quality gate's referential rule checks foreign keys against this set.
func (d *Dimensions) CurrentEntities(ctx context.Context, dataset string) (map[string]bool, error) {
	state, err := d.state(ctx, dataset)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	out := make(map[string]bool, len(state.entities))
	for id, log := range state.entities {
		log.mu.Lock()
		if n := len(log.versions); n > 0 && log.versions[n-1].IsCurrent {
			out[id] = true
		}
		log.mu.Unlock()
	}
	return out, nil
}

func (s *dimState) entity(id string) *entityLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.entities[id]
	if !ok {
		log = &entityLog{}
		s.entities[id] = log
	}
	return log
}

// state lazily loads a dataset's history from the lake.
func (d *Dimensions) state(ctx context.Context, dataset string) (*dimState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.datasets[dataset]; ok {
		return s, nil
	}

	s := &dimState{entities: make(map[string]*entityLog)}
	ref := historyRef(dataset)
	exists, err := d.store.Exists(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("checking dimension history: %w", err)
	}
	if exists {
		data, err := d.store.Read(ctx, ref, historyFile)
		if err != nil {
			return nil, fmt.Errorf("reading dimension history: %w", err)
		}
		var byEntity map[string][]DimensionVersion
		if err := json.Unmarshal(data, &byEntity); err != nil {
			return nil, fmt.Errorf("parsing dimension history for %s: %w", dataset, err)
		}
		for id, versions := range byEntity {
			s.entities[id] = &entityLog{versions: versions}
		}
	}
	d.datasets[dataset] = s
	return s, nil
}

// save persists the dataset's full history. Callers hold no entity locks;
// save takes each briefly while snapshotting. saveMu keeps snapshot and
// write atomic so concurrent appliers cannot publish a stale history.
func (d *Dimensions) save(ctx context.Context, dataset string, s *dimState) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	byEntity := make(map[string][]DimensionVersion, len(s.entities))
	var total int64
	for id, log := range s.entities {
		log.mu.Lock()
		if len(log.versions) > 0 {
			versions := make([]DimensionVersion, len(log.versions))
			copy(versions, log.versions)
			byEntity[id] = versions
			total += int64(len(versions))
		}
		log.mu.Unlock()
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(byEntity, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding dimension history: %w", err)
	}
	ref := historyRef(dataset)
	if err := d.store.Write(ctx, ref, historyFile, data); err != nil {
		return fmt.Errorf("writing dimension history: %w", err)
	}
	manifest := &lake.Manifest{
		Layer:     lake.Silver,
		Dataset:   dataset,
		Partition: historyPartition,
		Files: map[string]lake.FileInfo{
			historyFile: {
				Checksum: lake.Checksum(data),
				RowCount: total,
				ByteSize: int64(len(data)),
			},
		},
		Producer:  d.producer,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.WriteManifest(ctx, ref, manifest); err != nil {
		return fmt.Errorf("publishing dimension history: %w", err)
	}
	return nil
}

func historyRef(dataset string) lake.PartitionRef {
	return lake.PartitionRef{Layer: lake.Silver, Dataset: dataset, Partition: historyPartition}
}

// UpdatesFromRecords converts conformed dimension records into updates
// effective from the batch's logical date. The entity ID is the contract's
// business key; every other contract column becomes an attribute.
func UpdatesFromRecords(contract schema.Contract, logicalDate string, records []extract.RawRecord) ([]DimensionUpdate, error) {
	from, err := time.Parse("2006-01-02", logicalDate)
	if err != nil {
		return nil, fmt.Errorf("invalid logical date %q", logicalDate)
	}
	key := contract.BusinessKey()
	if len(key) != 1 {
		return nil, fmt.Errorf("dimension %s needs a single-column business key", contract.Dataset)
	}

	// Last write per entity wins, matching fact dedupe.
	kept, _ := dedupeLastWriteWins(records, key)
	updates := make([]DimensionUpdate, 0, len(kept))
	for _, rec := range kept {
		attrs := make(map[string]string)
		for _, col := range contract.Columns {
			if col.Key {
				continue
			}
			attrs[col.Name] = rec.String(col.Name)
		}
		updates = append(updates, DimensionUpdate{
			Dataset:       contract.Dataset,
			EntityID:      rec.String(key[0]),
			Attributes:    attrs,
			EffectiveFrom: from.UTC(),
		})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].EntityID < updates[j].EntityID })
	return updates, nil
}
