// Package cli implements the medallion command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/treadworks/medallion-pipeline/internal/audit"
	"github.com/treadworks/medallion-pipeline/internal/bronze"
	"github.com/treadworks/medallion-pipeline/internal/catalog"
	"github.com/treadworks/medallion-pipeline/internal/config"
	"github.com/treadworks/medallion-pipeline/internal/coordinator"
	"github.com/treadworks/medallion-pipeline/internal/gold"
	"github.com/treadworks/medallion-pipeline/internal/lake"
	"github.com/treadworks/medallion-pipeline/internal/logging"
	"github.com/treadworks/medallion-pipeline/internal/metrics"
	"github.com/treadworks/medallion-pipeline/internal/quality"
	"github.com/treadworks/medallion-pipeline/internal/runstore"
	"github.com/treadworks/medallion-pipeline/internal/schema"
	"github.com/treadworks/medallion-pipeline/internal/silver"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// app holds the assembled pipeline for one command invocation.
type app struct {
	cfg      config.Config
	store    lake.Store
	registry *schema.Registry
	loader   *bronze.Loader
	dims     *silver.Dimensions
	runs     runstore.Store
	catalog  catalog.Writer
	audit    audit.Emitter
	coord    *coordinator.Coordinator
	metrics  *metrics.Metrics
	logger   *slog.Logger

	closers []func() error
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logging.Component("cli")}

	store, err := lake.NewStore(cfg.Lake)
	if err != nil {
		return nil, fmt.Errorf("opening lake store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	runs, err := runstore.NewStore(cfg.Runstore.Backend, cfg.Runstore.Dir, cfg.Runstore.PostgresDSN)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	a.runs = runs
	a.closers = append(a.closers, runs.Close)

	cat, err := catalog.New(ctx, cfg.Catalog.PostgresDSN)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	a.catalog = cat
	a.closers = append(a.closers, cat.Close)

	emitter, err := audit.NewEmitter(audit.Config{
		Enabled:  cfg.Audit.Enabled,
		Dir:      cfg.Audit.Dir,
		Endpoint: cfg.Audit.Endpoint,
		Producer: "medallion-pipeline",
		Version:  Version,
	}, logging.Component("audit"))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening audit emitter: %w", err)
	}
	a.audit = emitter
	a.closers = append(a.closers, emitter.Close)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.Init("medallion")
		metrics.Serve(cfg.Metrics, func(err error) {
			a.logger.Error("metrics server", "error", err)
		})
	}

	producer := lake.ProducerInfo{Name: "medallion-pipeline", Version: Version}
	a.registry = schema.NewRegistry()
	a.loader = bronze.NewLoader(store, a.registry, a.metrics, logging.Component("bronze"), producer)
	a.dims = silver.NewDimensions(store, a.metrics, logging.Component("silver"), producer)

	a.coord = coordinator.New(coordinator.Deps{
		Runs:       runs,
		Loader:     a.loader,
		Conformer:  silver.NewConformer(store, a.loader, a.registry, a.metrics, logging.Component("silver"), producer),
		Dimensions: a.dims,
		Aggregator: gold.NewAggregator(store, a.dims, a.metrics, logging.Component("gold"), producer),
		Registry:   a.registry,
		Gate:       quality.NewGate(cfg.Quality.SampleLimit),
		Catalog:    cat,
		Audit:      emitter,
		Metrics:    a.metrics,
		Logger:     logging.Component("coordinator"),
		Workers:    cfg.Perf.Workers,
	})
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("closing resource", "error", err)
		}
	}
}
