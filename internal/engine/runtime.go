package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrypster/gergy/internal/budget"
	"github.com/scrypster/gergy/internal/cache"
	"github.com/scrypster/gergy/internal/config"
	"github.com/scrypster/gergy/internal/logging"
	"github.com/scrypster/gergy/internal/metrics"
	"github.com/scrypster/gergy/internal/patterns"
	"github.com/scrypster/gergy/internal/session"
	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/internal/storage/postgres"
	"github.com/scrypster/gergy/internal/storage/sqlite"
)

// Runtime is a fully wired engine built from configuration.
type Runtime struct {
	Config      *config.Config
	Store       storage.KnowledgeStore
	Cache       *cache.Cache // nil when the cache backend is "none"
	Ledger      *budget.Ledger
	Patterns    *patterns.Engine
	Sessions    *session.Manager
	Coordinator *Coordinator
	Maintenance *Maintenance
	Watcher     *patterns.CatalogWatcher // nil unless patterns.watch is set
	Metrics     *metrics.Metrics

	logger logrus.FieldLogger
}

// Open builds every component described by cfg. An invalid template catalog
// or an unreachable knowledge store aborts startup; an unreachable cache
// does not.
func Open(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, m *metrics.Metrics) (*Runtime, error) {
	logger = logging.OrDiscard(logger)
	m = metrics.OrNew(m)

	catalog, err := loadCatalog(cfg.Patterns)
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Budget.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid budget timezone: %w", err)
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	rc, err := openCache(ctx, cfg.Cache, logger, m)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	r := &Runtime{
		Config:  cfg,
		Store:   store,
		Cache:   rc,
		Metrics: m,
		logger:  logger,
	}

	r.Ledger = budget.NewLedger(store, cfg.Budget.Limits,
		budget.WithReservationTimeout(cfg.Budget.ReservationTimeout),
		budget.WithLocation(loc),
		budget.WithLogger(logger),
		budget.WithMetrics(m),
		budget.WithAlerts(store, budget.DefaultAlertThresholds),
	)
	r.Patterns = patterns.NewEngine(catalog,
		patterns.WithThreshold(cfg.Patterns.Threshold),
		patterns.WithStore(store),
		patterns.WithLogger(logger),
		patterns.WithMetrics(m),
	)
	r.Sessions = session.NewManager(
		session.WithStore(store),
		session.WithInactivity(cfg.Session.Inactivity),
		session.WithLogger(logger),
		session.WithMetrics(m),
	)

	r.Coordinator, err = NewCoordinator(Deps{
		Ledger:    r.Ledger,
		Cache:     r.Cache,
		Patterns:  r.Patterns,
		Sessions:  r.Sessions,
		Knowledge: store,
	}, WithLogger(logger), WithMetrics(m))
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	r.Maintenance, err = NewMaintenance(r.Ledger, r.Sessions, r.Cache, MaintenanceConfig{
		ReapInterval: cfg.Budget.ReservationTimeout / 2,
	}, logger)
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	if cfg.Patterns.Watch && cfg.Patterns.CatalogPath != "" {
		r.Watcher = patterns.NewCatalogWatcher(cfg.Patterns.CatalogPath, r.Patterns, logger)
	}

	logger.WithFields(logrus.Fields{
		"storage":   cfg.Storage.Engine,
		"cache":     cfg.Cache.Backend,
		"templates": catalog.Len(),
	}).Info("engine initialized")
	return r, nil
}

// Start launches the background maintenance jobs and the catalog watcher.
// A watcher that cannot start is logged; the loaded catalog stays in use.
func (r *Runtime) Start() {
	r.Maintenance.Start()
	if r.Watcher != nil {
		if err := r.Watcher.Start(); err != nil {
			r.logger.WithError(err).Warn("pattern catalog will not be reloaded")
			r.Watcher = nil
		}
	}
}

// Close stops maintenance and releases the cache and store.
func (r *Runtime) Close() error {
	var errs []error
	if r.Watcher != nil {
		r.Watcher.Stop()
	}
	if r.Maintenance != nil {
		if err := r.Maintenance.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("maintenance: %w", err))
		}
	}
	if r.Cache != nil {
		if err := r.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func loadCatalog(cfg config.PatternsConfig) (*patterns.Catalog, error) {
	if cfg.CatalogPath == "" {
		return patterns.DefaultCatalog(), nil
	}
	return patterns.LoadCatalogFile(cfg.CatalogPath)
}

func openStore(cfg config.StorageConfig, logger logrus.FieldLogger) (storage.KnowledgeStore, error) {
	switch cfg.Engine {
	case "", "sqlite":
		if err := os.MkdirAll(cfg.DataPath, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := sqlite.NewKnowledgeStore(cfg.SQLitePath(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := postgres.NewKnowledgeStore(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}

func openCache(ctx context.Context, cfg config.CacheConfig, logger logrus.FieldLogger, m *metrics.Metrics) (*cache.Cache, error) {
	var backend cache.Backend
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "", "memory":
		backend = cache.NewMemoryBackend(10 * time.Minute)
	case "redis":
		rb, err := cache.NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			// keep going uncached; the breaker lets traffic through once
			// redis comes back
			logger.WithError(err).Warn("redis unreachable at startup, cache degraded")
			rb, err = cache.NewLazyRedisBackend(cfg.RedisURL)
			if err != nil {
				return nil, err
			}
		}
		backend = cache.NewBreakerBackend(rb, cache.BreakerConfig{}, logger)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}

	policy := cache.DecayPolicy{
		Rate:           cfg.DecayRate,
		Unit:           cfg.DecayUnit,
		Floor:          cfg.RelevanceFloor,
		TouchIncrement: cfg.TouchIncrement,
	}
	return cache.New(backend, policy, cfg.TTL, cache.WithLogger(logger), cache.WithMetrics(m)), nil
}
