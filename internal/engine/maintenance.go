package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/gergy/internal/budget"
	"github.com/scrypster/gergy/internal/cache"
	"github.com/scrypster/gergy/internal/logging"
	"github.com/scrypster/gergy/internal/session"
)

// MaintenanceConfig sets how often each background task runs.
type MaintenanceConfig struct {
	// ReapInterval releases orphaned budget reservations.
	// Default: half the reservation timeout
	ReapInterval time.Duration

	// SweepInterval marks idle sessions inactive. Default: 1 minute
	SweepInterval time.Duration

	// PurgeInterval drops expired and faded cache entries. Default: 10 minutes
	PurgeInterval time.Duration

	// Clock overrides time.Now.
	Clock func() time.Time
}

// Maintenance runs the periodic housekeeping jobs on a gocron scheduler.
type Maintenance struct {
	scheduler gocron.Scheduler
	ledger    *budget.Ledger
	sessions  *session.Manager
	cache     *cache.Cache
	logger    logrus.FieldLogger
	now       func() time.Time
}

// NewMaintenance registers the housekeeping jobs. The cache may be nil.
// Jobs do not run until Start.
func NewMaintenance(ledger *budget.Ledger, sessions *session.Manager, c *cache.Cache, cfg MaintenanceConfig, logger logrus.FieldLogger) (*Maintenance, error) {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 15 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	m := &Maintenance{
		scheduler: scheduler,
		ledger:    ledger,
		sessions:  sessions,
		cache:     c,
		logger:    logging.OrDiscard(logger),
		now:       cfg.Clock,
	}

	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"reap-reservations", cfg.ReapInterval, m.reap},
		{"sweep-sessions", cfg.SweepInterval, m.sweep},
		{"purge-cache", cfg.PurgeInterval, m.purge},
	}
	for _, j := range jobs {
		if j.name == "purge-cache" && c == nil {
			continue
		}
		_, err := scheduler.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = scheduler.Shutdown()
			return nil, fmt.Errorf("failed to register %s job: %w", j.name, err)
		}
	}

	return m, nil
}

// Start begins running the jobs.
func (m *Maintenance) Start() {
	m.scheduler.Start()
	m.logger.WithField("jobs", len(m.scheduler.Jobs())).Info("maintenance scheduler started")
}

// Shutdown stops the scheduler and waits for running jobs.
func (m *Maintenance) Shutdown() error {
	return m.scheduler.Shutdown()
}

// RunOnce runs every job synchronously.
func (m *Maintenance) RunOnce() {
	m.reap()
	m.sweep()
	if m.cache != nil {
		m.purge()
	}
}

func (m *Maintenance) reap() {
	if n := m.ledger.ReapExpired(m.now()); n > 0 {
		m.logger.WithField("released", n).Info("maintenance: released expired reservations")
	}
}

func (m *Maintenance) sweep() {
	m.sessions.SweepIdle(context.Background(), m.now())
}

func (m *Maintenance) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := m.cache.Purge(ctx)
	if err != nil {
		m.logger.WithError(err).Debug("maintenance: cache purge skipped")
		return
	}
	if n > 0 {
		m.logger.WithField("removed", n).Debug("maintenance: purged cache entries")
	}
}
