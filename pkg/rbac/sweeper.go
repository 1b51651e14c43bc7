package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper is anything that can remove lapsed assignments in one pass
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// SchedulerConfig holds the cron expressions of the background jobs.
// An empty expression disables the job.
type SchedulerConfig struct {
	SweepSchedule         string
	CatalogReloadSchedule string
	JobTimeout            time.Duration
}

// DefaultSchedulerConfig returns the default schedules
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SweepSchedule:         "@every 5m",
		CatalogReloadSchedule: "@every 10m",
		JobTimeout:            2 * time.Minute,
	}
}

// Scheduler runs the expiry sweep and catalog reload on cron schedules.
// A run still in progress skips the next tick.
type Scheduler struct {
	cron    *cron.Cron
	cfg     SchedulerConfig
	sweeper Sweeper
	catalog *PermissionCatalog
	logger  logrus.FieldLogger
}

// NewScheduler validates the schedules and registers the jobs
func NewScheduler(cfg SchedulerConfig, sweeper Sweeper, catalog *PermissionCatalog, logger logrus.FieldLogger) (*Scheduler, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultSchedulerConfig().JobTimeout
	}
	logger = logger.WithField("component", "scheduler")

	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		cfg:     cfg,
		sweeper: sweeper,
		catalog: catalog,
		logger:  logger,
	}

	if cfg.SweepSchedule != "" && sweeper != nil {
		if _, err := s.cron.AddFunc(cfg.SweepSchedule, s.runSweep); err != nil {
			return nil, fmt.Errorf("failed to schedule expiry sweep: %w", err)
		}
	}
	if cfg.CatalogReloadSchedule != "" && catalog != nil {
		if _, err := s.cron.AddFunc(cfg.CatalogReloadSchedule, s.runCatalogReload); err != nil {
			return nil, fmt.Errorf("failed to schedule catalog reload: %w", err)
		}
	}
	return s, nil
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"sweep_schedule":   s.cfg.SweepSchedule,
		"catalog_schedule": s.cfg.CatalogReloadSchedule,
	}).Info("Scheduler started")
}

// Stop prevents new runs and waits for running jobs up to ctx's deadline
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	removed, err := s.sweeper.SweepExpired(ctx)
	log := s.logger.WithFields(logrus.Fields{
		"removed":  removed,
		"duration": time.Since(start),
	})
	if err != nil {
		log.WithError(err).Error("Expiry sweep failed")
		return
	}
	log.Debug("Expiry sweep finished")
}

func (s *Scheduler) runCatalogReload() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	if err := s.catalog.Reload(ctx); err != nil {
		s.logger.WithError(err).Warn("Catalog reload failed; keeping previous snapshot")
	}
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
