/**
 * @description
 * Cron scheduler setup for the sweeper and intent expiry jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/transfa/membership-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the same job
// are skipped rather than queued.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns an error when
// a schedule cannot be parsed.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.SweepSchedule, s.jobs.SweepExpiredMemberships); err != nil {
		s.logger.Error("failed to schedule membership sweep job", "error", err)
		return err
	}
	s.logger.Info("scheduled membership sweep job", "schedule", s.config.SweepSchedule)

	if _, err := s.cron.AddFunc(s.config.IntentExpirySchedule, s.jobs.ExpireStaleIntents); err != nil {
		s.logger.Error("failed to schedule intent expiry job", "error", err)
		return err
	}
	s.logger.Info("scheduled intent expiry job", "schedule", s.config.IntentExpirySchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
