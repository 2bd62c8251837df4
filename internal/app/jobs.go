/**
 * @description
 * Scheduled job implementations for the membership-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/membership-service/internal/config"
)

// MembershipSweeper demotes expired memberships.
type MembershipSweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// StaleIntentExpirer expires intents that never received a confirmation.
type StaleIntentExpirer interface {
	ExpireStale(ctx context.Context, ttl time.Duration, batchSize int) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper MembershipSweeper
	intents StaleIntentExpirer
	logger  *slog.Logger
	config  config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper MembershipSweeper, intents StaleIntentExpirer, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		sweeper: sweeper,
		intents: intents,
		logger:  logger,
		config:  cfg,
	}
}

// SweepExpiredMemberships is the job that demotes lapsed memberships to the base tier.
func (j *Jobs) SweepExpiredMemberships() {
	j.logger.Info("starting membership expiry sweep")
	ctx := context.Background()

	result, err := j.sweeper.Sweep(ctx)
	if err != nil {
		j.logger.Error("failed to sweep expired memberships", "error", err)
		return
	}
	if result.FailedBatches > 0 {
		j.logger.Warn("membership expiry sweep finished with failed batches",
			"scanned", result.Scanned, "demoted", result.Demoted, "skipped", result.Skipped, "failed_batches", result.FailedBatches)
		return
	}

	j.logger.Info("membership expiry sweep finished",
		"scanned", result.Scanned, "demoted", result.Demoted, "skipped", result.Skipped, "batches", result.Batches)
}

// ExpireStaleIntents moves unconfirmed intents older than INTENT_TTL_MINUTES to expired.
func (j *Jobs) ExpireStaleIntents() {
	j.logger.Info("starting stale intent expiry job")
	ctx := context.Background()

	ttl := time.Duration(j.config.IntentTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	count, err := j.intents.ExpireStale(ctx, ttl, j.config.SweepMaxBatchSize)
	if err != nil {
		j.logger.Error("failed to expire stale intents", "error", err)
		return
	}

	j.logger.Info("stale intent expiry job finished", "expired", count)
}
