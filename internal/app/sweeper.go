package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/membership-service/internal/domain"
	"github.com/transfa/membership-service/internal/store"
)

// DefaultMaxBatchSize caps how many records one demotion statement touches.
const DefaultMaxBatchSize = 500

// SweepResult aggregates one sweep pass. Skipped counts listed records that were
// no longer expired at write time, usually because they were renewed.
type SweepResult struct {
	Scanned       int `json:"scanned"`
	Demoted       int `json:"demoted"`
	Skipped       int `json:"skipped"`
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
}

// Sweeper demotes memberships whose expiry has passed.
type Sweeper struct {
	repo         store.MembershipRepository
	maxBatchSize int
	retry        RetryPolicy
	logger       *slog.Logger
	now          func() time.Time
}

// NewSweeper creates a sweeper. A non-positive maxBatchSize uses DefaultMaxBatchSize.
func NewSweeper(repo store.MembershipRepository, maxBatchSize int, retry RetryPolicy, logger *slog.Logger) *Sweeper {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &Sweeper{
		repo:         repo,
		maxBatchSize: maxBatchSize,
		retry:        retry,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Sweep finds expired premium records and demotes them batch by batch. Batches
// commit independently; a failed batch is counted and the sweep moves on. Records
// it misses are found again on the next pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()

	var expired []domain.MembershipRecord
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		expired, err = s.repo.ListExpiredPremium(ctx, now)
		return err
	})
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Scanned: len(expired)}
	for _, batch := range partition(accountIDs(expired), s.maxBatchSize) {
		result.Batches++
		if err := ctx.Err(); err != nil {
			result.FailedBatches++
			continue
		}

		var demoted []domain.MembershipRecord
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			demoted, err = s.repo.DemoteExpired(ctx, batch, now)
			return err
		})
		if err != nil {
			result.FailedBatches++
			s.logger.Error("membership demotion batch failed", "batch", result.Batches, "size", len(batch), "error", err)
			continue
		}
		result.Demoted += len(demoted)
		result.Skipped += len(batch) - len(demoted)
	}
	return result, nil
}

func accountIDs(records []domain.MembershipRecord) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.AccountID)
	}
	return ids
}

func partition(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultMaxBatchSize
	}
	var batches [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}
