package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/membership-service/internal/config"
)

type stubSweeper struct {
	calls  int
	result SweepResult
	err    error
}

func (s *stubSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	s.calls++
	return s.result, s.err
}

type stubExpirer struct {
	ttl       time.Duration
	batchSize int
	err       error
}

func (s *stubExpirer) ExpireStale(ctx context.Context, ttl time.Duration, batchSize int) (int, error) {
	s.ttl = ttl
	s.batchSize = batchSize
	return 3, s.err
}

func TestJobs_SweepExpiredMemberships(t *testing.T) {
	sweeper := &stubSweeper{result: SweepResult{Scanned: 2, Demoted: 2, Batches: 1}}
	jobs := NewJobs(sweeper, &stubExpirer{}, newTestLogger(), config.Config{})

	jobs.SweepExpiredMemberships()
	sweeper.err = errors.New("list failed")
	jobs.SweepExpiredMemberships()

	if sweeper.calls != 2 {
		t.Fatalf("expected 2 sweeps, got %d", sweeper.calls)
	}
}

func TestJobs_ExpireStaleIntentsUsesConfig(t *testing.T) {
	expirer := &stubExpirer{}
	jobs := NewJobs(&stubSweeper{}, expirer, newTestLogger(), config.Config{IntentTTLMinutes: 90, SweepMaxBatchSize: 200})

	jobs.ExpireStaleIntents()

	if expirer.ttl != 90*time.Minute {
		t.Fatalf("expected ttl 90m, got %s", expirer.ttl)
	}
	if expirer.batchSize != 200 {
		t.Fatalf("expected batch size 200, got %d", expirer.batchSize)
	}
}

func TestJobs_ExpireStaleIntentsDefaultsTTL(t *testing.T) {
	expirer := &stubExpirer{}
	jobs := NewJobs(&stubSweeper{}, expirer, newTestLogger(), config.Config{})

	jobs.ExpireStaleIntents()

	if expirer.ttl != 24*time.Hour {
		t.Fatalf("expected default ttl 24h, got %s", expirer.ttl)
	}
}
