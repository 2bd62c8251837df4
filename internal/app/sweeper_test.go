package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/transfa/membership-service/internal/domain"
	"github.com/transfa/membership-service/internal/store"
)

func seedMembership(t *testing.T, repo store.MembershipRepository, accountID, tier string, expiresAt *time.Time) {
	t.Helper()
	record := &domain.MembershipRecord{
		AccountID:       accountID,
		CurrentTier:     tier,
		TierActivatedAt: time.Now().UTC().Add(-30 * 24 * time.Hour),
		TierActivatedBy: "seed",
		ExpiresAt:       expiresAt,
		IsPremium:       tier != domain.TierBase,
	}
	if err := repo.SaveMembership(context.Background(), record, 0); err != nil {
		t.Fatalf("SaveMembership(%s) returned error: %v", accountID, err)
	}
}

func TestSweeper_DemotesOnlyExpired(t *testing.T) {
	repo := store.NewMemoryRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedMembership(t, repo, "lapsed", TierGold, ptrTime(now.Add(-time.Second)))
	seedMembership(t, repo, "current", TierGold, ptrTime(now.Add(time.Hour)))
	seedMembership(t, repo, "lifetime", TierPremium, nil)

	sweeper := NewSweeper(repo, 0, fastRetry(), newTestLogger())
	sweeper.now = func() time.Time { return now }

	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if result.Scanned != 1 || result.Demoted != 1 || result.Skipped != 0 || result.Batches != 1 {
		t.Fatalf("unexpected sweep result %+v", result)
	}

	lapsed, _ := repo.GetMembership(context.Background(), "lapsed")
	if lapsed.CurrentTier != domain.TierBase || lapsed.IsPremium || lapsed.ExpiresAt != nil {
		t.Fatalf("expected lapsed account demoted to base, got %+v", lapsed)
	}
	if lapsed.PreviousTier == nil || *lapsed.PreviousTier != TierGold {
		t.Fatalf("expected previous tier Gold, got %v", lapsed.PreviousTier)
	}

	current, _ := repo.GetMembership(context.Background(), "current")
	if current.CurrentTier != TierGold || !current.IsPremium {
		t.Fatalf("expected unexpired account untouched, got %+v", current)
	}
	lifetime, _ := repo.GetMembership(context.Background(), "lifetime")
	if lifetime.CurrentTier != TierPremium || !lifetime.IsPremium {
		t.Fatalf("expected lifetime account untouched, got %+v", lifetime)
	}

	again, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep returned error: %v", err)
	}
	if again.Scanned != 0 || again.Demoted != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %+v", again)
	}
}

func TestSweeper_Batches(t *testing.T) {
	repo := store.NewMemoryRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedMembership(t, repo, fmt.Sprintf("U%d", i), TierBasic, ptrTime(now.Add(-time.Duration(i+1)*time.Hour)))
	}

	sweeper := NewSweeper(repo, 2, fastRetry(), newTestLogger())
	sweeper.now = func() time.Time { return now }

	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if result.Batches != 3 || result.Demoted != 5 {
		t.Fatalf("expected 5 demotions in 3 batches, got %+v", result)
	}
}

// renewingRepo renews an account between the sweeper's listing and its demotion.
type renewingRepo struct {
	*store.MemoryRepository
	afterList func()
}

func (r *renewingRepo) ListExpiredPremium(ctx context.Context, now time.Time) ([]domain.MembershipRecord, error) {
	records, err := r.MemoryRepository.ListExpiredPremium(ctx, now)
	if r.afterList != nil {
		r.afterList()
	}
	return records, err
}

func TestSweeper_DoesNotDemoteRenewedMembership(t *testing.T) {
	repo := &renewingRepo{MemoryRepository: store.NewMemoryRepository()}
	svc := newTestService(repo)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.setNow(now)
	seedMembership(t, repo, "U1", TierGold, ptrTime(now.Add(-time.Minute)))

	repo.afterList = func() {
		if _, err := svc.memberships.Activate(context.Background(), ActivateParams{AccountID: "U1", RequestedTier: "gold", DurationDays: 30}); err != nil {
			t.Errorf("renewal returned error: %v", err)
		}
	}

	sweeper := NewSweeper(repo, 0, fastRetry(), newTestLogger())
	sweeper.now = func() time.Time { return now }
	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if result.Scanned != 1 || result.Demoted != 0 || result.Skipped != 1 {
		t.Fatalf("expected the renewed record to be skipped, got %+v", result)
	}

	record, _ := repo.GetMembership(context.Background(), "U1")
	if record.CurrentTier != TierGold || !record.IsPremium {
		t.Fatalf("expected renewal to survive the sweep, got %+v", record)
	}
}

// failingDemoteRepo fails every demotion of a batch containing failOn.
type failingDemoteRepo struct {
	*store.MemoryRepository
	failOn string
}

func (r *failingDemoteRepo) DemoteExpired(ctx context.Context, accountIDs []string, now time.Time) ([]domain.MembershipRecord, error) {
	for _, id := range accountIDs {
		if id == r.failOn {
			return nil, domain.NewError(domain.ErrTransientStore, "demote", errors.New("deadlock detected"))
		}
	}
	return r.MemoryRepository.DemoteExpired(ctx, accountIDs, now)
}

func TestSweeper_FailedBatchDoesNotStopSweep(t *testing.T) {
	repo := &failingDemoteRepo{MemoryRepository: store.NewMemoryRepository(), failOn: "U0"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedMembership(t, repo, "U0", TierGold, ptrTime(now.Add(-3*time.Hour)))
	seedMembership(t, repo, "U1", TierGold, ptrTime(now.Add(-2*time.Hour)))
	seedMembership(t, repo, "U2", TierGold, ptrTime(now.Add(-time.Hour)))

	sweeper := NewSweeper(repo, 1, fastRetry(), newTestLogger())
	sweeper.now = func() time.Time { return now }
	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if result.FailedBatches != 1 || result.Demoted != 2 {
		t.Fatalf("expected one failed batch and two demotions, got %+v", result)
	}

	record, _ := repo.GetMembership(context.Background(), "U0")
	if !record.IsPremium {
		t.Fatal("expected the failed batch to leave its record for the next sweep")
	}
}

func TestPartition(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	batches := partition(ids, 2)
	if len(batches) != 3 || len(batches[2]) != 1 || batches[2][0] != "e" {
		t.Fatalf("unexpected batches %v", batches)
	}
	if got := partition(nil, 2); len(got) != 0 {
		t.Fatalf("expected no batches, got %v", got)
	}
}
