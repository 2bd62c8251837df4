package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/membership-service/internal/domain"
)

func newStoredIntent(t *testing.T, repo Repository, ref string) *domain.PaymentIntent {
	t.Helper()
	intent := &domain.PaymentIntent{
		ID:                uuid.NewString(),
		ExternalReference: ref,
		AccountID:         "U1",
		PlanID:            "gold",
		Amount:            1000,
		Currency:          "USD",
		Gateway:           domain.GatewayDaimo,
		Status:            domain.IntentCreated,
		CreatedAt:         time.Now().UTC(),
	}
	if err := repo.CreateIntent(context.Background(), intent); err != nil {
		t.Fatalf("CreateIntent returned error: %v", err)
	}
	return intent
}

func TestMemoryRepository_UpdateIntentRejectsStaleVersion(t *testing.T) {
	repo := NewMemoryRepository()
	intent := newStoredIntent(t, repo, "R1")

	first := *intent
	first.Status = domain.IntentStarted
	if err := repo.UpdateIntent(context.Background(), &first, intent.Version); err != nil {
		t.Fatalf("first update returned error: %v", err)
	}
	if first.Version != 2 {
		t.Fatalf("expected version 2 after update, got %d", first.Version)
	}

	stale := *intent
	stale.Status = domain.IntentFailed
	err := repo.UpdateIntent(context.Background(), &stale, intent.Version)
	if !domain.IsConflict(err) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}

	stored, err := repo.GetIntent(context.Background(), intent.ID)
	if err != nil {
		t.Fatalf("GetIntent returned error: %v", err)
	}
	if stored.Status != domain.IntentStarted {
		t.Fatalf("expected stored status started, got %s", stored.Status)
	}
}

func TestMemoryRepository_OneCompletedIntentPerReference(t *testing.T) {
	repo := NewMemoryRepository()
	a := newStoredIntent(t, repo, "R1")
	b := newStoredIntent(t, repo, "R1")
	now := time.Now().UTC()

	a.Status = domain.IntentCompleted
	a.CompletedAt = &now
	if err := repo.UpdateIntent(context.Background(), a, a.Version); err != nil {
		t.Fatalf("completing first intent returned error: %v", err)
	}

	b.Status = domain.IntentCompleted
	b.CompletedAt = &now
	if err := repo.UpdateIntent(context.Background(), b, b.Version); !domain.IsConflict(err) {
		t.Fatalf("expected conflict completing a second intent for R1, got %v", err)
	}

	found, err := repo.FindIntentByExternalReference(context.Background(), "R1")
	if err != nil {
		t.Fatalf("FindIntentByExternalReference returned error: %v", err)
	}
	if found.ID != a.ID {
		t.Fatalf("expected completed intent %s to be preferred, got %s", a.ID, found.ID)
	}
}

func TestMemoryRepository_WithinTxRollsBackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	intent := newStoredIntent(t, repo, "R1")
	boom := errors.New("boom")

	err := repo.WithinTx(context.Background(), func(tx Repository) error {
		next := *intent
		next.Status = domain.IntentCompleted
		if err := tx.UpdateIntent(context.Background(), &next, intent.Version); err != nil {
			return err
		}
		record := &domain.MembershipRecord{AccountID: "U1", CurrentTier: "Gold", IsPremium: true}
		if err := tx.SaveMembership(context.Background(), record, 0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	stored, _ := repo.GetIntent(context.Background(), intent.ID)
	if stored.Status != domain.IntentCreated {
		t.Fatalf("expected intent to remain created, got %s", stored.Status)
	}
	if _, err := repo.GetMembership(context.Background(), "U1"); !domain.IsNotFound(err) {
		t.Fatalf("expected membership write to be rolled back, got %v", err)
	}
}

func TestMemoryRepository_SaveMembershipCAS(t *testing.T) {
	repo := NewMemoryRepository()
	record := &domain.MembershipRecord{AccountID: "U1", CurrentTier: domain.TierBase}

	if err := repo.SaveMembership(context.Background(), record, 0); err != nil {
		t.Fatalf("insert returned error: %v", err)
	}
	if err := repo.SaveMembership(context.Background(), &domain.MembershipRecord{AccountID: "U1"}, 0); !domain.IsConflict(err) {
		t.Fatalf("expected conflict on second insert, got %v", err)
	}
	record.CurrentTier = "Gold"
	if err := repo.SaveMembership(context.Background(), record, 1); err != nil {
		t.Fatalf("update returned error: %v", err)
	}
	if err := repo.SaveMembership(context.Background(), record, 1); !domain.IsConflict(err) {
		t.Fatalf("expected conflict on stale update, got %v", err)
	}
}

func TestMemoryRepository_DemoteExpiredSkipsRenewedRows(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(30 * 24 * time.Hour)

	for _, record := range []*domain.MembershipRecord{
		{AccountID: "expired", CurrentTier: "Gold", ExpiresAt: &past, IsPremium: true},
		{AccountID: "renewed", CurrentTier: "Gold", ExpiresAt: &future, IsPremium: true},
		{AccountID: "lifetime", CurrentTier: "Premium", IsPremium: true},
	} {
		if err := repo.SaveMembership(context.Background(), record, 0); err != nil {
			t.Fatalf("seed %s: %v", record.AccountID, err)
		}
	}

	demoted, err := repo.DemoteExpired(context.Background(), []string{"expired", "renewed", "lifetime", "missing"}, now)
	if err != nil {
		t.Fatalf("DemoteExpired returned error: %v", err)
	}
	if len(demoted) != 1 || demoted[0].AccountID != "expired" {
		t.Fatalf("expected only the expired account to be demoted, got %+v", demoted)
	}

	got, _ := repo.GetMembership(context.Background(), "expired")
	if got.CurrentTier != domain.TierBase || got.IsPremium || got.ExpiresAt != nil {
		t.Fatalf("unexpected demoted record: %+v", got)
	}
	if got.PreviousTier == nil || *got.PreviousTier != "Gold" {
		t.Fatalf("expected previous tier Gold, got %v", got.PreviousTier)
	}
	if got.TierActivatedBy != domain.ActivatedBySystem {
		t.Fatalf("expected activated by system, got %q", got.TierActivatedBy)
	}

	renewed, _ := repo.GetMembership(context.Background(), "renewed")
	if !renewed.IsPremium || renewed.CurrentTier != "Gold" {
		t.Fatalf("renewed record must be untouched, got %+v", renewed)
	}
}

func TestMemoryRepository_OutboxSingleAttemptGoesDead(t *testing.T) {
	repo := NewMemoryRepository()
	if err := repo.EnqueueOutbox(context.Background(), "membership.events", "membership.activated", map[string]string{"a": "b"}, 1); err != nil {
		t.Fatalf("EnqueueOutbox returned error: %v", err)
	}

	msgs, err := repo.ClaimOutboxMessages(context.Background(), 10, 60)
	if err != nil {
		t.Fatalf("ClaimOutboxMessages returned error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one claimed message, got %d", len(msgs))
	}
	if err := repo.MarkOutboxFailed(context.Background(), msgs[0].ID, 1, "broker down"); err != nil {
		t.Fatalf("MarkOutboxFailed returned error: %v", err)
	}

	status, attempts, ok := repo.OutboxStatus(msgs[0].ID)
	if !ok || status != "dead" || attempts != 1 {
		t.Fatalf("expected dead after one attempt, got status=%q attempts=%d ok=%t", status, attempts, ok)
	}

	again, _ := repo.ClaimOutboxMessages(context.Background(), 10, 60)
	if len(again) != 0 {
		t.Fatalf("expected dead message not to be reclaimed, got %d", len(again))
	}
}
