/**
 * @description
 * The MembershipLedger materializes paid entitlements. Activations normalize the
 * requested tier, compute the expiry, and create-or-merge the account's record
 * through a compare-and-set so that renewals and sweeps never overwrite each
 * other blindly.
 */

package app

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/membership-service/internal/domain"
	"github.com/transfa/membership-service/internal/store"
)

// ActivateParams describes one activation or renewal.
type ActivateParams struct {
	AccountID     string
	RequestedTier string
	ActivatedBy   string
	DurationDays  int
	IntentID      string
}

// MembershipOptions tunes the ledger's thresholds.
type MembershipOptions struct {
	LifetimeThresholdDays int
	ExpiringSoonDays      int
}

// MembershipLedger manages membership records.
type MembershipLedger struct {
	repo                  store.Repository
	tiers                 TierTable
	lifetimeThresholdDays int
	expiringSoonDays      int
	retry                 RetryPolicy
	logger                *slog.Logger
	now                   func() time.Time
}

// NewMembershipLedger creates a ledger over repo using the given tier table.
func NewMembershipLedger(repo store.Repository, tiers TierTable, opts MembershipOptions, retry RetryPolicy, logger *slog.Logger) *MembershipLedger {
	if opts.LifetimeThresholdDays <= 0 {
		opts.LifetimeThresholdDays = 36500
	}
	if opts.ExpiringSoonDays <= 0 {
		opts.ExpiringSoonDays = 7
	}
	return &MembershipLedger{
		repo:                  repo,
		tiers:                 tiers,
		lifetimeThresholdDays: opts.LifetimeThresholdDays,
		expiringSoonDays:      opts.ExpiringSoonDays,
		retry:                 retry,
		logger:                logger,
		now:                   func() time.Time { return time.Now().UTC() },
	}
}

// Activate grants or renews a tier for an account.
func (m *MembershipLedger) Activate(ctx context.Context, params ActivateParams) (*domain.MembershipRecord, error) {
	var record *domain.MembershipRecord
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		err := m.retry.Do(ctx, func(ctx context.Context) error {
			return m.repo.WithinTx(ctx, func(repo store.Repository) error {
				var err error
				record, err = m.activateWith(ctx, repo, params, m.now())
				return err
			})
		})
		if domain.IsConflict(err) {
			m.logger.Debug("membership activation lost a write race; re-reading", "account_id", params.AccountID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		attrs := []any{"account_id", record.AccountID, "tier", record.CurrentTier}
		if record.ExpiresAt != nil {
			attrs = append(attrs, "expires_at", *record.ExpiresAt)
		} else {
			attrs = append(attrs, "lifetime", true)
		}
		m.logger.Info("membership activated", attrs...)
		return record, nil
	}
	return nil, domain.NewError(domain.ErrTransientStore, "membership.activate",
		errors.New("membership record is under heavy contention"))
}

// activateWith performs a single read-modify-write of the account's record through
// repo. A concurrent writer makes the write fail with a conflict.
func (m *MembershipLedger) activateWith(ctx context.Context, repo store.Repository, params ActivateParams, now time.Time) (*domain.MembershipRecord, error) {
	accountID := strings.TrimSpace(params.AccountID)
	if accountID == "" {
		return nil, domain.Validationf("membership.activate", "account id is required")
	}
	tier, ok := m.tiers.Normalize(params.RequestedTier)
	if !ok {
		return nil, domain.Validationf("membership.activate", "unknown tier %q", params.RequestedTier)
	}
	if tier == m.tiers.Base() {
		return nil, domain.Validationf("membership.activate", "cannot activate the base tier %q", tier)
	}
	if params.DurationDays <= 0 {
		return nil, domain.Validationf("membership.activate", "duration must be positive, got %d", params.DurationDays)
	}

	current, err := repo.GetMembership(ctx, accountID)
	var expectedVersion int64
	switch {
	case err == nil:
		expectedVersion = current.Version
	case domain.IsNotFound(err):
		current = nil
	default:
		return nil, err
	}

	record := &domain.MembershipRecord{
		AccountID:       accountID,
		CurrentTier:     tier,
		TierActivatedAt: now,
		TierActivatedBy: params.ActivatedBy,
		ExpiresAt:       m.expiresAt(now, params.DurationDays),
		UpdatedAt:       now,
	}
	if current != nil {
		previous := current.CurrentTier
		record.PreviousTier = &previous
	}
	if params.IntentID != "" {
		intentID := params.IntentID
		record.LastReconciledIntentID = &intentID
	}
	record.IsPremium = domain.PremiumAt(record.CurrentTier, record.ExpiresAt, now)

	if err := repo.SaveMembership(ctx, record, expectedVersion); err != nil {
		return nil, err
	}

	event := domain.AuditEvent{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Action:    domain.AuditMembershipGranted,
		Actor:     params.ActivatedBy,
		Detail:    "tier " + tier,
		CreatedAt: now,
	}
	if record.LastReconciledIntentID != nil {
		event.IntentID = record.LastReconciledIntentID
	}
	if event.Actor == "" {
		event.Actor = domain.ActivatedBySystem
	}
	if err := repo.AppendAudit(ctx, event); err != nil {
		return nil, err
	}
	return record, nil
}

func (m *MembershipLedger) expiresAt(now time.Time, durationDays int) *time.Time {
	if durationDays >= m.lifetimeThresholdDays {
		return nil
	}
	expires := now.Add(time.Duration(durationDays) * 24 * time.Hour)
	return &expires
}

// GetInfo summarizes an account's membership for access gates and profile display.
func (m *MembershipLedger) GetInfo(ctx context.Context, accountID string) (domain.MembershipInfo, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.MembershipInfo{}, domain.Validationf("membership.info", "account id is required")
	}

	var record *domain.MembershipRecord
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		record, err = m.repo.GetMembership(ctx, accountID)
		return err
	})
	if domain.IsNotFound(err) {
		return domain.MembershipInfo{
			AccountID: accountID,
			Tier:      m.tiers.Base(),
			Status:    domain.MembershipFree,
		}, nil
	}
	if err != nil {
		return domain.MembershipInfo{}, err
	}
	return m.describe(*record, m.now()), nil
}

// describe derives the presentation status of record at now.
func (m *MembershipLedger) describe(record domain.MembershipRecord, now time.Time) domain.MembershipInfo {
	info := domain.MembershipInfo{
		AccountID: record.AccountID,
		Tier:      record.CurrentTier,
		ExpiresAt: record.ExpiresAt,
		IsPremium: domain.PremiumAt(record.CurrentTier, record.ExpiresAt, now),
	}

	if record.CurrentTier == m.tiers.Base() {
		info.ExpiresAt = nil
		info.Status = domain.MembershipFree
		return info
	}
	if record.ExpiresAt == nil {
		info.Status = domain.MembershipLifetime
		return info
	}

	days := int(math.Ceil(record.ExpiresAt.Sub(now).Hours() / 24))
	info.DaysRemaining = &days
	switch {
	case days <= 0:
		info.Status = domain.MembershipExpired
	case days <= m.expiringSoonDays:
		info.Status = domain.MembershipExpiringSoon
	default:
		info.Status = domain.MembershipActive
	}
	return info
}

// ListExpiring returns premium memberships that expire within the next withinDays
// days. A non-positive window uses the expiring-soon threshold.
func (m *MembershipLedger) ListExpiring(ctx context.Context, withinDays int) ([]domain.MembershipInfo, error) {
	if withinDays <= 0 {
		withinDays = m.expiringSoonDays
	}
	now := m.now()
	until := now.Add(time.Duration(withinDays) * 24 * time.Hour)

	var records []domain.MembershipRecord
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		records, err = m.repo.ListExpiringPremium(ctx, now, until)
		return err
	})
	if err != nil {
		return nil, err
	}

	infos := make([]domain.MembershipInfo, 0, len(records))
	for _, record := range records {
		infos = append(infos, m.describe(record, now))
	}
	return infos, nil
}
