/**
 * @description
 * The IntentLedger owns the PaymentIntent lifecycle: creation, legal transitions
 * and lookups by gateway reference. Every transition is a compare-and-set on the
 * intent version and is recorded in the audit log in the same write.
 *
 * @dependencies
 * - github.com/google/uuid: For intent and audit ids.
 * - internal/store: For the conditional-write repository contract.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/membership-service/internal/domain"
	"github.com/transfa/membership-service/internal/store"
)

// maxConflictRetries bounds how often a compare-and-set loser re-reads and retries.
const maxConflictRetries = 3

// CreateIntentParams describes a new payment attempt.
type CreateIntentParams struct {
	AccountID         string          `json:"account_id" validate:"required,max=128"`
	PlanID            string          `json:"plan_id" validate:"required,max=64"`
	Gateway           domain.Gateway  `json:"gateway" validate:"required,oneof=daimo epayco stripe manual"`
	Amount            int64           `json:"amount" validate:"gte=0"`
	Currency          string          `json:"currency" validate:"omitempty,len=3"`
	ExternalReference string          `json:"external_reference,omitempty" validate:"omitempty,max=255"`
	RawPayload        json.RawMessage `json:"-"`
}

// TransitionParams carries the context of a single status change.
type TransitionParams struct {
	Source     domain.Source
	Actor      string
	VerifiedBy string
	Reason     string
	Payload    json.RawMessage
}

// TransitionResult is returned by Transition. AlreadyCompleted is set when another
// intent for the same reference had completed first; Intent is then that record.
type TransitionResult struct {
	Intent           *domain.PaymentIntent
	AlreadyCompleted bool
}

// IntentLedger manages payment intents.
type IntentLedger struct {
	repo    store.Repository
	catalog PlanCatalog
	retry   RetryPolicy
	logger  *slog.Logger
	now     func() time.Time
}

// NewIntentLedger creates a ledger. catalog may be nil, in which case plan ids are
// stored as given.
func NewIntentLedger(repo store.Repository, catalog PlanCatalog, retry RetryPolicy, logger *slog.Logger) *IntentLedger {
	return &IntentLedger{
		repo:    repo,
		catalog: catalog,
		retry:   retry,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create records a new intent in status created. The external reference defaults
// to the intent id when the gateway has not issued one yet.
func (l *IntentLedger) Create(ctx context.Context, params CreateIntentParams) (*domain.PaymentIntent, error) {
	if err := validate.Struct(params); err != nil {
		return nil, domain.NewError(domain.ErrValidation, "intent.create", err)
	}

	planID := strings.TrimSpace(params.PlanID)
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if l.catalog != nil {
		plan, err := l.catalog.Lookup(ctx, planID)
		if err != nil {
			return nil, err
		}
		planID = plan.ID
		if currency == "" {
			currency = plan.Currency
		}
	}

	now := l.now()
	intent := &domain.PaymentIntent{
		ID:                uuid.NewString(),
		ExternalReference: strings.TrimSpace(params.ExternalReference),
		AccountID:         strings.TrimSpace(params.AccountID),
		PlanID:            planID,
		Amount:            params.Amount,
		Currency:          currency,
		Gateway:           params.Gateway,
		Status:            domain.IntentCreated,
		CreatedAt:         now,
		RawPayload:        params.RawPayload,
	}
	if intent.ExternalReference == "" {
		intent.ExternalReference = intent.ID
	}

	err := l.retry.Do(ctx, func(ctx context.Context) error {
		return l.repo.WithinTx(ctx, func(repo store.Repository) error {
			return l.createWith(ctx, repo, intent, "api")
		})
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("payment intent created", "intent_id", intent.ID, "external_reference", intent.ExternalReference, "account_id", intent.AccountID, "plan_id", intent.PlanID)
	return intent, nil
}

func (l *IntentLedger) createWith(ctx context.Context, repo store.Repository, intent *domain.PaymentIntent, actor string) error {
	if err := repo.CreateIntent(ctx, intent); err != nil {
		return err
	}
	return repo.AppendAudit(ctx, newIntentAudit(intent, domain.AuditIntentCreated, "", domain.IntentCreated, actor, "", "", intent.CreatedAt))
}

// Get loads an intent by id.
func (l *IntentLedger) Get(ctx context.Context, intentID string) (*domain.PaymentIntent, error) {
	var intent *domain.PaymentIntent
	err := l.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		intent, err = l.repo.GetIntent(ctx, intentID)
		return err
	})
	return intent, err
}

// FindByExternalReference returns the completed intent for ref if any, otherwise the latest one.
func (l *IntentLedger) FindByExternalReference(ctx context.Context, ref string) (*domain.PaymentIntent, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, domain.Validationf("intent.find", "external reference is required")
	}
	var intent *domain.PaymentIntent
	err := l.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		intent, err = l.repo.FindIntentByExternalReference(ctx, ref)
		return err
	})
	return intent, err
}

// Transition moves an intent to status to. A transition into completed is refused
// for sources that may not complete, and succeeds with AlreadyCompleted when
// another intent for the reference has already completed.
func (l *IntentLedger) Transition(ctx context.Context, intentID string, to domain.IntentStatus, params TransitionParams) (TransitionResult, error) {
	if to == domain.IntentCompleted && !params.Source.CanComplete() {
		return TransitionResult{}, domain.NewError(domain.ErrAuthorization, "intent.transition",
			fmt.Errorf("source %q may not complete a payment", params.Source))
	}

	var result TransitionResult
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		err := l.retry.Do(ctx, func(ctx context.Context) error {
			return l.repo.WithinTx(ctx, func(repo store.Repository) error {
				intent, err := repo.GetIntent(ctx, intentID)
				if err != nil {
					return err
				}

				if to == domain.IntentCompleted {
					existing, err := repo.FindCompletedIntentByExternalReference(ctx, intent.ExternalReference)
					switch {
					case err == nil:
						result = TransitionResult{Intent: existing, AlreadyCompleted: true}
						return nil
					case !domain.IsNotFound(err):
						return err
					}
				}

				if err := l.transitionWith(ctx, repo, intent, to, params); err != nil {
					return err
				}
				result = TransitionResult{Intent: intent}
				return nil
			})
		})
		if domain.IsConflict(err) {
			l.logger.Debug("intent transition lost a write race; re-reading", "intent_id", intentID, "attempt", attempt)
			continue
		}
		return result, err
	}
	return TransitionResult{}, domain.NewError(domain.ErrTransientStore, "intent.transition",
		errors.New("intent is under heavy contention"))
}

// transitionWith applies one legal transition to intent through repo and audits it.
// intent is updated in place on success.
func (l *IntentLedger) transitionWith(ctx context.Context, repo store.Repository, intent *domain.PaymentIntent, to domain.IntentStatus, params TransitionParams) error {
	from := intent.Status
	if !CanTransition(from, to) {
		return domain.Validationf("intent.transition", "illegal transition %s -> %s", from, to)
	}
	if to == domain.IntentCompleted && !params.Source.CanComplete() {
		return domain.NewError(domain.ErrAuthorization, "intent.transition",
			fmt.Errorf("source %q may not complete a payment", params.Source))
	}

	now := l.now()
	next := *intent
	next.Status = to
	next.UpdatedAt = now
	if len(params.Payload) > 0 {
		next.RawPayload = params.Payload
	}
	switch to {
	case domain.IntentCompleted:
		next.CompletedAt = &now
		if params.Source == domain.SourceAdmin && params.VerifiedBy != "" {
			verifiedBy := params.VerifiedBy
			next.VerifiedBy = &verifiedBy
		}
	case domain.IntentFailed:
		reason := params.Reason
		if reason == "" {
			reason = "payment failed"
		}
		next.FailureReason = &reason
	}

	if err := repo.UpdateIntent(ctx, &next, intent.Version); err != nil {
		return err
	}
	if err := repo.AppendAudit(ctx, newIntentAudit(&next, domain.AuditIntentTransition, from, to, params.Actor, params.Source, params.Reason, now)); err != nil {
		return err
	}
	*intent = next
	return nil
}

// ExpireStale moves created and started intents untouched for ttl to expired. A
// row that changed since it was listed is skipped.
func (l *IntentLedger) ExpireStale(ctx context.Context, ttl time.Duration, batchSize int) (int, error) {
	cutoff := l.now().Add(-ttl)

	var stale []domain.PaymentIntent
	err := l.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		stale, err = l.repo.ListStaleIntents(ctx, cutoff, batchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	params := TransitionParams{Actor: domain.ActivatedBySystem, Reason: "no confirmation before timeout"}
	for i := range stale {
		err := l.retry.Do(ctx, func(ctx context.Context) error {
			// transitionWith mutates its argument, so each attempt starts from the listed row.
			intent := stale[i]
			return l.repo.WithinTx(ctx, func(repo store.Repository) error {
				return l.transitionWith(ctx, repo, &intent, domain.IntentExpired, params)
			})
		})
		switch {
		case err == nil:
			expired++
		case domain.IsConflict(err):
			l.logger.Debug("stale intent changed concurrently; skipping", "intent_id", stale[i].ID)
		default:
			l.logger.Error("failed to expire stale intent", "intent_id", stale[i].ID, "error", err)
		}
	}
	return expired, nil
}

func newIntentAudit(intent *domain.PaymentIntent, action domain.AuditAction, from, to domain.IntentStatus, actor string, source domain.Source, detail string, at time.Time) domain.AuditEvent {
	intentID := intent.ID
	if actor == "" {
		actor = domain.ActivatedBySystem
	}
	return domain.AuditEvent{
		ID:         uuid.NewString(),
		IntentID:   &intentID,
		AccountID:  intent.AccountID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Source:     source,
		Detail:     detail,
		CreatedAt:  at,
	}
}
