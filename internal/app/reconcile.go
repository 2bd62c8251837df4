/**
 * @description
 * The reconciliation Engine turns payment confirmations from gateways, clients and
 * operators into exactly one membership activation per external reference.
 *
 * Key features:
 * - Resolves or creates the PaymentIntent for the event's external reference.
 * - Enforces the trust hierarchy: client callbacks never complete a payment.
 * - Walks the legal transition path and activates the membership in the same
 *   atomic write, so a race loser sees a conflict and re-reads a completed intent.
 * - Emits the activation event after commit; emission failures are queued once
 *   in the outbox and never undo the activation.
 *
 * @dependencies
 * - internal/store: For the conditional-write repository contract.
 * - pkg/rabbitmq (through SideEffectEmitter): For the side-effect work queue.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/membership-service/internal/domain"
	"github.com/transfa/membership-service/internal/store"
)

// EngineOptions tunes the Engine.
type EngineOptions struct {
	// AmountToleranceMinor is how far below the plan price a paid amount may be.
	AmountToleranceMinor int64
	// OutboxExchange is where queued side effects are republished.
	OutboxExchange string
}

// ReconcileResult reports what a reconcile call did.
type ReconcileResult struct {
	Intent *domain.PaymentIntent `json:"intent"`
	// Membership is set only when this call activated the membership.
	Membership *domain.MembershipRecord `json:"membership,omitempty"`
	// Duplicate is set when the reference had already been reconciled.
	Duplicate bool `json:"duplicate"`
	// Ignored is set when the event was valid but had nothing to apply.
	Ignored          bool `json:"ignored"`
	SideEffectQueued bool `json:"side_effect_queued"`
}

// Engine reconciles confirmation events.
type Engine struct {
	repo            store.Repository
	intents         *IntentLedger
	memberships     *MembershipLedger
	catalog         PlanCatalog
	emitter         SideEffectEmitter
	retry           RetryPolicy
	logger          *slog.Logger
	amountTolerance int64
	outboxExchange  string
	now             func() time.Time
}

// NewEngine wires the engine. emitter may be nil, in which case activations emit nothing.
func NewEngine(
	repo store.Repository,
	intents *IntentLedger,
	memberships *MembershipLedger,
	catalog PlanCatalog,
	emitter SideEffectEmitter,
	retry RetryPolicy,
	logger *slog.Logger,
	opts EngineOptions,
) *Engine {
	if opts.OutboxExchange == "" {
		opts.OutboxExchange = domain.MembershipEventsExchange
	}
	return &Engine{
		repo:            repo,
		intents:         intents,
		memberships:     memberships,
		catalog:         catalog,
		emitter:         emitter,
		retry:           retry,
		logger:          logger,
		amountTolerance: opts.AmountToleranceMinor,
		outboxExchange:  opts.OutboxExchange,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile applies a confirmation event. Replays of an already reconciled
// reference succeed with Duplicate set and have no effect.
func (e *Engine) Reconcile(ctx context.Context, event domain.ConfirmationEvent) (ReconcileResult, error) {
	event = normalizeEvent(event)
	if err := validateEvent(event); err != nil {
		return ReconcileResult{}, err
	}

	var plan domain.Plan
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		plan, err = e.catalog.Lookup(ctx, event.PlanID)
		return err
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	target := targetStatus(event)
	if err := e.checkPayment(event, plan, target); err != nil {
		return ReconcileResult{}, err
	}

	// Client callbacks are capped at client_confirmed. An attempt to go further
	// still records the capped progress before it is rejected.
	requested := target
	untrusted := event.Source == domain.SourceClient && progression[target] > progression[domain.IntentClientConfirmed]
	if untrusted {
		target = domain.IntentClientConfirmed
	}

	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		var result ReconcileResult
		err := e.retry.Do(ctx, func(ctx context.Context) error {
			return e.repo.WithinTx(ctx, func(repo store.Repository) error {
				var err error
				result, err = e.apply(ctx, repo, event, plan, target)
				return err
			})
		})
		if domain.IsConflict(err) {
			e.logger.Info("reconcile lost a write race; re-reading", "external_reference", event.ExternalReference, "attempt", attempt)
			continue
		}
		if err != nil {
			return ReconcileResult{}, err
		}

		if result.Membership != nil {
			result.SideEffectQueued = e.dispatch(context.WithoutCancel(ctx), result.Intent, result.Membership)
		}
		e.logger.Info("confirmation reconciled",
			"external_reference", event.ExternalReference,
			"source", event.Source,
			"status", result.Intent.Status,
			"duplicate", result.Duplicate,
			"ignored", result.Ignored,
			"activated", result.Membership != nil,
		)
		if untrusted {
			e.rejectUntrusted(ctx, event, requested)
			return ReconcileResult{}, domain.NewError(domain.ErrAuthorization, "reconcile",
				fmt.Errorf("client callbacks may not move a payment to %s", requested))
		}
		return result, nil
	}
	return ReconcileResult{}, domain.NewError(domain.ErrTransientStore, "reconcile",
		errors.New("external reference is under heavy contention"))
}

// apply runs one reconcile attempt inside a transaction.
func (e *Engine) apply(ctx context.Context, repo store.Repository, event domain.ConfirmationEvent, plan domain.Plan, target domain.IntentStatus) (ReconcileResult, error) {
	actor := actorFor(event)
	now := e.now()

	intent, err := repo.FindIntentByExternalReference(ctx, event.ExternalReference)
	switch {
	case domain.IsNotFound(err):
		currency := event.Currency
		if currency == "" {
			currency = plan.Currency
		}
		intent = &domain.PaymentIntent{
			ID:                uuid.NewString(),
			ExternalReference: event.ExternalReference,
			AccountID:         event.AccountID,
			PlanID:            plan.ID,
			Amount:            event.Amount,
			Currency:          currency,
			Gateway:           event.Gateway,
			Status:            domain.IntentCreated,
			CreatedAt:         now,
			RawPayload:        event.RawPayload,
		}
		if err := e.intents.createWith(ctx, repo, intent, actor); err != nil {
			return ReconcileResult{}, err
		}
	case err != nil:
		return ReconcileResult{}, err
	default:
		if intent.AccountID != event.AccountID {
			return ReconcileResult{}, domain.Validationf("reconcile", "reference %q belongs to another account", event.ExternalReference)
		}
		if !strings.EqualFold(intent.PlanID, plan.ID) && !strings.EqualFold(intent.PlanID, event.PlanID) {
			return ReconcileResult{}, domain.Validationf("reconcile", "reference %q was issued for plan %q, not %q", event.ExternalReference, intent.PlanID, event.PlanID)
		}
	}

	result := ReconcileResult{Intent: intent}
	switch intent.Status {
	case domain.IntentCompleted:
		detail := "confirmation replayed for completed intent"
		if target == domain.IntentFailed {
			detail = fmt.Sprintf("outcome %s after completion recorded only", event.Outcome)
			result.Ignored = true
		} else {
			result.Duplicate = true
		}
		err := repo.AppendAudit(ctx, newIntentAudit(intent, domain.AuditDuplicateIgnored, intent.Status, intent.Status, actor, event.Source, detail, now))
		return result, err
	case domain.IntentFailed:
		detail := "failure replayed for failed intent"
		if target == domain.IntentFailed {
			result.Duplicate = true
		} else {
			detail = "confirmation for failed intent ignored; failed is terminal"
			result.Ignored = true
			e.logger.Warn("confirmation conflicts with failed intent",
				"intent_id", intent.ID,
				"external_reference", intent.ExternalReference,
				"source", event.Source,
				"error", domain.NewError(domain.ErrConflict, "reconcile", errors.New(detail)),
			)
		}
		err := repo.AppendAudit(ctx, newIntentAudit(intent, domain.AuditDuplicateIgnored, intent.Status, intent.Status, actor, event.Source, detail, now))
		return result, err
	}

	params := TransitionParams{
		Source:     event.Source,
		Actor:      actor,
		VerifiedBy: event.VerifiedBy,
		Reason:     event.Reason,
		Payload:    event.RawPayload,
	}

	if target == domain.IntentFailed {
		if event.Source == domain.SourceClient {
			result.Ignored = true
			detail := fmt.Sprintf("client reported outcome %s", event.Outcome)
			return result, repo.AppendAudit(ctx, newIntentAudit(intent, domain.AuditTrustRejected, intent.Status, intent.Status, actor, event.Source, detail, now))
		}
		if params.Reason == "" {
			params.Reason = fmt.Sprintf("gateway reported %s", event.Outcome)
		}
		return result, e.intents.transitionWith(ctx, repo, intent, domain.IntentFailed, params)
	}

	path := pathTo(intent.Status, target, event.Source)
	if len(path) == 0 {
		result.Ignored = true
		return result, nil
	}
	for _, step := range path {
		if err := e.intents.transitionWith(ctx, repo, intent, step, params); err != nil {
			return ReconcileResult{}, err
		}
	}

	if intent.Status == domain.IntentCompleted {
		record, err := e.memberships.activateWith(ctx, repo, ActivateParams{
			AccountID:     intent.AccountID,
			RequestedTier: plan.Tier,
			ActivatedBy:   actor,
			DurationDays:  plan.DurationDays,
			IntentID:      intent.ID,
		}, now)
		if err != nil {
			return ReconcileResult{}, err
		}
		result.Membership = record
	}
	return result, nil
}

// checkPayment compares the paid amount against the plan price. Admin
// verifications are exempt, and a webhook that would complete a payment must
// carry an amount.
func (e *Engine) checkPayment(event domain.ConfirmationEvent, plan domain.Plan, target domain.IntentStatus) error {
	if target == domain.IntentFailed {
		return nil
	}
	if event.Currency != "" && plan.Currency != "" && !strings.EqualFold(event.Currency, plan.Currency) {
		return domain.Validationf("reconcile", "currency %s does not match plan currency %s", event.Currency, plan.Currency)
	}
	switch {
	case event.Source == domain.SourceAdmin:
		return nil
	case event.Source == domain.SourceWebhook && target == domain.IntentCompleted && event.Amount <= 0:
		return domain.Validationf("reconcile", "webhook completing plan %s carries no amount", plan.ID)
	case event.Amount > 0 && event.Amount+e.amountTolerance < plan.Price:
		return domain.Validationf("reconcile", "amount %d is below plan price %d", event.Amount, plan.Price)
	}
	return nil
}

func (e *Engine) rejectUntrusted(ctx context.Context, event domain.ConfirmationEvent, target domain.IntentStatus) {
	e.logger.Warn("untrusted confirmation attempted to complete a payment",
		"security", true,
		"external_reference", event.ExternalReference,
		"account_id", event.AccountID,
		"requested_status", target,
	)
	audit := domain.AuditEvent{
		ID:        uuid.NewString(),
		AccountID: event.AccountID,
		Action:    domain.AuditTrustRejected,
		ToStatus:  target,
		Actor:     actorFor(event),
		Source:    event.Source,
		Detail:    "reference " + event.ExternalReference,
		CreatedAt: e.now(),
	}
	if intent, err := e.repo.FindIntentByExternalReference(ctx, event.ExternalReference); err == nil {
		audit.IntentID = &intent.ID
		audit.FromStatus = intent.Status
	}
	if err := e.repo.AppendAudit(ctx, audit); err != nil {
		e.logger.Error("failed to audit rejected confirmation", "external_reference", event.ExternalReference, "error", err)
	}
}

// dispatch emits the activation event. A failed emission is parked in the outbox
// for one more attempt. It reports whether the event is on its way.
func (e *Engine) dispatch(ctx context.Context, intent *domain.PaymentIntent, record *domain.MembershipRecord) bool {
	if e.emitter == nil {
		return false
	}
	event := domain.MembershipActivatedEvent{
		AccountID:         record.AccountID,
		Tier:              record.CurrentTier,
		ExpiresAt:         record.ExpiresAt,
		IntentID:          intent.ID,
		PlanID:            intent.PlanID,
		Gateway:           intent.Gateway,
		ExternalReference: intent.ExternalReference,
		Amount:            intent.Amount,
		Currency:          intent.Currency,
		ActivatedAt:       record.TierActivatedAt,
	}

	err := e.emitter.EmitMembershipActivated(ctx, event)
	if err == nil {
		return true
	}

	e.logger.Warn("side effect dispatch failed; activation stands", "intent_id", intent.ID, "account_id", record.AccountID, "error", err)
	audit := newIntentAudit(intent, domain.AuditSideEffectFailed, "", "", domain.ActivatedBySystem, "", err.Error(), e.now())
	if auditErr := e.repo.AppendAudit(ctx, audit); auditErr != nil {
		e.logger.Error("failed to audit side effect failure", "intent_id", intent.ID, "error", auditErr)
	}
	if queueErr := e.repo.EnqueueOutbox(ctx, e.outboxExchange, domain.MembershipActivatedRoutingKey, event, 1); queueErr != nil {
		e.logger.Error("failed to queue side effect for retry", "intent_id", intent.ID, "error", queueErr)
		return false
	}
	return true
}

func normalizeEvent(event domain.ConfirmationEvent) domain.ConfirmationEvent {
	event.ExternalReference = strings.TrimSpace(event.ExternalReference)
	event.AccountID = strings.TrimSpace(event.AccountID)
	event.PlanID = strings.TrimSpace(event.PlanID)
	event.Currency = strings.ToUpper(strings.TrimSpace(event.Currency))
	event.VerifiedBy = strings.TrimSpace(event.VerifiedBy)
	if event.Outcome == "" {
		event.Outcome = domain.OutcomeSucceeded
	}
	return event
}

// targetStatus is the status the event asks for before trust capping.
func targetStatus(event domain.ConfirmationEvent) domain.IntentStatus {
	switch {
	case event.Outcome.IsFailure():
		return domain.IntentFailed
	case event.RequestedStatus != "":
		return event.RequestedStatus
	case event.Outcome == domain.OutcomeStarted:
		return domain.IntentStarted
	case event.Source == domain.SourceClient:
		return domain.IntentClientConfirmed
	default:
		return domain.IntentCompleted
	}
}

func actorFor(event domain.ConfirmationEvent) string {
	switch event.Source {
	case domain.SourceWebhook:
		return "gateway:" + string(event.Gateway)
	case domain.SourceAdmin:
		if event.VerifiedBy != "" {
			return event.VerifiedBy
		}
		return "admin"
	default:
		return "client:" + event.AccountID
	}
}
