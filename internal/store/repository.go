/**
 * @description
 * This file defines the repository interfaces that specify the contract for all
 * data access required by the membership-service. Every mutating method is a
 * conditional write: it either applies against the version the caller read or
 * fails with domain.ErrConflict, so correctness never depends on in-process locks.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models and error taxonomy.
 */

package store

import (
	"context"
	"time"

	"github.com/transfa/membership-service/internal/domain"
)

// IntentRepository persists payment intents.
type IntentRepository interface {
	CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error
	GetIntent(ctx context.Context, intentID string) (*domain.PaymentIntent, error)
	// FindIntentByExternalReference prefers the completed intent for the reference,
	// falling back to the most recently created one.
	FindIntentByExternalReference(ctx context.Context, externalReference string) (*domain.PaymentIntent, error)
	FindCompletedIntentByExternalReference(ctx context.Context, externalReference string) (*domain.PaymentIntent, error)
	// UpdateIntent writes status fields only if the stored version equals expectedVersion.
	// A second completed intent for the same external reference is rejected with ErrConflict.
	UpdateIntent(ctx context.Context, intent *domain.PaymentIntent, expectedVersion int64) error
	ListStaleIntents(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentIntent, error)
}

// MembershipRepository persists membership records.
type MembershipRepository interface {
	GetMembership(ctx context.Context, accountID string) (*domain.MembershipRecord, error)
	// SaveMembership inserts when expectedVersion is zero and the row is absent,
	// otherwise updates only if the stored version still equals expectedVersion.
	SaveMembership(ctx context.Context, record *domain.MembershipRecord, expectedVersion int64) error
	ListExpiredPremium(ctx context.Context, now time.Time) ([]domain.MembershipRecord, error)
	ListExpiringPremium(ctx context.Context, from, until time.Time) ([]domain.MembershipRecord, error)
	// DemoteExpired atomically demotes the given accounts that are still expired at
	// write time and returns the demoted records.
	DemoteExpired(ctx context.Context, accountIDs []string, now time.Time) ([]domain.MembershipRecord, error)
}

// AuditRepository appends audit events.
type AuditRepository interface {
	AppendAudit(ctx context.Context, event domain.AuditEvent) error
	ListAuditByIntent(ctx context.Context, intentID string) ([]domain.AuditEvent, error)
}

// OutboxMessage is a side-effect message waiting for (re)publication.
type OutboxMessage struct {
	ID          int64
	Exchange    string
	RoutingKey  string
	Payload     []byte
	Attempts    int
	MaxAttempts int
}

// OutboxRepository stores side-effect messages whose first publish failed.
type OutboxRepository interface {
	EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}, maxAttempts int) error
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	// MarkOutboxFailed reschedules the message, or parks it as dead once its attempts are used up.
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Repository is the full data access contract. WithinTx runs fn against a
// repository whose writes commit together or not at all.
type Repository interface {
	IntentRepository
	MembershipRepository
	AuditRepository
	OutboxRepository
	WithinTx(ctx context.Context, fn func(repo Repository) error) error
}
