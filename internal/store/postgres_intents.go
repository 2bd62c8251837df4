package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/transfa/membership-service/internal/domain"
)

const intentColumns = `
	id, external_reference, account_id, plan_id, amount, currency, gateway, status,
	created_at, updated_at, completed_at, verified_by, failure_reason, raw_payload::text, version
`

func scanIntent(row pgx.Row) (*domain.PaymentIntent, error) {
	var (
		intent  domain.PaymentIntent
		gateway string
		status  string
		payload *string
	)
	if err := row.Scan(
		&intent.ID,
		&intent.ExternalReference,
		&intent.AccountID,
		&intent.PlanID,
		&intent.Amount,
		&intent.Currency,
		&gateway,
		&status,
		&intent.CreatedAt,
		&intent.UpdatedAt,
		&intent.CompletedAt,
		&intent.VerifiedBy,
		&intent.FailureReason,
		&payload,
		&intent.Version,
	); err != nil {
		return nil, err
	}
	intent.Gateway = domain.Gateway(gateway)
	intent.Status = domain.IntentStatus(status)
	if payload != nil {
		intent.RawPayload = json.RawMessage(*payload)
	}
	return &intent, nil
}

// CreateIntent inserts a new intent at version 1.
func (r *PostgresRepository) CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (
			id, external_reference, account_id, plan_id, amount, currency, gateway, status,
			raw_payload, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, 1, $10, $10)
	`
	_, err := r.db.Exec(ctx, query,
		intent.ID,
		intent.ExternalReference,
		intent.AccountID,
		intent.PlanID,
		intent.Amount,
		intent.Currency,
		string(intent.Gateway),
		string(intent.Status),
		nullableJSON(intent.RawPayload),
		intent.CreatedAt,
	)
	if err != nil {
		return classifyError("create intent", err)
	}
	intent.Version = 1
	intent.UpdatedAt = intent.CreatedAt
	return nil
}

// GetIntent loads an intent by its id.
func (r *PostgresRepository) GetIntent(ctx context.Context, intentID string) (*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`
	intent, err := scanIntent(r.db.QueryRow(ctx, query, intentID))
	if err != nil {
		return nil, classifyError("get intent", err)
	}
	return intent, nil
}

// FindIntentByExternalReference returns the completed intent for the reference if
// there is one, otherwise the most recently created intent.
func (r *PostgresRepository) FindIntentByExternalReference(ctx context.Context, externalReference string) (*domain.PaymentIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE external_reference = $1
		ORDER BY (status = 'completed') DESC, created_at DESC
		LIMIT 1
	`
	intent, err := scanIntent(r.db.QueryRow(ctx, query, externalReference))
	if err != nil {
		return nil, classifyError("find intent by reference", err)
	}
	return intent, nil
}

func (r *PostgresRepository) FindCompletedIntentByExternalReference(ctx context.Context, externalReference string) (*domain.PaymentIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE external_reference = $1 AND status = 'completed'
	`
	intent, err := scanIntent(r.db.QueryRow(ctx, query, externalReference))
	if err != nil {
		return nil, classifyError("find completed intent", err)
	}
	return intent, nil
}

// UpdateIntent is a compare-and-set on the intent version.
func (r *PostgresRepository) UpdateIntent(ctx context.Context, intent *domain.PaymentIntent, expectedVersion int64) error {
	query := `
		UPDATE payment_intents
		SET status = $3,
			completed_at = $4,
			verified_by = $5,
			failure_reason = $6,
			raw_payload = COALESCE($7::jsonb, raw_payload),
			updated_at = $8,
			version = version + 1
		WHERE id = $1 AND version = $2
	`
	result, err := r.db.Exec(ctx, query,
		intent.ID,
		expectedVersion,
		string(intent.Status),
		intent.CompletedAt,
		intent.VerifiedBy,
		intent.FailureReason,
		nullableJSON(intent.RawPayload),
		intent.UpdatedAt,
	)
	if err != nil {
		return classifyError("update intent", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewError(domain.ErrConflict, "update intent", nil)
	}
	intent.Version = expectedVersion + 1
	return nil
}

// ListStaleIntents returns created or started intents untouched since olderThan.
func (r *PostgresRepository) ListStaleIntents(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentIntent, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE status IN ('created', 'started') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, classifyError("list stale intents", err)
	}
	defer rows.Close()

	intents := make([]domain.PaymentIntent, 0, limit)
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, classifyError("scan stale intent", err)
		}
		intents = append(intents, *intent)
	}
	return intents, classifyError("list stale intents", rows.Err())
}
