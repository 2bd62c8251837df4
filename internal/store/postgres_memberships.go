package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/transfa/membership-service/internal/domain"
)

const membershipColumns = `
	account_id, current_tier, previous_tier, tier_activated_at, tier_activated_by,
	expires_at, is_premium, last_reconciled_intent_id::text, version, updated_at
`

func scanMembership(row pgx.Row) (*domain.MembershipRecord, error) {
	var record domain.MembershipRecord
	if err := row.Scan(
		&record.AccountID,
		&record.CurrentTier,
		&record.PreviousTier,
		&record.TierActivatedAt,
		&record.TierActivatedBy,
		&record.ExpiresAt,
		&record.IsPremium,
		&record.LastReconciledIntentID,
		&record.Version,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}

func collectMemberships(rows pgx.Rows, op string) ([]domain.MembershipRecord, error) {
	defer rows.Close()

	var records []domain.MembershipRecord
	for rows.Next() {
		record, err := scanMembership(rows)
		if err != nil {
			return nil, classifyError(op, err)
		}
		records = append(records, *record)
	}
	return records, classifyError(op, rows.Err())
}

// GetMembership loads the membership row for an account.
func (r *PostgresRepository) GetMembership(ctx context.Context, accountID string) (*domain.MembershipRecord, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE account_id = $1`
	record, err := scanMembership(r.db.QueryRow(ctx, query, accountID))
	if err != nil {
		return nil, classifyError("get membership", err)
	}
	return record, nil
}

// SaveMembership inserts or compare-and-sets the membership row.
func (r *PostgresRepository) SaveMembership(ctx context.Context, record *domain.MembershipRecord, expectedVersion int64) error {
	if expectedVersion == 0 {
		query := `
			INSERT INTO memberships (
				account_id, current_tier, previous_tier, tier_activated_at, tier_activated_by,
				expires_at, is_premium, last_reconciled_intent_id, version, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)
			ON CONFLICT (account_id) DO NOTHING
		`
		result, err := r.db.Exec(ctx, query,
			record.AccountID,
			record.CurrentTier,
			record.PreviousTier,
			record.TierActivatedAt,
			record.TierActivatedBy,
			record.ExpiresAt,
			record.IsPremium,
			record.LastReconciledIntentID,
			record.UpdatedAt,
		)
		if err != nil {
			return classifyError("insert membership", err)
		}
		if result.RowsAffected() == 0 {
			return domain.NewError(domain.ErrConflict, "insert membership", nil)
		}
		record.Version = 1
		return nil
	}

	query := `
		UPDATE memberships
		SET current_tier = $3,
			previous_tier = $4,
			tier_activated_at = $5,
			tier_activated_by = $6,
			expires_at = $7,
			is_premium = $8,
			last_reconciled_intent_id = $9,
			updated_at = $10,
			version = version + 1
		WHERE account_id = $1 AND version = $2
	`
	result, err := r.db.Exec(ctx, query,
		record.AccountID,
		expectedVersion,
		record.CurrentTier,
		record.PreviousTier,
		record.TierActivatedAt,
		record.TierActivatedBy,
		record.ExpiresAt,
		record.IsPremium,
		record.LastReconciledIntentID,
		record.UpdatedAt,
	)
	if err != nil {
		return classifyError("update membership", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewError(domain.ErrConflict, "update membership", nil)
	}
	record.Version = expectedVersion + 1
	return nil
}

// ListExpiredPremium returns premium rows whose expiry has passed.
func (r *PostgresRepository) ListExpiredPremium(ctx context.Context, now time.Time) ([]domain.MembershipRecord, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE is_premium = TRUE
			AND expires_at IS NOT NULL
			AND expires_at <= $1
		ORDER BY expires_at
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, classifyError("list expired memberships", err)
	}
	return collectMemberships(rows, "list expired memberships")
}

// ListExpiringPremium returns premium rows expiring in (from, until].
func (r *PostgresRepository) ListExpiringPremium(ctx context.Context, from, until time.Time) ([]domain.MembershipRecord, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE is_premium = TRUE
			AND expires_at > $1
			AND expires_at <= $2
		ORDER BY expires_at
	`
	rows, err := r.db.Query(ctx, query, from, until)
	if err != nil {
		return nil, classifyError("list expiring memberships", err)
	}
	return collectMemberships(rows, "list expiring memberships")
}

// DemoteExpired demotes the batch in a single statement. Rows renewed since they
// were listed no longer match the expiry predicate and are left untouched. Each
// demotion is audited in the same statement.
func (r *PostgresRepository) DemoteExpired(ctx context.Context, accountIDs []string, now time.Time) ([]domain.MembershipRecord, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	query := `
		WITH demoted AS (
			UPDATE memberships
			SET previous_tier = current_tier,
				current_tier = $3,
				is_premium = FALSE,
				expires_at = NULL,
				tier_activated_by = $4,
				tier_activated_at = $2,
				updated_at = $2,
				version = version + 1
			WHERE account_id = ANY($1)
				AND is_premium = TRUE
				AND expires_at IS NOT NULL
				AND expires_at <= $2
			RETURNING ` + membershipColumns + `
		), audited AS (
			INSERT INTO membership_audit_events (id, account_id, action, actor, detail, created_at)
			SELECT gen_random_uuid(), account_id, $5, $4, 'demoted from ' || COALESCE(previous_tier, ''), $2
			FROM demoted
		)
		SELECT ` + membershipColumns + ` FROM demoted
	`
	rows, err := r.db.Query(ctx, query,
		accountIDs,
		now,
		domain.TierBase,
		domain.ActivatedBySystem,
		string(domain.AuditMembershipDemoted),
	)
	if err != nil {
		return nil, classifyError("demote expired memberships", err)
	}
	return collectMemberships(rows, "demote expired memberships")
}
