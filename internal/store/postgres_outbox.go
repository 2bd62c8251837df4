package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/transfa/membership-service/internal/domain"
)

func nullableText(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// AppendAudit inserts an audit event.
func (r *PostgresRepository) AppendAudit(ctx context.Context, event domain.AuditEvent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO membership_audit_events (
			id, intent_id, account_id, action, from_status, to_status, actor, source, detail, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		event.ID,
		event.IntentID,
		event.AccountID,
		string(event.Action),
		nullableText(string(event.FromStatus)),
		nullableText(string(event.ToStatus)),
		event.Actor,
		nullableText(string(event.Source)),
		nullableText(event.Detail),
		event.CreatedAt,
	)
	return classifyError("append audit", err)
}

func (r *PostgresRepository) ListAuditByIntent(ctx context.Context, intentID string) ([]domain.AuditEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, intent_id::text, account_id, action, COALESCE(from_status, ''), COALESCE(to_status, ''),
			actor, COALESCE(source, ''), COALESCE(detail, ''), created_at
		FROM membership_audit_events
		WHERE intent_id = $1
		ORDER BY created_at, id
	`, intentID)
	if err != nil {
		return nil, classifyError("list audit", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var (
			event            domain.AuditEvent
			action, from, to string
			source           string
		)
		if err := rows.Scan(&event.ID, &event.IntentID, &event.AccountID, &action, &from, &to,
			&event.Actor, &source, &event.Detail, &event.CreatedAt); err != nil {
			return nil, classifyError("scan audit", err)
		}
		event.Action = domain.AuditAction(action)
		event.FromStatus = domain.IntentStatus(from)
		event.ToStatus = domain.IntentStatus(to)
		event.Source = domain.Source(source)
		events = append(events, event)
	}
	return events, classifyError("list audit", rows.Err())
}

// EnqueueOutbox stores a message for the relay to publish later.
func (r *PostgresRepository) EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO side_effect_outbox (exchange, routing_key, payload, max_attempts)
		VALUES ($1, $2, $3::jsonb, $4)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob), maxAttempts)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", classifyError("enqueue outbox", err))
	}
	return nil
}

// ClaimOutboxMessages leases due messages with SKIP LOCKED so that relays on
// several replicas never publish the same message concurrently.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM side_effect_outbox
			WHERE attempts < max_attempts
				AND (
					(status = 'pending' AND next_attempt_at <= NOW())
					OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
				)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE side_effect_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts, o.max_attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, classifyError("claim outbox", err)
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts, &msg.MaxAttempts); err != nil {
			return nil, classifyError("scan outbox", err)
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, classifyError("claim outbox", rows.Err())
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE side_effect_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return classifyError("mark outbox published", err)
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE side_effect_outbox
		SET status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'pending' END,
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return classifyError("mark outbox failed", err)
}
