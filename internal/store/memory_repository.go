package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/membership-service/internal/domain"
)

// MemoryRepository is an in-process Repository with the same compare-and-set
// semantics as the Postgres implementation. It backs local development
// (STORE_DRIVER=memory) and the app tests.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemoryState()}
}

type memoryOutboxRow struct {
	msg           OutboxMessage
	status        string
	nextAttemptAt time.Time
	claimedAt     time.Time
	lastError     string
	createdAt     time.Time
}

type memoryState struct {
	intents     map[string]domain.PaymentIntent
	memberships map[string]domain.MembershipRecord
	audit       []domain.AuditEvent
	outbox      []memoryOutboxRow
	outboxSeq   int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		intents:     make(map[string]domain.PaymentIntent),
		memberships: make(map[string]domain.MembershipRecord),
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		intents:     make(map[string]domain.PaymentIntent, len(s.intents)),
		memberships: make(map[string]domain.MembershipRecord, len(s.memberships)),
		audit:       append([]domain.AuditEvent(nil), s.audit...),
		outbox:      append([]memoryOutboxRow(nil), s.outbox...),
		outboxSeq:   s.outboxSeq,
	}
	for k, v := range s.intents {
		c.intents[k] = v
	}
	for k, v := range s.memberships {
		c.memberships[k] = v
	}
	return c
}

// WithinTx runs fn against a private copy of the state and swaps it in on success.
// The repository lock is held for the whole call, so transactions are serial.
func (m *MemoryRepository) WithinTx(ctx context.Context, fn func(repo Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(&memoryTx{state: staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *MemoryRepository) locked(fn func(s *memoryState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *MemoryRepository) CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	return m.locked(func(s *memoryState) error { return s.createIntent(intent) })
}

func (m *MemoryRepository) GetIntent(ctx context.Context, intentID string) (intent *domain.PaymentIntent, err error) {
	err = m.locked(func(s *memoryState) error { intent, err = s.getIntent(intentID); return err })
	return intent, err
}

func (m *MemoryRepository) FindIntentByExternalReference(ctx context.Context, ref string) (intent *domain.PaymentIntent, err error) {
	err = m.locked(func(s *memoryState) error { intent, err = s.findIntentByReference(ref, false); return err })
	return intent, err
}

func (m *MemoryRepository) FindCompletedIntentByExternalReference(ctx context.Context, ref string) (intent *domain.PaymentIntent, err error) {
	err = m.locked(func(s *memoryState) error { intent, err = s.findIntentByReference(ref, true); return err })
	return intent, err
}

func (m *MemoryRepository) UpdateIntent(ctx context.Context, intent *domain.PaymentIntent, expectedVersion int64) error {
	return m.locked(func(s *memoryState) error { return s.updateIntent(intent, expectedVersion) })
}

func (m *MemoryRepository) ListStaleIntents(ctx context.Context, olderThan time.Time, limit int) (intents []domain.PaymentIntent, err error) {
	err = m.locked(func(s *memoryState) error { intents = s.listStaleIntents(olderThan, limit); return nil })
	return intents, err
}

func (m *MemoryRepository) GetMembership(ctx context.Context, accountID string) (record *domain.MembershipRecord, err error) {
	err = m.locked(func(s *memoryState) error { record, err = s.getMembership(accountID); return err })
	return record, err
}

func (m *MemoryRepository) SaveMembership(ctx context.Context, record *domain.MembershipRecord, expectedVersion int64) error {
	return m.locked(func(s *memoryState) error { return s.saveMembership(record, expectedVersion) })
}

func (m *MemoryRepository) ListExpiredPremium(ctx context.Context, now time.Time) (records []domain.MembershipRecord, err error) {
	err = m.locked(func(s *memoryState) error { records = s.listExpiredPremium(now); return nil })
	return records, err
}

func (m *MemoryRepository) ListExpiringPremium(ctx context.Context, from, until time.Time) (records []domain.MembershipRecord, err error) {
	err = m.locked(func(s *memoryState) error { records = s.listExpiringPremium(from, until); return nil })
	return records, err
}

func (m *MemoryRepository) DemoteExpired(ctx context.Context, accountIDs []string, now time.Time) (records []domain.MembershipRecord, err error) {
	err = m.locked(func(s *memoryState) error { records = s.demoteExpired(accountIDs, now); return nil })
	return records, err
}

func (m *MemoryRepository) AppendAudit(ctx context.Context, event domain.AuditEvent) error {
	return m.locked(func(s *memoryState) error { s.appendAudit(event); return nil })
}

func (m *MemoryRepository) ListAuditByIntent(ctx context.Context, intentID string) (events []domain.AuditEvent, err error) {
	err = m.locked(func(s *memoryState) error { events = s.listAuditByIntent(intentID); return nil })
	return events, err
}

func (m *MemoryRepository) EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}, maxAttempts int) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.locked(func(s *memoryState) error { s.enqueueOutbox(exchange, routingKey, blob, maxAttempts); return nil })
}

func (m *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) (msgs []OutboxMessage, err error) {
	err = m.locked(func(s *memoryState) error { msgs = s.claimOutbox(limit, staleAfterSeconds); return nil })
	return msgs, err
}

func (m *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	return m.locked(func(s *memoryState) error { s.markOutbox(id, "published", 0, ""); return nil })
}

func (m *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	return m.locked(func(s *memoryState) error { s.markOutbox(id, "failed", retryAfterSeconds, reason); return nil })
}

// OutboxStatus reports the relay status of a message; used by tests and diagnostics.
func (m *MemoryRepository) OutboxStatus(id int64) (status string, attempts int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.state.outbox {
		if row.msg.ID == id {
			return row.status, row.msg.Attempts, true
		}
	}
	return "", 0, false
}

// memoryTx is the Repository handed to WithinTx callbacks. It operates on the
// staged state without locking because the parent lock is already held.
type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) WithinTx(ctx context.Context, fn func(repo Repository) error) error {
	return fn(t)
}

func (t *memoryTx) CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	return t.state.createIntent(intent)
}

func (t *memoryTx) GetIntent(ctx context.Context, intentID string) (*domain.PaymentIntent, error) {
	return t.state.getIntent(intentID)
}

func (t *memoryTx) FindIntentByExternalReference(ctx context.Context, ref string) (*domain.PaymentIntent, error) {
	return t.state.findIntentByReference(ref, false)
}

func (t *memoryTx) FindCompletedIntentByExternalReference(ctx context.Context, ref string) (*domain.PaymentIntent, error) {
	return t.state.findIntentByReference(ref, true)
}

func (t *memoryTx) UpdateIntent(ctx context.Context, intent *domain.PaymentIntent, expectedVersion int64) error {
	return t.state.updateIntent(intent, expectedVersion)
}

func (t *memoryTx) ListStaleIntents(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentIntent, error) {
	return t.state.listStaleIntents(olderThan, limit), nil
}

func (t *memoryTx) GetMembership(ctx context.Context, accountID string) (*domain.MembershipRecord, error) {
	return t.state.getMembership(accountID)
}

func (t *memoryTx) SaveMembership(ctx context.Context, record *domain.MembershipRecord, expectedVersion int64) error {
	return t.state.saveMembership(record, expectedVersion)
}

func (t *memoryTx) ListExpiredPremium(ctx context.Context, now time.Time) ([]domain.MembershipRecord, error) {
	return t.state.listExpiredPremium(now), nil
}

func (t *memoryTx) ListExpiringPremium(ctx context.Context, from, until time.Time) ([]domain.MembershipRecord, error) {
	return t.state.listExpiringPremium(from, until), nil
}

func (t *memoryTx) DemoteExpired(ctx context.Context, accountIDs []string, now time.Time) ([]domain.MembershipRecord, error) {
	return t.state.demoteExpired(accountIDs, now), nil
}

func (t *memoryTx) AppendAudit(ctx context.Context, event domain.AuditEvent) error {
	t.state.appendAudit(event)
	return nil
}

func (t *memoryTx) ListAuditByIntent(ctx context.Context, intentID string) ([]domain.AuditEvent, error) {
	return t.state.listAuditByIntent(intentID), nil
}

func (t *memoryTx) EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}, maxAttempts int) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.state.enqueueOutbox(exchange, routingKey, blob, maxAttempts)
	return nil
}

func (t *memoryTx) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	return t.state.claimOutbox(limit, staleAfterSeconds), nil
}

func (t *memoryTx) MarkOutboxPublished(ctx context.Context, id int64) error {
	t.state.markOutbox(id, "published", 0, "")
	return nil
}

func (t *memoryTx) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	t.state.markOutbox(id, "failed", retryAfterSeconds, reason)
	return nil
}

func copyIntent(in domain.PaymentIntent) *domain.PaymentIntent {
	out := in
	if in.RawPayload != nil {
		out.RawPayload = append(json.RawMessage(nil), in.RawPayload...)
	}
	return &out
}

func (s *memoryState) createIntent(intent *domain.PaymentIntent) error {
	if _, exists := s.intents[intent.ID]; exists {
		return domain.NewError(domain.ErrConflict, "create intent", nil)
	}
	intent.Version = 1
	intent.UpdatedAt = intent.CreatedAt
	s.intents[intent.ID] = *copyIntent(*intent)
	return nil
}

func (s *memoryState) getIntent(intentID string) (*domain.PaymentIntent, error) {
	intent, ok := s.intents[intentID]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "get intent", nil)
	}
	return copyIntent(intent), nil
}

func (s *memoryState) findIntentByReference(ref string, completedOnly bool) (*domain.PaymentIntent, error) {
	var best *domain.PaymentIntent
	for _, intent := range s.intents {
		if intent.ExternalReference != ref {
			continue
		}
		if intent.Status == domain.IntentCompleted {
			return copyIntent(intent), nil
		}
		if completedOnly {
			continue
		}
		if best == nil || intent.CreatedAt.After(best.CreatedAt) {
			best = copyIntent(intent)
		}
	}
	if best == nil {
		return nil, domain.NewError(domain.ErrNotFound, "find intent by reference", nil)
	}
	return best, nil
}

func (s *memoryState) updateIntent(intent *domain.PaymentIntent, expectedVersion int64) error {
	current, ok := s.intents[intent.ID]
	if !ok || current.Version != expectedVersion {
		return domain.NewError(domain.ErrConflict, "update intent", nil)
	}
	if intent.Status == domain.IntentCompleted {
		for id, other := range s.intents {
			if id != intent.ID && other.ExternalReference == current.ExternalReference && other.Status == domain.IntentCompleted {
				return domain.NewError(domain.ErrConflict, "update intent", nil)
			}
		}
	}

	next := current
	next.Status = intent.Status
	next.CompletedAt = intent.CompletedAt
	next.VerifiedBy = intent.VerifiedBy
	next.FailureReason = intent.FailureReason
	if len(intent.RawPayload) > 0 {
		next.RawPayload = append(json.RawMessage(nil), intent.RawPayload...)
	}
	next.UpdatedAt = intent.UpdatedAt
	next.Version = expectedVersion + 1
	s.intents[intent.ID] = next
	intent.Version = next.Version
	return nil
}

func (s *memoryState) listStaleIntents(olderThan time.Time, limit int) []domain.PaymentIntent {
	if limit <= 0 {
		limit = 500
	}
	var out []domain.PaymentIntent
	for _, intent := range s.intents {
		if (intent.Status == domain.IntentCreated || intent.Status == domain.IntentStarted) && intent.UpdatedAt.Before(olderThan) {
			out = append(out, *copyIntent(intent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memoryState) getMembership(accountID string) (*domain.MembershipRecord, error) {
	record, ok := s.memberships[accountID]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "get membership", nil)
	}
	return &record, nil
}

func (s *memoryState) saveMembership(record *domain.MembershipRecord, expectedVersion int64) error {
	current, exists := s.memberships[record.AccountID]
	switch {
	case expectedVersion == 0 && exists:
		return domain.NewError(domain.ErrConflict, "insert membership", nil)
	case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
		return domain.NewError(domain.ErrConflict, "update membership", nil)
	}
	next := *record
	next.Version = expectedVersion + 1
	s.memberships[record.AccountID] = next
	record.Version = next.Version
	return nil
}

func isExpiredPremium(record domain.MembershipRecord, now time.Time) bool {
	return record.IsPremium && record.ExpiresAt != nil && !record.ExpiresAt.After(now)
}

func (s *memoryState) listExpiredPremium(now time.Time) []domain.MembershipRecord {
	var out []domain.MembershipRecord
	for _, record := range s.memberships {
		if isExpiredPremium(record, now) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out
}

func (s *memoryState) listExpiringPremium(from, until time.Time) []domain.MembershipRecord {
	var out []domain.MembershipRecord
	for _, record := range s.memberships {
		if record.IsPremium && record.ExpiresAt != nil && record.ExpiresAt.After(from) && !record.ExpiresAt.After(until) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out
}

func (s *memoryState) demoteExpired(accountIDs []string, now time.Time) []domain.MembershipRecord {
	var out []domain.MembershipRecord
	for _, accountID := range accountIDs {
		record, ok := s.memberships[accountID]
		if !ok || !isExpiredPremium(record, now) {
			continue
		}
		previous := record.CurrentTier
		record.PreviousTier = &previous
		record.CurrentTier = domain.TierBase
		record.IsPremium = false
		record.ExpiresAt = nil
		record.TierActivatedBy = domain.ActivatedBySystem
		record.TierActivatedAt = now
		record.UpdatedAt = now
		record.Version++
		s.memberships[accountID] = record
		s.appendAudit(domain.AuditEvent{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Action:    domain.AuditMembershipDemoted,
			Actor:     domain.ActivatedBySystem,
			Detail:    "demoted from " + previous,
			CreatedAt: now,
		})
		out = append(out, record)
	}
	return out
}

func (s *memoryState) appendAudit(event domain.AuditEvent) {
	s.audit = append(s.audit, event)
}

func (s *memoryState) listAuditByIntent(intentID string) []domain.AuditEvent {
	var out []domain.AuditEvent
	for _, event := range s.audit {
		if event.IntentID != nil && *event.IntentID == intentID {
			out = append(out, event)
		}
	}
	return out
}

func (s *memoryState) enqueueOutbox(exchange, routingKey string, payload []byte, maxAttempts int) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	s.outboxSeq++
	now := time.Now()
	s.outbox = append(s.outbox, memoryOutboxRow{
		msg: OutboxMessage{
			ID:          s.outboxSeq,
			Exchange:    strings.TrimSpace(exchange),
			RoutingKey:  strings.TrimSpace(routingKey),
			Payload:     payload,
			MaxAttempts: maxAttempts,
		},
		status:        "pending",
		nextAttemptAt: now,
		createdAt:     now,
	})
}

func (s *memoryState) claimOutbox(limit int, staleAfterSeconds int) []OutboxMessage {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	now := time.Now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)

	var claimed []OutboxMessage
	for i := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		row := &s.outbox[i]
		if row.msg.Attempts >= row.msg.MaxAttempts {
			continue
		}
		due := row.status == "pending" && !row.nextAttemptAt.After(now)
		stale := row.status == "processing" && row.claimedAt.Before(staleBefore)
		if !due && !stale {
			continue
		}
		row.status = "processing"
		row.claimedAt = now
		row.msg.Attempts++
		claimed = append(claimed, row.msg)
	}
	return claimed
}

func (s *memoryState) markOutbox(id int64, outcome string, retryAfterSeconds int, reason string) {
	for i := range s.outbox {
		row := &s.outbox[i]
		if row.msg.ID != id {
			continue
		}
		if outcome == "published" {
			row.status = "published"
			row.lastError = ""
			return
		}
		if retryAfterSeconds < 1 {
			retryAfterSeconds = 1
		}
		row.lastError = reason
		row.nextAttemptAt = time.Now().Add(time.Duration(retryAfterSeconds) * time.Second)
		if row.msg.Attempts >= row.msg.MaxAttempts {
			row.status = "dead"
		} else {
			row.status = "pending"
		}
		return
	}
}
