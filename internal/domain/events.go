package domain

import "time"

// AuditAction names the kind of decision an audit event records.
type AuditAction string

const (
	AuditIntentCreated     AuditAction = "intent_created"
	AuditIntentTransition  AuditAction = "intent_transition"
	AuditDuplicateIgnored  AuditAction = "duplicate_ignored"
	AuditTrustRejected     AuditAction = "trust_rejected"
	AuditMembershipGranted AuditAction = "membership_activated"
	AuditMembershipDemoted AuditAction = "membership_demoted"
	AuditSideEffectFailed  AuditAction = "side_effect_failed"
)

// AuditEvent is an append-only record of a transition or idempotency decision.
type AuditEvent struct {
	ID         string       `json:"id"`
	IntentID   *string      `json:"intent_id,omitempty"`
	AccountID  string       `json:"account_id"`
	Action     AuditAction  `json:"action"`
	FromStatus IntentStatus `json:"from_status,omitempty"`
	ToStatus   IntentStatus `json:"to_status,omitempty"`
	Actor      string       `json:"actor"`
	Source     Source       `json:"source,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// MembershipActivatedEvent is the internal event payload published to RabbitMQ
// after a payment activates or renews a membership.
type MembershipActivatedEvent struct {
	AccountID         string     `json:"account_id"`
	Tier              string     `json:"tier"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	IntentID          string     `json:"intent_id"`
	PlanID            string     `json:"plan_id"`
	Gateway           Gateway    `json:"gateway"`
	ExternalReference string     `json:"external_reference"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	ActivatedAt       time.Time  `json:"activated_at"`
}

// Routing keys and exchange used for membership side effects.
const (
	MembershipEventsExchange      = "membership.events"
	MembershipActivatedRoutingKey = "membership.activated"
)
