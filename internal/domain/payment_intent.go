/**
 * @description
 * This file defines the core payment models for the membership-service: the
 * PaymentIntent that tracks one payment attempt through its lifecycle, the
 * confirmation events that drive it, and the enums for gateways, statuses and
 * trust sources.
 */
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Gateway identifies the payment provider that issued an external reference.
type Gateway string

const (
	GatewayDaimo  Gateway = "daimo"
	GatewayEpayco Gateway = "epayco"
	GatewayStripe Gateway = "stripe"
	GatewayManual Gateway = "manual"
)

// ParseGateway normalizes a gateway name from a path or payload.
func ParseGateway(raw string) (Gateway, bool) {
	switch Gateway(strings.ToLower(strings.TrimSpace(raw))) {
	case GatewayDaimo:
		return GatewayDaimo, true
	case GatewayEpayco:
		return GatewayEpayco, true
	case GatewayStripe:
		return GatewayStripe, true
	case GatewayManual:
		return GatewayManual, true
	default:
		return "", false
	}
}

// IntentStatus is a state of the payment intent state machine.
type IntentStatus string

const (
	IntentCreated              IntentStatus = "created"
	IntentStarted              IntentStatus = "started"
	IntentClientConfirmed      IntentStatus = "client_confirmed"
	IntentAwaitingVerification IntentStatus = "awaiting_verification"
	IntentVerified             IntentStatus = "verified"
	IntentCompleted            IntentStatus = "completed"
	IntentFailed               IntentStatus = "failed"
	IntentExpired              IntentStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed out of the status.
func (s IntentStatus) IsTerminal() bool {
	return s == IntentCompleted || s == IntentFailed
}

// Source is the trust level of the channel a confirmation arrived on.
type Source string

const (
	// SourceWebhook is a gateway-signed webhook delivery.
	SourceWebhook Source = "webhook"
	// SourceClient is an unauthenticated client-side callback.
	SourceClient Source = "client"
	// SourceAdmin is a manual verification by an authenticated operator.
	SourceAdmin Source = "admin"
)

// CanComplete reports whether events from the source may move an intent into completed.
func (s Source) CanComplete() bool {
	return s == SourceWebhook || s == SourceAdmin
}

// Outcome is what a confirmation event claims happened to the payment.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeBounced   Outcome = "bounced"
	OutcomeRefunded  Outcome = "refunded"
)

// IsFailure reports whether the outcome terminates the intent as failed.
func (o Outcome) IsFailure() bool {
	return o == OutcomeFailed || o == OutcomeBounced || o == OutcomeRefunded
}

// PaymentIntent represents the structure of a payment attempt in the database.
type PaymentIntent struct {
	ID                string          `json:"id"`
	ExternalReference string          `json:"external_reference"`
	AccountID         string          `json:"account_id"`
	PlanID            string          `json:"plan_id"`
	Amount            int64           `json:"amount"`
	Currency          string          `json:"currency"`
	Gateway           Gateway         `json:"gateway"`
	Status            IntentStatus    `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	VerifiedBy        *string         `json:"verified_by,omitempty"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
	Version           int64           `json:"-"`
}

// ConfirmationEvent is a single confirmation delivered by any channel.
type ConfirmationEvent struct {
	Gateway           Gateway         `json:"gateway" validate:"required,oneof=daimo epayco stripe manual"`
	ExternalReference string          `json:"external_reference" validate:"required,max=255"`
	AccountID         string          `json:"account_id" validate:"required,max=128"`
	PlanID            string          `json:"plan_id" validate:"required,max=64"`
	Amount            int64           `json:"amount" validate:"gte=0"`
	Currency          string          `json:"currency" validate:"omitempty,len=3"`
	Outcome           Outcome         `json:"outcome" validate:"omitempty,oneof=started succeeded failed bounced refunded"`
	RequestedStatus   IntentStatus    `json:"requested_status,omitempty" validate:"omitempty,oneof=started client_confirmed awaiting_verification verified completed"`
	Source            Source          `json:"-" validate:"required,oneof=webhook client admin"`
	ProofOfPayment    string          `json:"proof_of_payment,omitempty"`
	VerifiedBy        string          `json:"-"`
	DeliveryID        string          `json:"delivery_id,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	RawPayload        json.RawMessage `json:"-"`
}
