package domain

import "time"

// TierBase is the canonical non-paying tier every account falls back to.
const TierBase = "Free"

// ActivatedBySystem marks writes made by scheduled jobs rather than a payment or operator.
const ActivatedBySystem = "system"

// MembershipRecord is the per-account entitlement row.
type MembershipRecord struct {
	AccountID              string     `json:"account_id"`
	CurrentTier            string     `json:"current_tier"`
	PreviousTier           *string    `json:"previous_tier,omitempty"`
	TierActivatedAt        time.Time  `json:"tier_activated_at"`
	TierActivatedBy        string     `json:"tier_activated_by"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	IsPremium              bool       `json:"is_premium"`
	LastReconciledIntentID *string    `json:"last_reconciled_intent_id,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
	Version                int64      `json:"-"`
}

// PremiumAt derives the premium flag for a tier and expiry at the given instant.
func PremiumAt(tier string, expiresAt *time.Time, now time.Time) bool {
	if tier == TierBase {
		return false
	}
	return expiresAt == nil || expiresAt.After(now)
}

// MembershipStatus is the presentation status returned by membership queries.
type MembershipStatus string

const (
	MembershipActive       MembershipStatus = "active"
	MembershipExpiringSoon MembershipStatus = "expiring_soon"
	MembershipExpired      MembershipStatus = "expired"
	MembershipLifetime     MembershipStatus = "lifetime"
	MembershipFree         MembershipStatus = "free"
)

// MembershipInfo is a simplified DTO for access-control gates and profile display.
type MembershipInfo struct {
	AccountID     string           `json:"account_id"`
	Tier          string           `json:"tier"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	DaysRemaining *int             `json:"days_remaining,omitempty"`
	Status        MembershipStatus `json:"status"`
	IsPremium     bool             `json:"is_premium"`
}

// Plan is a read-only catalog entry resolving a plan to its tier, duration and price.
type Plan struct {
	ID           string `json:"id"`
	Tier         string `json:"tier"`
	DurationDays int    `json:"duration_days"`
	Price        int64  `json:"price"`
	Currency     string `json:"currency"`
	Active       bool   `json:"active"`
}
