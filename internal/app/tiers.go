/**
 * @description
 * Tier normalization for the membership-service. Historical plan and tier names
 * collapse onto a small canonical set through a TierTable that is built once at
 * startup and only read afterwards.
 */

package app

import (
	"sort"
	"strings"

	"github.com/transfa/membership-service/internal/domain"
)

// Canonical tiers.
const (
	TierFree    = domain.TierBase
	TierBasic   = "Basic"
	TierGold    = "Gold"
	TierPremium = "Premium"
)

// TierTable resolves tier names and legacy aliases to canonical tiers. Lookups are
// case-insensitive. The zero value resolves nothing.
type TierTable struct {
	base    string
	aliases map[string]string
}

// NewTierTable copies aliases (canonical tier -> accepted names) into a new table.
// Each canonical name is accepted for itself as well.
func NewTierTable(base string, aliases map[string][]string) TierTable {
	table := TierTable{
		base:    base,
		aliases: make(map[string]string),
	}
	table.aliases[strings.ToLower(base)] = base
	for canonical, names := range aliases {
		table.aliases[strings.ToLower(canonical)] = canonical
		for _, name := range names {
			key := strings.ToLower(strings.TrimSpace(name))
			if key != "" {
				table.aliases[key] = canonical
			}
		}
	}
	return table
}

// DefaultTierTable returns the production alias set.
func DefaultTierTable() TierTable {
	return NewTierTable(TierFree, map[string][]string{
		TierBasic:   {"silver", "pnp-member", "trial-week"},
		TierGold:    {"golden", "gold-member"},
		TierPremium: {"crystal", "crystal-member", "diamond", "diamond-member", "lifetime-pass", "lifetime"},
	})
}

// Normalize returns the canonical tier for raw.
func (t TierTable) Normalize(raw string) (string, bool) {
	canonical, ok := t.aliases[strings.ToLower(strings.TrimSpace(raw))]
	return canonical, ok
}

// Base is the tier accounts fall back to on expiry.
func (t TierTable) Base() string {
	return t.base
}

// Canonical lists the distinct canonical tiers, sorted.
func (t TierTable) Canonical() []string {
	seen := make(map[string]struct{})
	for _, canonical := range t.aliases {
		seen[canonical] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for canonical := range seen {
		out = append(out, canonical)
	}
	sort.Strings(out)
	return out
}
