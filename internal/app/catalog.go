package app

import (
	"context"
	"strings"

	"github.com/transfa/membership-service/internal/domain"
)

// PlanCatalog resolves a plan to its tier, duration and price. It is read-only.
type PlanCatalog interface {
	Lookup(ctx context.Context, planID string) (domain.Plan, error)
}

// StaticCatalog is an in-process PlanCatalog.
type StaticCatalog struct {
	plans   map[string]domain.Plan
	aliases map[string]string
}

// NewStaticCatalog builds a catalog from plans. aliases maps legacy plan ids to current ones.
func NewStaticCatalog(plans []domain.Plan, aliases map[string]string) *StaticCatalog {
	c := &StaticCatalog{
		plans:   make(map[string]domain.Plan, len(plans)),
		aliases: make(map[string]string, len(aliases)),
	}
	for _, plan := range plans {
		c.plans[strings.ToLower(plan.ID)] = plan
	}
	for legacy, current := range aliases {
		c.aliases[strings.ToLower(legacy)] = strings.ToLower(current)
	}
	return c
}

// DefaultPlans is the plan set served when no catalog service is configured.
// Prices are in minor units.
func DefaultPlans() []domain.Plan {
	return []domain.Plan{
		{ID: "trial-week", Tier: "trial-week", DurationDays: 7, Price: 1499, Currency: "USD", Active: true},
		{ID: "pnp-member", Tier: "pnp-member", DurationDays: 30, Price: 2499, Currency: "USD", Active: true},
		{ID: "gold", Tier: TierGold, DurationDays: 30, Price: 1000, Currency: "USD", Active: true},
		{ID: "crystal-member", Tier: "crystal-member", DurationDays: 120, Price: 4999, Currency: "USD", Active: true},
		{ID: "diamond-member", Tier: "diamond-member", DurationDays: 365, Price: 9999, Currency: "USD", Active: true},
		{ID: "lifetime-pass", Tier: "lifetime-pass", DurationDays: 36500, Price: 24999, Currency: "USD", Active: true},
	}
}

// DefaultCatalog returns a StaticCatalog over DefaultPlans and the legacy plan names.
func DefaultCatalog() *StaticCatalog {
	return NewStaticCatalog(DefaultPlans(), map[string]string{
		"silver": "pnp-member",
		"golden": "crystal-member",
	})
}

func (c *StaticCatalog) Lookup(ctx context.Context, planID string) (domain.Plan, error) {
	key := strings.ToLower(strings.TrimSpace(planID))
	if current, ok := c.aliases[key]; ok {
		key = current
	}
	plan, ok := c.plans[key]
	if !ok {
		return domain.Plan{}, domain.Validationf("catalog.lookup", "unknown plan %q", planID)
	}
	if !plan.Active {
		return domain.Plan{}, domain.Validationf("catalog.lookup", "plan %q is not active", planID)
	}
	return plan, nil
}
