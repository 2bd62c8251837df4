package app

import (
	"context"
	"testing"
)

func TestTierTable_Normalize(t *testing.T) {
	table := DefaultTierTable()
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{raw: "Crystal", want: TierPremium, wantOK: true},
		{raw: "crystal-member", want: TierPremium, wantOK: true},
		{raw: "  LIFETIME-PASS ", want: TierPremium, wantOK: true},
		{raw: "Silver", want: TierBasic, wantOK: true},
		{raw: "trial-week", want: TierBasic, wantOK: true},
		{raw: "Golden", want: TierGold, wantOK: true},
		{raw: "gold", want: TierGold, wantOK: true},
		{raw: "free", want: TierFree, wantOK: true},
		{raw: "Bronze", wantOK: false},
		{raw: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := table.Normalize(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%t, got %t", tt.wantOK, ok)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTierTable_IsACopy(t *testing.T) {
	aliases := map[string][]string{TierGold: {"golden"}}
	table := NewTierTable(TierFree, aliases)
	aliases[TierGold] = append(aliases[TierGold], "bronze")

	if _, ok := table.Normalize("bronze"); ok {
		t.Fatal("expected table to be unaffected by later changes to the source map")
	}
	if got := table.Canonical(); len(got) != 2 || got[0] != TierFree || got[1] != TierGold {
		t.Fatalf("unexpected canonical tiers %v", got)
	}
}

func TestStaticCatalog_Lookup(t *testing.T) {
	catalog := DefaultCatalog()

	plan, err := catalog.Lookup(context.Background(), "GOLDEN")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if plan.ID != "crystal-member" || plan.DurationDays != 120 {
		t.Fatalf("expected legacy golden plan to resolve to crystal-member, got %+v", plan)
	}

	if _, err := catalog.Lookup(context.Background(), "platinum"); err == nil {
		t.Fatal("expected unknown plan error")
	}
}
