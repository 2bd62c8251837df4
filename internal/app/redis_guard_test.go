package app

import (
	"context"
	"testing"
	"time"
)

func TestNormalizePrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "", want: "membership:rate_limit"},
		{prefix: "  ", want: "membership:rate_limit"},
		{prefix: "svc:", want: "svc:rate_limit"},
		{prefix: "svc", want: "svc:rate_limit"},
	}
	for _, tt := range tests {
		if got := normalizePrefix(tt.prefix, "rate_limit"); got != tt.want {
			t.Fatalf("normalizePrefix(%q): expected %q, got %q", tt.prefix, tt.want, got)
		}
	}
}

func TestRedisRateLimiter_WithoutClientAllows(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, "test")

	count, retryAfter, err := limiter.ConsumeRateLimit(context.Background(), "callback", "U1", 1, time.Minute)
	if err != nil || count != 0 || retryAfter != 0 {
		t.Fatalf("expected allow without redis, got count=%d retry=%d err=%v", count, retryAfter, err)
	}

	var nilLimiter *RedisRateLimiter
	if _, _, err := nilLimiter.ConsumeRateLimit(context.Background(), "callback", "U1", 1, time.Minute); err != nil {
		t.Fatalf("expected nil limiter to allow, got %v", err)
	}
}

func TestRedisDeliveryGuard_WithoutClient(t *testing.T) {
	guard := NewRedisDeliveryGuard(nil, "", 0)
	if guard.ttl != 24*time.Hour {
		t.Fatalf("expected default ttl of 24h, got %s", guard.ttl)
	}
	if got := guard.key(" Daimo ", "evt_1"); got != "membership:webhook_delivery:daimo:evt_1" {
		t.Fatalf("unexpected key %q", got)
	}

	seen, err := guard.Seen(context.Background(), "daimo", "evt_1")
	if err != nil || seen {
		t.Fatalf("expected unseen without redis, got seen=%t err=%v", seen, err)
	}
	first, err := guard.Remember(context.Background(), "daimo", "evt_1")
	if err != nil || !first {
		t.Fatalf("expected remember to report first delivery, got %t err=%v", first, err)
	}
}
