package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

func normalizePrefix(prefix, suffix string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "membership"
	}
	return trimmed + ":" + suffix
}

// RedisRateLimiter implements a fixed-window limiter shared across replicas.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		prefix: normalizePrefix(prefix, "rate_limit"),
	}
}

// ConsumeRateLimit counts one hit for subject in scope and returns the count in the
// current window along with the seconds until the window resets. A nil limiter
// or an empty subject always allows.
func (r *RedisRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := rateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(currentCount), retryAfter, nil
}

// RedisDeliveryGuard remembers webhook delivery ids for a while so that gateway
// retries of an already processed delivery skip the database. It only saves work;
// the ledger's conditional writes remain what makes replays harmless.
type RedisDeliveryGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDeliveryGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeliveryGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeliveryGuard{
		client: client,
		prefix: normalizePrefix(prefix, "webhook_delivery"),
		ttl:    ttl,
	}
}

func (g *RedisDeliveryGuard) key(gateway, deliveryID string) string {
	return fmt.Sprintf("%s:%s:%s", g.prefix, strings.ToLower(strings.TrimSpace(gateway)), strings.TrimSpace(deliveryID))
}

// Seen reports whether the delivery was already processed successfully.
func (g *RedisDeliveryGuard) Seen(ctx context.Context, gateway, deliveryID string) (bool, error) {
	if g == nil || g.client == nil || strings.TrimSpace(deliveryID) == "" {
		return false, nil
	}
	n, err := g.client.Exists(ctx, g.key(gateway, deliveryID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Remember marks the delivery as processed. It reports false when another replica
// had already marked it.
func (g *RedisDeliveryGuard) Remember(ctx context.Context, gateway, deliveryID string) (bool, error) {
	if g == nil || g.client == nil || strings.TrimSpace(deliveryID) == "" {
		return true, nil
	}
	return g.client.SetNX(ctx, g.key(gateway, deliveryID), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}
