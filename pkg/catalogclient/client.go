/**
 * @description
 * Client for the plan catalog service. Plan lookups are cached in Redis because
 * plans change rarely and every confirmation needs one.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: For the shared read-through cache.
 */
package catalogclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/membership-service/internal/domain"
)

const defaultCacheTTL = 5 * time.Minute

// Client is a client for the plan catalog service.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	cache       redis.UniversalClient
	cachePrefix string
	cacheTTL    time.Duration
}

// NewClient creates a catalog client. cache may be nil to disable caching.
func NewClient(baseURL string, cache redis.UniversalClient, cachePrefix string) *Client {
	prefix := strings.TrimSuffix(strings.TrimSpace(cachePrefix), ":")
	if prefix == "" {
		prefix = "membership"
	}
	return &Client{
		baseURL:     strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		cache:       cache,
		cachePrefix: prefix + ":plan",
		cacheTTL:    defaultCacheTTL,
	}
}

// Lookup resolves planID. Unknown or inactive plans are validation errors; an
// unreachable catalog is a transient error.
func (c *Client) Lookup(ctx context.Context, planID string) (domain.Plan, error) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return domain.Plan{}, domain.Validationf("catalog.lookup", "plan id is required")
	}
	if c.baseURL == "" {
		return domain.Plan{}, fmt.Errorf("catalog service base URL is not configured")
	}

	cacheKey := c.cachePrefix + ":" + strings.ToLower(planID)
	if plan, ok := c.cached(ctx, cacheKey); ok {
		return plan, nil
	}

	endpoint := fmt.Sprintf("%s/plans/%s", c.baseURL, url.PathEscape(planID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Plan{}, domain.NewError(domain.ErrTransientStore, "catalog.lookup", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Plan{}, domain.Validationf("catalog.lookup", "unknown plan %q", planID)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return domain.Plan{}, domain.NewError(domain.ErrTransientStore, "catalog.lookup",
			fmt.Errorf("catalog service returned status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return domain.Plan{}, fmt.Errorf("catalog service returned error status %d", resp.StatusCode)
	}

	var plan domain.Plan
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		return domain.Plan{}, fmt.Errorf("failed to decode plan: %w", err)
	}
	if !plan.Active {
		return domain.Plan{}, domain.Validationf("catalog.lookup", "plan %q is not active", planID)
	}

	c.store(ctx, cacheKey, plan)
	return plan, nil
}

func (c *Client) cached(ctx context.Context, key string) (domain.Plan, bool) {
	if c.cache == nil {
		return domain.Plan{}, false
	}
	raw, err := c.cache.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("level=warn component=catalog_client msg=\"plan cache read failed\" key=%s err=%v", key, err)
		}
		return domain.Plan{}, false
	}
	var plan domain.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return domain.Plan{}, false
	}
	return plan, true
}

func (c *Client) store(ctx context.Context, key string, plan domain.Plan) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.cacheTTL).Err(); err != nil {
		log.Printf("level=warn component=catalog_client msg=\"plan cache write failed\" key=%s err=%v", key, err)
	}
}
