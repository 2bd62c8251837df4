/**
 * @description
 * Client for the notification/invite dispatcher that tells members their plan is active.
 */
package notifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/transfa/membership-service/internal/domain"
)

// Client is a client for the notification dispatcher.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new notification dispatcher client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// SendMembershipActivated asks the dispatcher to notify the member and send any invites.
func (c *Client) SendMembershipActivated(ctx context.Context, event domain.MembershipActivatedEvent) error {
	if c.baseURL == "" {
		return fmt.Errorf("notifier base URL is not configured")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	url := fmt.Sprintf("%s/internal/notifications/membership-activated", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to notifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notifier returned error status %d", resp.StatusCode)
	}
	return nil
}
