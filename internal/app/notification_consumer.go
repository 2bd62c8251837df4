package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/transfa/membership-service/internal/domain"
)

// Notifier delivers user-visible activation messages.
type Notifier interface {
	SendMembershipActivated(ctx context.Context, event domain.MembershipActivatedEvent) error
}

// NotificationConsumer turns membership.activated messages into notifier calls.
// Each message gets exactly one delivery attempt: the handler always acks, so a
// failing notifier never produces duplicate user-visible messages.
type NotificationConsumer struct {
	notifier Notifier
	logger   *slog.Logger
	timeout  time.Duration
}

// NewNotificationConsumer creates a consumer over notifier.
func NewNotificationConsumer(notifier Notifier, logger *slog.Logger) *NotificationConsumer {
	return &NotificationConsumer{notifier: notifier, logger: logger, timeout: 20 * time.Second}
}

// HandleMembershipActivated is bound to the membership.activated routing key.
func (c *NotificationConsumer) HandleMembershipActivated(body []byte) bool {
	var event domain.MembershipActivatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("dropping malformed membership.activated message", "error", err)
		return true
	}
	if event.AccountID == "" {
		c.logger.Warn("dropping membership.activated message without account", "intent_id", event.IntentID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.notifier.SendMembershipActivated(ctx, event); err != nil {
		c.logger.Warn("membership notification failed; not retrying",
			"account_id", event.AccountID,
			"intent_id", event.IntentID,
			"error", domain.NewError(domain.ErrSideEffect, "notify", err),
		)
		return true
	}

	c.logger.Info("membership notification sent", "account_id", event.AccountID, "tier", event.Tier, "intent_id", event.IntentID)
	return true
}
