package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/transfa/membership-service/internal/store"
	"github.com/transfa/membership-service/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize       = 50
	defaultOutboxPollInterval    = 1200 * time.Millisecond
	defaultOutboxStaleProcessing = 2 * time.Minute
)

// OutboxDispatcher republishes side effects whose first publish failed. Each
// message carries its own attempt budget; exhausted messages are parked as dead.
type OutboxDispatcher struct {
	repo                store.OutboxRepository
	publisher           rabbitmq.Publisher
	dial                func() (rabbitmq.Publisher, error)
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	logger              *slog.Logger
}

// NewOutboxDispatcher creates a relay that dials its own producer on demand.
func NewOutboxDispatcher(repo store.OutboxRepository, rabbitURL string, pollInterval time.Duration, logger *slog.Logger) *OutboxDispatcher {
	if pollInterval <= 0 {
		pollInterval = defaultOutboxPollInterval
	}
	return &OutboxDispatcher{
		repo: repo,
		dial: func() (rabbitmq.Publisher, error) {
			return rabbitmq.NewEventProducer(rabbitURL)
		},
		batchSize:           defaultOutboxBatchSize,
		pollInterval:        pollInterval,
		staleProcessingTime: defaultOutboxStaleProcessing,
		logger:              logger,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closePublisher()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.flushOnce(ctx); err != nil {
				d.logger.Error("outbox flush failed", "error", err)
			}
		}
	}
}

// flushOnce claims due messages and publishes them. It returns how many were published.
func (d *OutboxDispatcher) flushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				d.logger.Error("failed to mark outbox message as failed", "outbox_id", message.ID, "error", markErr)
			}
			if message.Attempts >= message.MaxAttempts {
				d.logger.Warn("side effect dropped after final attempt", "outbox_id", message.ID, "routing_key", message.RoutingKey, "error", err)
			}
			continue
		}
		published++
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.logger.Error("failed to mark outbox message as published", "outbox_id", message.ID, "error", err)
		}
	}
	return published, nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.publisher == nil {
		publisher, err := d.dial()
		if err != nil {
			return err
		}
		d.publisher = publisher
	}

	var payload json.RawMessage = message.Payload
	if err := d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, payload); err != nil {
		d.closePublisher()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closePublisher() {
	if d.publisher != nil {
		d.publisher.Close()
		d.publisher = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
