package app

import (
	"context"
	"time"

	"github.com/transfa/membership-service/internal/domain"
	"github.com/transfa/membership-service/pkg/rabbitmq"
)

// SideEffectEmitter hands activation events to the work queue.
type SideEffectEmitter interface {
	EmitMembershipActivated(ctx context.Context, event domain.MembershipActivatedEvent) error
}

// QueueEmitter publishes activation events to RabbitMQ.
type QueueEmitter struct {
	publisher rabbitmq.Publisher
	exchange  string
	timeout   time.Duration
}

// NewQueueEmitter creates an emitter publishing to exchange. An empty exchange
// uses domain.MembershipEventsExchange.
func NewQueueEmitter(publisher rabbitmq.Publisher, exchange string) *QueueEmitter {
	if exchange == "" {
		exchange = domain.MembershipEventsExchange
	}
	return &QueueEmitter{publisher: publisher, exchange: exchange, timeout: 5 * time.Second}
}

// Exchange is the exchange events are published to.
func (e *QueueEmitter) Exchange() string {
	return e.exchange
}

func (e *QueueEmitter) EmitMembershipActivated(ctx context.Context, event domain.MembershipActivatedEvent) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, e.exchange, domain.MembershipActivatedRoutingKey, event); err != nil {
		return domain.NewError(domain.ErrSideEffect, "emit membership.activated", err)
	}
	return nil
}
