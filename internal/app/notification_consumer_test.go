package app

import (
	"context"
	"errors"
	"testing"

	"github.com/transfa/membership-service/internal/domain"
)

type stubNotifier struct {
	calls int
	last  domain.MembershipActivatedEvent
	err   error
}

func (n *stubNotifier) SendMembershipActivated(ctx context.Context, event domain.MembershipActivatedEvent) error {
	n.calls++
	n.last = event
	return n.err
}

func TestNotificationConsumer_AlwaysAcks(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		notifyErr error
		wantCalls int
	}{
		{name: "delivered", body: `{"account_id":"U1","tier":"Gold","intent_id":"i-1"}`, wantCalls: 1},
		{name: "notifier failure", body: `{"account_id":"U1","tier":"Gold"}`, notifyErr: errors.New("503"), wantCalls: 1},
		{name: "malformed", body: `{"account_id":`, wantCalls: 0},
		{name: "missing account", body: `{"tier":"Gold"}`, wantCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &stubNotifier{err: tt.notifyErr}
			consumer := NewNotificationConsumer(notifier, newTestLogger())

			if ack := consumer.HandleMembershipActivated([]byte(tt.body)); !ack {
				t.Fatal("expected the message to be acked")
			}
			if notifier.calls != tt.wantCalls {
				t.Fatalf("expected %d notifier calls, got %d", tt.wantCalls, notifier.calls)
			}
		})
	}
}

func TestNotificationConsumer_PassesEvent(t *testing.T) {
	notifier := &stubNotifier{}
	consumer := NewNotificationConsumer(notifier, newTestLogger())

	consumer.HandleMembershipActivated([]byte(`{"account_id":"U9","tier":"Premium","external_reference":"R9","amount":4999,"currency":"USD"}`))

	if notifier.last.AccountID != "U9" || notifier.last.Tier != TierPremium || notifier.last.Amount != 4999 {
		t.Fatalf("unexpected event %+v", notifier.last)
	}
}
