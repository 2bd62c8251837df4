package app

import (
	"reflect"
	"testing"

	"github.com/transfa/membership-service/internal/domain"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from domain.IntentStatus
		to   domain.IntentStatus
		want bool
	}{
		{domain.IntentCreated, domain.IntentStarted, true},
		{domain.IntentStarted, domain.IntentClientConfirmed, true},
		{domain.IntentClientConfirmed, domain.IntentVerified, true},
		{domain.IntentVerified, domain.IntentCompleted, true},
		{domain.IntentVerified, domain.IntentClientConfirmed, false},
		{domain.IntentCreated, domain.IntentFailed, true},
		{domain.IntentAwaitingVerification, domain.IntentFailed, true},
		{domain.IntentExpired, domain.IntentFailed, true},
		{domain.IntentCreated, domain.IntentExpired, true},
		{domain.IntentStarted, domain.IntentExpired, true},
		{domain.IntentClientConfirmed, domain.IntentExpired, false},
		{domain.IntentExpired, domain.IntentStarted, true},
		{domain.IntentExpired, domain.IntentCompleted, false},
		{domain.IntentCompleted, domain.IntentFailed, false},
		{domain.IntentFailed, domain.IntentStarted, false},
		{domain.IntentFailed, domain.IntentCompleted, false},
		{domain.IntentStarted, domain.IntentStarted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
		})
	}
}

func TestPathTo(t *testing.T) {
	tests := []struct {
		name   string
		from   domain.IntentStatus
		target domain.IntentStatus
		source domain.Source
		want   []domain.IntentStatus
	}{
		{
			name:   "webhook from created",
			from:   domain.IntentCreated,
			target: domain.IntentCompleted,
			source: domain.SourceWebhook,
			want:   []domain.IntentStatus{domain.IntentVerified, domain.IntentCompleted},
		},
		{
			name:   "admin from client confirmed",
			from:   domain.IntentClientConfirmed,
			target: domain.IntentCompleted,
			source: domain.SourceAdmin,
			want:   []domain.IntentStatus{domain.IntentAwaitingVerification, domain.IntentVerified, domain.IntentCompleted},
		},
		{
			name:   "client from created",
			from:   domain.IntentCreated,
			target: domain.IntentClientConfirmed,
			source: domain.SourceClient,
			want:   []domain.IntentStatus{domain.IntentClientConfirmed},
		},
		{
			name:   "client behind webhook",
			from:   domain.IntentVerified,
			target: domain.IntentClientConfirmed,
			source: domain.SourceClient,
			want:   nil,
		},
		{
			name:   "webhook reopens expired",
			from:   domain.IntentExpired,
			target: domain.IntentCompleted,
			source: domain.SourceWebhook,
			want:   []domain.IntentStatus{domain.IntentStarted, domain.IntentVerified, domain.IntentCompleted},
		},
		{
			name:   "started outcome",
			from:   domain.IntentCreated,
			target: domain.IntentStarted,
			source: domain.SourceWebhook,
			want:   []domain.IntentStatus{domain.IntentStarted},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pathTo(tt.from, tt.target, tt.source)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
