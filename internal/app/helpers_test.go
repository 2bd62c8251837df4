package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/transfa/membership-service/internal/domain"
	"github.com/transfa/membership-service/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.MembershipActivatedEvent
	err    error
}

func (e *recordingEmitter) EmitMembershipActivated(ctx context.Context, event domain.MembershipActivatedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

type testService struct {
	repo        store.Repository
	intents     *IntentLedger
	memberships *MembershipLedger
	engine      *Engine
	emitter     *recordingEmitter
}

func newTestService(repo store.Repository) *testService {
	logger := newTestLogger()
	catalog := DefaultCatalog()
	emitter := &recordingEmitter{}
	intents := NewIntentLedger(repo, catalog, fastRetry(), logger)
	memberships := NewMembershipLedger(repo, DefaultTierTable(), MembershipOptions{}, fastRetry(), logger)
	engine := NewEngine(repo, intents, memberships, catalog, emitter, fastRetry(), logger, EngineOptions{})
	return &testService{
		repo:        repo,
		intents:     intents,
		memberships: memberships,
		engine:      engine,
		emitter:     emitter,
	}
}

// setNow pins the clock of every component.
func (s *testService) setNow(now time.Time) {
	clock := func() time.Time { return now }
	s.intents.now = clock
	s.memberships.now = clock
	s.engine.now = clock
}

func webhookEvent(ref string) domain.ConfirmationEvent {
	return domain.ConfirmationEvent{
		Gateway:           domain.GatewayDaimo,
		ExternalReference: ref,
		AccountID:         "U1",
		PlanID:            "gold",
		Amount:            1000,
		Currency:          "USD",
		Source:            domain.SourceWebhook,
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
