package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/membership-service/internal/domain"
)

func TestRetryPolicy_Do(t *testing.T) {
	transient := domain.NewError(domain.ErrTransientStore, "op", errors.New("timeout"))
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{name: "success", errs: []error{nil}, wantCalls: 1},
		{name: "transient then success", errs: []error{transient, nil}, wantCalls: 2},
		{name: "transient exhausted", errs: []error{transient, transient, transient, nil}, wantCalls: 3, wantErr: domain.ErrTransientStore},
		{name: "validation not retried", errs: []error{domain.Validationf("op", "bad"), nil}, wantCalls: 1, wantErr: domain.ErrValidation},
		{name: "conflict not retried", errs: []error{domain.NewError(domain.ErrConflict, "op", nil), nil}, wantCalls: 1, wantErr: domain.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fastRetry().Do(context.Background(), func(ctx context.Context) error {
				err := tt.errs[calls]
				calls++
				return err
			})
			if calls != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, calls)
			}
			if tt.wantErr == nil && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRetryPolicy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}

	calls := 0
	err := policy.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return domain.NewError(domain.ErrTransientStore, "op", nil)
	})
	if calls != 1 {
		t.Fatalf("expected a single call after cancellation, got %d", calls)
	}
	if !domain.IsTransient(err) {
		t.Fatalf("expected the last error to be returned, got %v", err)
	}
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	policy := DefaultRetryPolicy()
	if got := policy.delay(1); got != 50*time.Millisecond {
		t.Fatalf("expected 50ms, got %s", got)
	}
	if got := policy.delay(2); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %s", got)
	}
	if got := policy.delay(20); got != time.Second {
		t.Fatalf("expected cap of 1s, got %s", got)
	}
}
