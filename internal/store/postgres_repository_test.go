package store

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/transfa/membership-service/internal/domain"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "no rows", err: pgx.ErrNoRows, want: domain.ErrNotFound},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: domain.ErrConflict},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: domain.ErrTransientStore},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: domain.ErrTransientStore},
		{name: "connection exception class", err: &pgconn.PgError{Code: "08006"}, want: domain.ErrTransientStore},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: domain.ErrTransientStore},
		{name: "connection refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: domain.ErrTransientStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError("op", tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestClassifyError_LeavesOtherErrorsUnclassified(t *testing.T) {
	got := classifyError("op", &pgconn.PgError{Code: "23502"})
	if got == nil {
		t.Fatal("expected error")
	}
	if domain.IsTransient(got) || domain.IsConflict(got) || domain.IsNotFound(got) {
		t.Fatalf("expected not-null violation to stay unclassified, got %v", got)
	}
	if classifyError("op", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestNullableJSON(t *testing.T) {
	if nullableJSON(nil) != nil {
		t.Fatal("expected nil for empty payload")
	}
	got := nullableJSON([]byte(`{"a":1}`))
	if got == nil || *got != `{"a":1}` {
		t.Fatalf("unexpected payload %v", got)
	}
}
