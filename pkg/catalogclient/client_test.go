package catalogclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/transfa/membership-service/internal/domain"
)

func TestLookup_DecodesPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plans/gold" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(domain.Plan{ID: "gold", Tier: "Gold", DurationDays: 30, Price: 1000, Currency: "USD", Active: true})
	}))
	defer srv.Close()

	plan, err := NewClient(srv.URL+"/", nil, "").Lookup(context.Background(), "gold")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if plan.Tier != "Gold" || plan.DurationDays != 30 || plan.Price != 1000 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestLookup_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{name: "unknown plan", status: http.StatusNotFound, check: domain.IsValidation},
		{name: "catalog down", status: http.StatusBadGateway, check: domain.IsTransient},
		{name: "inactive plan", status: http.StatusOK, body: `{"id":"old","active":false}`, check: domain.IsValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, nil, "").Lookup(context.Background(), "old")
			if !tt.check(err) {
				t.Fatalf("unexpected error classification: %v", err)
			}
		})
	}
}
