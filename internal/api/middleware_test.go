package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInternalAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name     string
		required string
		provided string
		want     int
	}{
		{name: "match", required: "k", provided: "k", want: http.StatusNoContent},
		{name: "mismatch", required: "k", provided: "x", want: http.StatusUnauthorized},
		{name: "missing header", required: "k", want: http.StatusUnauthorized},
		{name: "unconfigured key never matches", required: "", provided: "", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.provided != "" {
				req.Header.Set("X-Internal-API-Key", tt.provided)
			}
			rec := httptest.NewRecorder()
			InternalAuthMiddleware(tt.required)(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestClerkAuthMiddlewareInjectsUser(t *testing.T) {
	issuer := newTestIssuer(t)

	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = UserFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", issuer.token(t, "user_42"))
	rec := httptest.NewRecorder()
	ClerkAuthMiddleware(issuer.server.URL)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || got != "user_42" {
		t.Fatalf("expected user_42 in context, got %q (status %d)", got, rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token abc")
	rec = httptest.NewRecorder()
	ClerkAuthMiddleware(issuer.server.URL)(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a non-bearer header, got %d", rec.Code)
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	if _, err := parseRSAPublicKey("AQAB", ""); err == nil {
		t.Fatal("expected an empty exponent to be rejected")
	}
	key, err := parseRSAPublicKey("AQAB", "AQAB")
	if err != nil {
		t.Fatalf("parseRSAPublicKey returned error: %v", err)
	}
	if key.E != 65537 {
		t.Fatalf("expected exponent 65537, got %d", key.E)
	}
}
