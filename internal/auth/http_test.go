// ABOUTME: Tests for the admin API JWT middleware
// ABOUTME: Covers bearer extraction, rejection paths, and subject propagation

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAdminAuthMiddleware(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	var gotSubject string
	handler := AdminAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = AdminFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	token, err := v.Generate("admin", time.Hour)
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/pairing/pending", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if gotSubject != "admin" {
		t.Errorf("subject = %q, want admin", gotSubject)
	}
}

func TestAdminAuthMiddleware_Rejects(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	other := NewJWTVerifier([]byte("other-secret"))

	handler := AdminAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))

	badToken, _ := other.Generate("admin", time.Hour)
	expired, _ := v.Generate("admin", -time.Hour)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"empty token", "Bearer "},
		{"wrong secret", "Bearer " + badToken},
		{"expired", "Bearer " + expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/pairing/pending", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}
