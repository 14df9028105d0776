package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/identity"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestFailMapsDomainErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotElevated, http.StatusForbidden},
		{domain.ErrAccessDenied, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrQuotaExceeded, http.StatusTooManyRequests},
		{domain.ErrInvalidDuration, http.StatusBadRequest},
		{domain.ErrTokenInvalid, http.StatusBadRequest},
		{domain.ErrTokenUsed, http.StatusBadRequest},
		{domain.ErrTokenWrongOwner, http.StatusBadRequest},
		{domain.ErrTokenExpired, http.StatusBadRequest},
		{errors.New("database exploded"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		fail(w, tt.err)
		if w.Code != tt.want {
			t.Errorf("fail(%v): expected status %d, got %d", tt.err, tt.want, w.Code)
		}
	}

	// Store internals never leak into the response.
	w := httptest.NewRecorder()
	fail(w, errors.New("database exploded"))
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["error"] != "internal error" {
		t.Errorf("Expected a generic message, got %q", body["error"])
	}
}

func TestRequireElevated(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	protected := RequireElevated(next)

	tests := []struct {
		name string
		id   *domain.Identity
		want int
	}{
		{"elevated", &domain.Identity{Key: "admin", Role: domain.RoleElevated}, http.StatusNoContent},
		{"default", &domain.Identity{Key: "user", Role: domain.RoleDefault}, http.StatusForbidden},
		{"missing", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/admin/grants", nil)
		if tt.id != nil {
			r = r.WithContext(identity.WithIdentity(r.Context(), tt.id))
		}
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, r)
		if w.Code != tt.want {
			t.Errorf("%s: expected status %d, got %d", tt.name, tt.want, w.Code)
		}
	}
}
