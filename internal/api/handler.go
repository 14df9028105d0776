// Package api provides HTTP handlers for the orchard API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/orchardlabs/orchard/internal/access"
	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/history"
	"github.com/orchardlabs/orchard/internal/identity"
	"github.com/orchardlabs/orchard/internal/quota"
	"github.com/orchardlabs/orchard/internal/store"
)

// Handler bundles the service dependencies of the HTTP surface.
type Handler struct {
	repo     store.Repository
	registry *access.Registry
	tracker  *quota.Tracker
	history  *history.Service
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, registry *access.Registry, tracker *quota.Tracker, hist *history.Service) *Handler {
	return &Handler{
		repo:     repo,
		registry: registry,
		tracker:  tracker,
		history:  hist,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// fail maps domain errors to HTTP statuses, surfacing token and validation
// failures verbatim and hiding store internals behind a generic message.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotElevated):
		Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrAccessDenied):
		Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrQuotaExceeded):
		Error(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrInvalidDuration),
		errors.Is(err, domain.ErrImportInvalid):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrTokenInvalid),
		errors.Is(err, domain.ErrTokenUsed),
		errors.Is(err, domain.ErrTokenWrongOwner),
		errors.Is(err, domain.ErrTokenExpired):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// RequireElevated rejects requests whose identity is not elevated.
func RequireElevated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity.FromContext(r.Context())
		if id == nil || !id.Elevated() {
			Error(w, http.StatusForbidden, domain.ErrNotElevated.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
