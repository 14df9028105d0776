package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orchardlabs/orchard/internal/access"
	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/identity"
)

// RegisterAdminRoutes mounts the elevated-only administrative endpoints.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(RequireElevated)

		r.Post("/tokens", h.issueToken)
		r.Post("/sweep/tokens", h.sweepTokens)
		r.Post("/sweep/suspend", h.sweepAutoSuspend)
		r.Get("/grants", h.listGrants)

		r.Route("/identities/{key}", func(r chi.Router) {
			r.Get("/status", h.identityStatus)
			r.Get("/history", h.identityHistory)
			r.Post("/suspend", h.suspend)
			r.Post("/unsuspend", h.unsuspend)
			r.Put("/expiration", h.setExpiration)
			r.Post("/extend", h.extend)
			r.Post("/reduce", h.reduce)
			r.Put("/daily-limit", h.setDailyLimit)
			r.Put("/limits", h.setLimits)
			r.Delete("/", h.purge)
		})
	})
}

func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) {
	actor := identity.FromContext(r.Context())

	var req struct {
		IdentityKey string `json:"identity_key"`
		TTL         string `json:"ttl"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.IdentityKey == "" {
		Error(w, http.StatusBadRequest, "identity_key is required")
		return
	}

	ttl, err := access.ParseAccessDuration(req.TTL)
	if err != nil {
		fail(w, err)
		return
	}

	token, err := h.registry.IssueToken(r.Context(), actor, req.IdentityKey, ttl)
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, token)
}

func (h *Handler) sweepTokens(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.registry.SweepExpiredTokens(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (h *Handler) sweepAutoSuspend(w http.ResponseWriter, r *http.Request) {
	actor := identity.FromContext(r.Context())
	suspended, err := h.tracker.AutoSuspendSweep(r.Context(), actor)
	if err != nil {
		fail(w, err)
		return
	}
	if suspended == nil {
		suspended = []string{}
	}
	JSON(w, http.StatusOK, map[string]any{"suspended": suspended})
}

func (h *Handler) listGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.repo.ListGrants(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	if grants == nil {
		grants = []*domain.AccessGrant{}
	}
	JSON(w, http.StatusOK, grants)
}

func (h *Handler) identityStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	resp, err := h.status(r, nil, key)
	if err != nil {
		fail(w, err)
		return
	}

	recent, err := h.history.Recent(r.Context(), key, 10)
	if err != nil {
		fail(w, err)
		return
	}
	if recent == nil {
		recent = []*domain.CompletedRecord{}
	}
	JSON(w, http.StatusOK, map[string]any{"status": resp, "recent": recent})
}

func (h *Handler) identityHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	records, err := h.history.List(r.Context(), key)
	if err != nil {
		fail(w, err)
		return
	}
	if records == nil {
		records = []*domain.CompletedRecord{}
	}
	JSON(w, http.StatusOK, records)
}

func (h *Handler) suspend(w http.ResponseWriter, r *http.Request) {
	actor := identity.FromContext(r.Context())
	key := chi.URLParam(r, "key")
	if err := h.registry.Suspend(r.Context(), actor, key); err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"identity_key": key, "state": "suspended"})
}

func (h *Handler) unsuspend(w http.ResponseWriter, r *http.Request) {
	actor := identity.FromContext(r.Context())
	key := chi.URLParam(r, "key")
	if err := h.registry.Unsuspend(r.Context(), actor, key); err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"identity_key": key, "state": "active"})
}

func (h *Handler) setExpiration(w http.ResponseWriter, r *http.Request) {
	actor := identity.FromContext(r.Context())
	key := chi.URLParam(r, "key")

	var req struct {
		Expiration string `json:"expiration"` // "2006-01-02 15:04:05"
	}
	if !decode(w, r, &req) {
		return
	}

	expiration, err := time.ParseInLocation(time.DateTime, req.Expiration, time.Local)
	if err != nil {
		Error(w, http.StatusBadRequest, "expiration must use the format 2006-01-02 15:04:05")
		return
	}

	if err := h.registry.SetExpiration(r.Context(), actor, key, expiration); err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"identity_key": key, "expiration": expiration})
}

func (h *Handler) extend(w http.ResponseWriter, r *http.Request) {
	h.shift(w, r, true)
}

func (h *Handler) reduce(w http.ResponseWriter, r *http.Request) {
	h.shift(w, r, false)
}

func (h *Handler) shift(w http.ResponseWriter, r *http.Request, extend bool) {
	actor := identity.FromContext(r.Context())
	key := chi.URLParam(r, "key")

	var req struct {
		Duration string `json:"duration"`
	}
	if !decode(w, r, &req) {
		return
	}

	var expiration time.Time
	var err error
	if extend {
		expiration, err = h.registry.Extend(r.Context(), actor, key, req.Duration)
	} else {
		expiration, err = h.registry.Reduce(r.Context(), actor, key, req.Duration)
	}
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"identity_key": key, "expiration": expiration})
}

func (h *Handler) setDailyLimit(w http.ResponseWriter, r *http.Request) {
	actor := identity.FromContext(r.Context())
	key := chi.URLParam(r, "key")

	var req struct {
		Daily int `json:"daily"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Daily <= 0 {
		Error(w, http.StatusBadRequest, "daily must be positive")
		return
	}

	if err := h.tracker.SetDailyLimit(r.Context(), actor, key, req.Daily); err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"identity_key": key, "daily": req.Daily})
}

func (h *Handler) setLimits(w http.ResponseWriter, r *http.Request) {
	actor := identity.FromContext(r.Context())
	key := chi.URLParam(r, "key")

	var req struct {
		Daily  *int `json:"daily"`
		Hourly *int `json:"hourly"`
		Total  *int `json:"total"`
	}
	if !decode(w, r, &req) {
		return
	}

	if err := h.tracker.SetLimits(r.Context(), actor, key, req.Daily, req.Hourly, req.Total); err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"identity_key": key})
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.repo.PurgeIdentity(r.Context(), key); err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"identity_key": key, "state": "purged"})
}
