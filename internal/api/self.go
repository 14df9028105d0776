package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/identity"
	"github.com/orchardlabs/orchard/internal/quota"
)

// RegisterSelfRoutes mounts the respondent-facing endpoints.
func (h *Handler) RegisterSelfRoutes(r chi.Router) {
	r.Post("/api/tokens/redeem", h.redeemToken)
	r.Get("/api/me/status", h.ownStatus)
	r.Get("/api/me/history", h.ownHistory)
	r.Get("/api/me/stats", h.ownStats)
	r.Get("/api/me/export", h.ownExport)
	r.Post("/api/me/history/import", h.importOwnHistory)
	r.Delete("/api/me/history", h.resetOwnHistory)
}

func (h *Handler) redeemToken(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}

	grant, err := h.registry.RedeemToken(r.Context(), id, req.Code)
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"expiration": grant.Expiration,
		"message":    "Access activated until " + grant.Expiration.Format(time.DateTime),
	})
}

type statusResponse struct {
	IdentityKey string       `json:"identity_key"`
	HasGrant    bool         `json:"has_grant"`
	Admitted    bool         `json:"admitted"`
	Expiration  *time.Time   `json:"expiration,omitempty"`
	Suspended   bool         `json:"suspended"`
	Usage       *quota.Usage `json:"usage,omitempty"`
}

func (h *Handler) status(r *http.Request, id *domain.Identity, key string) (*statusResponse, error) {
	grant, err := h.repo.GetGrant(r.Context(), key)
	if err != nil {
		return nil, err
	}

	resp := &statusResponse{IdentityKey: key}
	if id != nil && id.Elevated() && id.Key == key {
		resp.Admitted = true
	}
	if grant == nil {
		return resp, nil
	}

	resp.HasGrant = true
	resp.Expiration = &grant.Expiration
	resp.Suspended = grant.Suspended
	if grant.Admits(time.Now()) {
		resp.Admitted = true
	}

	usage, err := h.tracker.Status(r.Context(), key)
	if err != nil {
		return nil, err
	}
	resp.Usage = usage
	return resp, nil
}

func (h *Handler) ownStatus(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	resp, err := h.status(r, id, id.Key)
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

func (h *Handler) ownHistory(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	records, err := h.history.List(r.Context(), id.Key)
	if err != nil {
		fail(w, err)
		return
	}
	if records == nil {
		records = []*domain.CompletedRecord{}
	}
	JSON(w, http.StatusOK, records)
}

func (h *Handler) ownStats(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	stats, err := h.history.Stats(r.Context(), id.Key)
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}

func (h *Handler) ownExport(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	switch r.URL.Query().Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="history.csv"`)
		if err := h.history.ExportCSV(r.Context(), id.Key, w); err != nil {
			fail(w, err)
		}
	case "txt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := h.history.ExportText(r.Context(), id.Key, w); err != nil {
			fail(w, err)
		}
	case "json", "":
		w.Header().Set("Content-Type", "application/json")
		if err := h.history.ExportJSON(r.Context(), id.Key, w); err != nil {
			fail(w, err)
		}
	default:
		Error(w, http.StatusBadRequest, "format must be csv, json or txt")
	}
}

// importOwnHistory replaces the caller's history with an uploaded export.
// Replacement is destructive, so it demands an explicit confirm parameter.
func (h *Handler) importOwnHistory(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	if r.URL.Query().Get("confirm") != "true" {
		Error(w, http.StatusBadRequest, "importing replaces your existing history; re-send with confirm=true")
		return
	}

	var imported int
	var err error
	switch r.URL.Query().Get("format") {
	case "csv":
		imported, err = h.history.ImportCSV(r.Context(), id.Key, r.Body)
	case "json", "":
		imported, err = h.history.ImportJSON(r.Context(), id.Key, r.Body)
	default:
		Error(w, http.StatusBadRequest, "format must be csv or json")
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"imported": imported})
}

func (h *Handler) resetOwnHistory(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	deleted, err := h.history.Reset(r.Context(), id.Key)
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
