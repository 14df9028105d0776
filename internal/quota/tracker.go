// Package quota enforces rolling usage windows against per-identity limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/notify"
	"github.com/orchardlabs/orchard/internal/store"
)

// Limits carries the system default window limits. Zero disables a window.
type Limits struct {
	Daily  int
	Hourly int
	Total  int
}

// Usage is a read-only view of an identity's consumption against its
// effective limits. Zero limit means the window is unbounded.
type Usage struct {
	UsedToday    int `json:"used_today"`
	DailyLimit   int `json:"daily_limit"`
	UsedThisHour int `json:"used_this_hour"`
	HourlyLimit  int `json:"hourly_limit"`
	UsedTotal    int `json:"used_total"`
	TotalLimit   int `json:"total_limit"`
}

// Tracker decides whether a new dialogue flow may start and manages limits.
type Tracker struct {
	repo     store.Repository
	notifier notify.Notifier
	defaults Limits
}

// NewTracker creates a quota tracker with the given system defaults.
func NewTracker(repo store.Repository, notifier notify.Notifier, defaults Limits) *Tracker {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Tracker{repo: repo, notifier: notifier, defaults: defaults}
}

// CheckAndReserve admits one flow start, spending one unit of the daily
// window. Elevated identities always admit without touching counters.
// Denial happens at the boundary without mutation; the whole lazy-reset,
// check and increment sequence is atomic per identity.
func (t *Tracker) CheckAndReserve(ctx context.Context, id *domain.Identity) error {
	if id.Elevated() {
		return nil
	}

	now := time.Now()
	res, err := t.repo.ReserveDailyQuota(ctx,
		id.Key,
		now.Format(domain.DayMarkerFormat),
		now.Format(domain.HourMarkerFormat),
		t.defaults.Daily,
	)
	if errors.Is(err, domain.ErrNotFound) {
		// No grant row means the gate should have stopped this identity.
		return domain.ErrAccessDenied
	}
	if err != nil {
		return fmt.Errorf("reserve quota for %s: %w", id.Key, err)
	}
	if !res.Admitted {
		return fmt.Errorf("%w: daily limit of %d reached", domain.ErrQuotaExceeded, res.Limit)
	}

	slog.Debug("quota reserved", "identity_key", id.Key, "used_today", res.Used, "daily_limit", res.Limit)
	return nil
}

// SetDailyLimit stores a per-identity daily override, creating the grant row
// if absent. Changing the limit intentionally starts a fresh window: the
// counter resets to zero and the day marker moves to today. Elevated only.
func (t *Tracker) SetDailyLimit(ctx context.Context, actor *domain.Identity, key string, daily int) error {
	if !actor.Elevated() {
		return domain.ErrNotElevated
	}

	// Preserve any existing hourly/total overrides.
	grant, err := t.repo.GetGrant(ctx, key)
	if err != nil {
		return fmt.Errorf("load grant for %s: %w", key, err)
	}
	var hourly, total *int
	if grant != nil {
		hourly, total = grant.HourlyLimit, grant.TotalLimit
	}

	return t.setLimits(ctx, key, &daily, hourly, total)
}

// SetLimits stores the full set of per-identity window overrides at once.
// Elevated only.
func (t *Tracker) SetLimits(ctx context.Context, actor *domain.Identity, key string, daily, hourly, total *int) error {
	if !actor.Elevated() {
		return domain.ErrNotElevated
	}
	return t.setLimits(ctx, key, daily, hourly, total)
}

func (t *Tracker) setLimits(ctx context.Context, key string, daily, hourly, total *int) error {
	day := time.Now().Format(domain.DayMarkerFormat)
	if err := t.repo.SetLimits(ctx, key, daily, hourly, total, day); err != nil {
		return fmt.Errorf("set limits for %s: %w", key, err)
	}
	slog.Info("limits updated", "identity_key", key)
	return nil
}

// Status reports the identity's consumption against its effective limits,
// applying the lazy window reset logically (stale markers read as zero).
func (t *Tracker) Status(ctx context.Context, key string) (*Usage, error) {
	grant, err := t.repo.GetGrant(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load grant for %s: %w", key, err)
	}
	if grant == nil {
		return nil, domain.ErrNotFound
	}
	usage := t.usage(grant, time.Now())
	return &usage, nil
}

func (t *Tracker) usage(grant *domain.AccessGrant, now time.Time) Usage {
	u := Usage{
		DailyLimit:  effectiveLimit(grant.DailyLimit, t.defaults.Daily),
		HourlyLimit: effectiveLimit(grant.HourlyLimit, t.defaults.Hourly),
		TotalLimit:  effectiveLimit(grant.TotalLimit, t.defaults.Total),
		UsedTotal:   grant.UsedTotal,
	}
	if grant.DayMarker == now.Format(domain.DayMarkerFormat) {
		u.UsedToday = grant.UsedToday
	}
	if grant.HourMarker == now.Format(domain.HourMarkerFormat) {
		u.UsedThisHour = grant.UsedThisHour
	}
	return u
}

// AutoSuspendSweep suspends every identity whose consumption meets or
// exceeds any configured window limit and notifies each, best-effort.
// Elevated only. Returns the keys of the identities suspended.
func (t *Tracker) AutoSuspendSweep(ctx context.Context, actor *domain.Identity) ([]string, error) {
	if !actor.Elevated() {
		return nil, domain.ErrNotElevated
	}

	grants, err := t.repo.ListGrants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}

	now := time.Now()
	var suspended []string
	for _, grant := range grants {
		if grant.Suspended {
			continue
		}
		u := t.usage(grant, now)
		if !overAnyLimit(u) {
			continue
		}

		if err := t.repo.SetSuspended(ctx, grant.IdentityKey, true); err != nil {
			slog.Error("auto-suspend failed", "identity_key", grant.IdentityKey, "error", err)
			continue
		}
		suspended = append(suspended, grant.IdentityKey)
		t.notifyAsync(grant.IdentityKey, "Your access was suspended after reaching a usage limit.")
	}

	if len(suspended) > 0 {
		slog.Info("auto-suspend sweep completed", "suspended", len(suspended))
	}
	return suspended, nil
}

func overAnyLimit(u Usage) bool {
	return atLimit(u.UsedToday, u.DailyLimit) ||
		atLimit(u.UsedThisHour, u.HourlyLimit) ||
		atLimit(u.UsedTotal, u.TotalLimit)
}

func atLimit(used, limit int) bool {
	return limit > 0 && used >= limit
}

func effectiveLimit(override *int, fallback int) int {
	if override != nil {
		return *override
	}
	return fallback
}

func (t *Tracker) notifyAsync(key, message string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.notifier.Notify(ctx, key, message); err != nil {
			slog.Warn("notification delivery failed", "identity_key", key, "error", err)
		}
	}()
}
