package domain

import "time"

// AccessGrant establishes an identity's admission window, suspension state
// and usage counters. At most one grant exists per identity.
//
// Counters are meaningful only relative to their marker: a counter whose
// marker does not match the current day (or hour) is logically zero,
// whatever its stored value. Callers must go through the quota tracker,
// which applies that lazy reset inside a single transaction.
type AccessGrant struct {
	IdentityKey string    `json:"identity_key"`
	Expiration  time.Time `json:"expiration"`
	Suspended   bool      `json:"suspended"`

	// Optional per-identity overrides. Nil means the system default applies
	// (daily) or the window is unbounded (hourly, total).
	DailyLimit  *int `json:"daily_limit,omitempty"`
	HourlyLimit *int `json:"hourly_limit,omitempty"`
	TotalLimit  *int `json:"total_limit,omitempty"`

	UsedToday    int    `json:"used_today"`
	DayMarker    string `json:"day_marker"`
	UsedThisHour int    `json:"used_this_hour"`
	HourMarker   string `json:"hour_marker"`
	UsedTotal    int    `json:"used_total"`
}

// Admits reports whether the grant admits its identity at the given instant.
func (g *AccessGrant) Admits(now time.Time) bool {
	return !g.Suspended && g.Expiration.After(now)
}

// DayMarkerFormat is the layout of AccessGrant.DayMarker.
const DayMarkerFormat = "2006-01-02"

// HourMarkerFormat is the layout of AccessGrant.HourMarker.
const HourMarkerFormat = "2006-01-02 15"

// AccessToken is a single-use credential bound to exactly one identity.
// Redeeming it creates or extends that identity's grant. Consumed tokens are
// kept as an audit trail; expired unconsumed tokens are garbage collected.
type AccessToken struct {
	Code        string    `json:"code"`
	IdentityKey string    `json:"identity_key"`
	Expiration  time.Time `json:"expiration"`
	Consumed    bool      `json:"consumed"`
}
