package domain

import "errors"

// Gate and quota failures terminate the action before any state is touched.
var (
	ErrAccessDenied  = errors.New("access denied")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrNotElevated   = errors.New("operation requires elevated role")
	ErrNotFound      = errors.New("not found")
)

// Token redemption failures, surfaced verbatim to the caller.
var (
	ErrTokenInvalid    = errors.New("token: invalid code")
	ErrTokenUsed       = errors.New("token: already used")
	ErrTokenWrongOwner = errors.New("token: wrong owner")
	ErrTokenExpired    = errors.New("token: expired")
)

// ErrInvalidDuration is returned for malformed access-duration input.
var ErrInvalidDuration = errors.New("invalid duration")

// ErrImportInvalid is returned when an uploaded history file cannot be
// parsed or fails validation. Nothing is replaced on failure.
var ErrImportInvalid = errors.New("import: invalid history file")
