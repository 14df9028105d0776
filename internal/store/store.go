// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/orchardlabs/orchard/internal/domain"
)

// QuotaReservation is the outcome of an atomic daily quota check-and-reserve.
type QuotaReservation struct {
	Admitted bool
	Used     int // counter value after the call (unchanged when denied)
	Limit    int // effective daily limit applied
}

// Repository defines the interface for persisting identities, grants,
// tokens and completed-flow history.
type Repository interface {
	// GetIdentity retrieves an identity by its key. Returns nil if unknown.
	GetIdentity(ctx context.Context, key string) (*domain.Identity, error)

	// UpsertIdentity creates the identity or refreshes its name and handle.
	UpsertIdentity(ctx context.Context, id *domain.Identity) error

	// PurgeIdentity removes the identity together with its grant, tokens
	// and history in one transaction.
	PurgeIdentity(ctx context.Context, key string) error

	// GetGrant retrieves the identity's access grant. Returns nil if none.
	GetGrant(ctx context.Context, key string) (*domain.AccessGrant, error)

	// ListGrants returns all grants, most recent expiration first.
	ListGrants(ctx context.Context) ([]*domain.AccessGrant, error)

	// SetSuspended flips the suspension flag. Returns domain.ErrNotFound
	// if the identity has no grant.
	SetSuspended(ctx context.Context, key string, suspended bool) error

	// SetExpiration replaces the grant's expiration. Returns
	// domain.ErrNotFound if the identity has no grant.
	SetExpiration(ctx context.Context, key string, expiration time.Time) error

	// SetLimits creates the grant row if absent, stores the given window
	// limits (nil clears an override) and starts a fresh daily window:
	// counter zeroed, day marker set to day.
	SetLimits(ctx context.Context, key string, daily, hourly, total *int, day string) error

	// InsertToken stores a freshly issued access token.
	InsertToken(ctx context.Context, token *domain.AccessToken) error

	// GetToken retrieves a token by code. Returns nil if unknown.
	GetToken(ctx context.Context, code string) (*domain.AccessToken, error)

	// RedeemToken atomically marks the token consumed and creates or
	// replaces the redeemer's grant expiration, preserving suspension and
	// quota fields of an existing grant. Token validity is re-checked
	// inside the transaction; failures surface the domain token errors and
	// leave the store untouched.
	RedeemToken(ctx context.Context, code, identityKey string, now time.Time) (*domain.AccessGrant, error)

	// DeleteExpiredTokens removes tokens that are both expired and
	// unconsumed. Consumed tokens are never removed.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// ReserveDailyQuota performs the lazy window reset, boundary check and
	// increment as one atomic operation. Returns domain.ErrNotFound if the
	// identity has no grant.
	ReserveDailyQuota(ctx context.Context, key, day, hour string, defaultDaily int) (*QuotaReservation, error)

	// AppendRecords appends all records in one transaction (all-or-nothing).
	AppendRecords(ctx context.Context, records []*domain.CompletedRecord) error

	// ReplaceHistory deletes the identity's records and inserts the given
	// ones in one transaction. A failure leaves the old history in place.
	ReplaceHistory(ctx context.Context, key string, records []*domain.CompletedRecord) error

	// ListRecords returns the identity's history, oldest first.
	ListRecords(ctx context.Context, key string) ([]*domain.CompletedRecord, error)

	// ListRecentRecords returns up to n most recent records, newest first.
	ListRecentRecords(ctx context.Context, key string, n int) ([]*domain.CompletedRecord, error)

	// DeleteHistory removes all of the identity's records.
	DeleteHistory(ctx context.Context, key string) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
