// Package access implements the admission gate: grants, one-time tokens and
// the administrative operations that manage them.
package access

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/notify"
	"github.com/orchardlabs/orchard/internal/store"
)

// Registry decides admission and manages grants and access tokens.
type Registry struct {
	repo     store.Repository
	notifier notify.Notifier
}

// NewRegistry creates an access registry.
func NewRegistry(repo store.Repository, notifier notify.Notifier) *Registry {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Registry{repo: repo, notifier: notifier}
}

// Check reports whether the identity is admitted: a grant exists, is not
// suspended and has not expired. Elevated identities always admit without a
// grant lookup.
func (r *Registry) Check(ctx context.Context, id *domain.Identity) (bool, error) {
	if id.Elevated() {
		return true, nil
	}
	grant, err := r.repo.GetGrant(ctx, id.Key)
	if err != nil {
		return false, fmt.Errorf("check access for %s: %w", id.Key, err)
	}
	if grant == nil {
		return false, nil
	}
	return grant.Admits(time.Now()), nil
}

// IssueToken creates a single-use token bound to targetKey, valid for ttl.
// Only an elevated actor may issue tokens.
func (r *Registry) IssueToken(ctx context.Context, actor *domain.Identity, targetKey string, ttl time.Duration) (*domain.AccessToken, error) {
	if !actor.Elevated() {
		return nil, domain.ErrNotElevated
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	token := &domain.AccessToken{
		Code:        code,
		IdentityKey: targetKey,
		Expiration:  time.Now().Add(ttl),
	}
	if err := r.repo.InsertToken(ctx, token); err != nil {
		return nil, fmt.Errorf("issue token for %s: %w", targetKey, err)
	}

	slog.Info("access token issued", "identity_key", targetKey, "expires_at", token.Expiration)
	return token, nil
}

// RedeemToken consumes the code for the calling identity, turning it into
// (or extending) that identity's grant. Failures surface the token error
// taxonomy verbatim and mutate nothing.
func (r *Registry) RedeemToken(ctx context.Context, id *domain.Identity, code string) (*domain.AccessGrant, error) {
	grant, err := r.repo.RedeemToken(ctx, code, id.Key, time.Now())
	if err != nil {
		return nil, err
	}
	slog.Info("access token redeemed", "identity_key", id.Key, "expires_at", grant.Expiration)
	return grant, nil
}

// Suspend blocks the identity's access. Elevated only.
func (r *Registry) Suspend(ctx context.Context, actor *domain.Identity, key string) error {
	if !actor.Elevated() {
		return domain.ErrNotElevated
	}
	if err := r.repo.SetSuspended(ctx, key, true); err != nil {
		return fmt.Errorf("suspend %s: %w", key, err)
	}
	r.notifyAsync(key, "Your access has been suspended.")
	return nil
}

// Unsuspend restores a suspended identity's access. Elevated only.
func (r *Registry) Unsuspend(ctx context.Context, actor *domain.Identity, key string) error {
	if !actor.Elevated() {
		return domain.ErrNotElevated
	}
	if err := r.repo.SetSuspended(ctx, key, false); err != nil {
		return fmt.Errorf("unsuspend %s: %w", key, err)
	}
	r.notifyAsync(key, "Your access has been restored.")
	return nil
}

// SetExpiration replaces the identity's grant expiration. Elevated only.
func (r *Registry) SetExpiration(ctx context.Context, actor *domain.Identity, key string, expiration time.Time) error {
	if !actor.Elevated() {
		return domain.ErrNotElevated
	}
	if err := r.repo.SetExpiration(ctx, key, expiration); err != nil {
		return fmt.Errorf("set expiration for %s: %w", key, err)
	}
	r.notifyAsync(key, fmt.Sprintf("Your access now expires at %s.", expiration.Format(time.DateTime)))
	return nil
}

// Extend pushes the grant expiration forward by the parsed duration.
// Elevated only; fails with domain.ErrNotFound when no grant exists.
func (r *Registry) Extend(ctx context.Context, actor *domain.Identity, key, duration string) (time.Time, error) {
	return r.shift(ctx, actor, key, duration, 1)
}

// Reduce pulls the grant expiration back by the parsed duration.
// Elevated only; fails with domain.ErrNotFound when no grant exists.
func (r *Registry) Reduce(ctx context.Context, actor *domain.Identity, key, duration string) (time.Time, error) {
	return r.shift(ctx, actor, key, duration, -1)
}

func (r *Registry) shift(ctx context.Context, actor *domain.Identity, key, duration string, sign int) (time.Time, error) {
	if !actor.Elevated() {
		return time.Time{}, domain.ErrNotElevated
	}

	d, err := ParseAccessDuration(duration)
	if err != nil {
		return time.Time{}, err
	}

	grant, err := r.repo.GetGrant(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("load grant for %s: %w", key, err)
	}
	if grant == nil {
		return time.Time{}, domain.ErrNotFound
	}

	expiration := grant.Expiration.Add(time.Duration(sign) * d)
	if err := r.repo.SetExpiration(ctx, key, expiration); err != nil {
		return time.Time{}, fmt.Errorf("shift expiration for %s: %w", key, err)
	}

	verb := "extended"
	if sign < 0 {
		verb = "reduced"
	}
	r.notifyAsync(key, fmt.Sprintf("Your access was %s; it now expires at %s.", verb, expiration.Format(time.DateTime)))
	return expiration, nil
}

// SweepExpiredTokens removes tokens that are both expired and unconsumed.
// Consumed tokens are kept as an audit trail. Safe to run repeatedly.
func (r *Registry) SweepExpiredTokens(ctx context.Context) (int64, error) {
	deleted, err := r.repo.DeleteExpiredTokens(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired tokens: %w", err)
	}
	if deleted > 0 {
		slog.Info("expired tokens swept", "deleted", deleted)
	}
	return deleted, nil
}

// notifyAsync delivers the message without blocking or failing the caller.
func (r *Registry) notifyAsync(key, message string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.notifier.Notify(ctx, key, message); err != nil {
			slog.Warn("notification delivery failed", "identity_key", key, "error", err)
		}
	}()
}

// generateCode returns an 8-hex-char token code from a crypto-strong source.
func generateCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
