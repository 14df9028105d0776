// Package identity establishes the caller identity for every request.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/orchardlabs/orchard/internal/domain"
	"github.com/orchardlabs/orchard/internal/store"
)

const (
	// CookieName carries the anonymous identity key for browser clients.
	CookieName = "orchard_id"
	// KeyHeaderName lets API clients present an explicit identity key.
	KeyHeaderName = "X-Identity-Key"
	// NameHeaderName optionally refreshes the display name on contact.
	NameHeaderName = "X-Identity-Name"
	// HandleHeaderName optionally refreshes the handle on contact.
	HandleHeaderName = "X-Identity-Handle"

	cookieMaxAge = 90 * 24 * time.Hour
)

type contextKey int

const identityKey contextKey = iota

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// FromContext extracts the established identity from the request context.
func FromContext(ctx context.Context) *domain.Identity {
	if v, ok := ctx.Value(identityKey).(*domain.Identity); ok {
		return v
	}
	return nil
}

// WithIdentity returns a context carrying the identity. Exposed for tests.
func WithIdentity(ctx context.Context, id *domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func generateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate identity key: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func keyFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if key := strings.TrimSpace(r.Header.Get(KeyHeaderName)); key != "" && keyPattern.MatchString(key) {
		return key, nil
	}
	if c, err := r.Cookie(CookieName); err == nil && keyPattern.MatchString(c.Value) {
		return c.Value, nil
	}

	key, err := generateKey()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    key,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return key, nil
}

func deriveName(key string) string {
	if len(key) > 13 {
		return "anon-" + key[len(key)-8:]
	}
	return "anon-user"
}

// Middleware resolves the caller identity, refreshes its stored name and
// handle on every contact, and elevates keys present in adminKeys.
func Middleware(repo store.Repository, adminKeys map[string]bool, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := keyFromRequest(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish identity"}`, http.StatusInternalServerError)
				return
			}

			name := strings.TrimSpace(r.Header.Get(NameHeaderName))
			if name == "" {
				name = deriveName(key)
			}
			handle := strings.TrimSpace(r.Header.Get(HandleHeaderName))

			id := &domain.Identity{
				Key:    key,
				Name:   name,
				Handle: handle,
				Role:   domain.RoleDefault,
			}
			if adminKeys[key] {
				id.Role = domain.RoleElevated
			}

			// Name and handle are refreshed on every contact.
			if err := repo.UpsertIdentity(r.Context(), id); err != nil {
				http.Error(w, `{"error":"failed to record identity"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
