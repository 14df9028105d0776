// Package notify delivers best-effort out-of-band messages to identities.
package notify

import "context"

// Notifier pushes a message to an identity. Delivery is best-effort: callers
// fire and forget, and a failed delivery must never fail the operation that
// triggered it.
type Notifier interface {
	Notify(ctx context.Context, identityKey, message string) error
}

// Noop discards every notification. Used in tests and when no delivery
// channel is wired.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, string, string) error { return nil }
