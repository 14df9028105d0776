package access

import (
	"context"
	"log/slog"
	"time"
)

// StartTokenSweeper runs a background goroutine that periodically removes
// expired unconsumed tokens.
func StartTokenSweeper(ctx context.Context, registry *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("token sweeper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				if _, err := registry.SweepExpiredTokens(ctx); err != nil {
					slog.Error("token sweeper failed", "error", err)
				}
			case <-ctx.Done():
				slog.Info("token sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
