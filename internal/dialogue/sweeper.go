package dialogue

import (
	"context"
	"log/slog"
	"time"
)

// StartIdleSweeper runs a background goroutine destroying sessions idle for
// longer than maxIdle. Hardening only: it is disabled unless configured.
func StartIdleSweeper(ctx context.Context, sessions *Sessions, maxIdle time.Duration) {
	interval := maxIdle / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("idle session sweeper started", "interval", interval, "max_idle", maxIdle)

		for {
			select {
			case <-ticker.C:
				if destroyed := sessions.DestroyIdle(maxIdle); destroyed > 0 {
					slog.Info("idle sessions destroyed", "count", destroyed)
				}
			case <-ctx.Done():
				slog.Info("idle session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
