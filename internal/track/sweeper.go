package track

import (
	"context"
	"log/slog"
	"time"
)

// sweepInterval is how often idle trackers are checked.
const sweepInterval = 5 * time.Minute

// StartSweeper periodically evicts trackers idle for longer than ttl.
// Eviction only drops in-memory state; persisted sessions are restored on
// the next utterance.
func StartSweeper(ctx context.Context, registry *Registry, ttl time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Idle sweeper started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if n := registry.EvictIdle(ttl); n > 0 {
					slog.Info("Evicted idle trackers", "count", n, "live", registry.Len())
				}
			case <-ctx.Done():
				slog.Info("Idle sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
