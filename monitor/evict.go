package monitor

import (
	"context"
	"log/slog"
	"time"
)

// evictionLoop sweeps the session registry on a short fixed period,
// disposing connections idle beyond the retention window.
type evictionLoop struct {
	registry *SessionRegistry
	window   time.Duration
	period   time.Duration
	log      *slog.Logger
}

func newEvictionLoop(registry *SessionRegistry, window, period time.Duration, log *slog.Logger) *evictionLoop {
	return &evictionLoop{registry: registry, window: window, period: period, log: log}
}

// run executes the sweep until ctx is done, which happens only at process
// shutdown.
func (l *evictionLoop) run(ctx context.Context) {
	l.log.Debug("sessions.eviction.start", slog.Duration("window", l.window))
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.registry.evictIdle(l.window); n > 0 {
				l.log.Info("sessions.evicted", slog.Int("count", n))
			}
		}
	}
}
