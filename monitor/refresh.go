package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fabricmon/console/fabric"
)

// refreshLoop wholesale-refreshes the service cache on a fixed interval,
// woken early when the shared service connection reconnects or an explicit
// wake arrives. The loop is a single goroutine, so wakeups that land while
// a query is in flight coalesce instead of starting a second query.
type refreshLoop struct {
	client   fabric.Client
	services *ServiceCache
	live     *LiveRegistry
	interval time.Duration
	timeout  time.Duration
	wakeCh   chan struct{}
	log      *slog.Logger
}

func newRefreshLoop(client fabric.Client, services *ServiceCache, live *LiveRegistry, interval, timeout time.Duration, log *slog.Logger) *refreshLoop {
	return &refreshLoop{
		client:   client,
		services: services,
		live:     live,
		interval: interval,
		timeout:  timeout,
		wakeCh:   make(chan struct{}, 1),
		log:      log,
	}
}

// wake requests an immediate refresh. Non-blocking; repeated wakes coalesce.
func (l *refreshLoop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// run executes the loop until ctx is done, which happens only at process
// shutdown.
func (l *refreshLoop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.wakeCh:
		case <-l.client.Reconnects():
			l.log.Info("services.refresh.reconnect")
		}

		if !l.client.IsConnected() {
			continue
		}
		if err := l.refreshOnce(ctx); err != nil {
			l.log.Warn("services.refresh.fail", slog.String("err", err.Error()))
		}
	}
}

// refreshOnce queries the full service registry and atomically replaces the
// cache, then signals connected sessions. The cache is left untouched on
// query failure, and a snapshot made stale by interleaved events is
// discarded: stale-but-consistent beats partial replacement.
func (l *refreshLoop) refreshOnce(ctx context.Context) error {
	gen := l.services.Generation()

	resp, err := l.client.SyncRequest(ctx, fabric.ServiceRegistryQueryTopic, []byte("{}"), l.timeout)
	if err != nil {
		return err
	}
	res, err := fabric.ParseRegistryQueryResult(resp.Payload)
	if err != nil {
		return fmt.Errorf("parse registry response: %w", err)
	}

	if !l.services.ReplaceAll(gen, res.Services) {
		l.log.Debug("services.refresh.stale", slog.Uint64("generation", gen))
		return nil
	}

	l.log.Info("services.refresh", slog.Int("count", len(res.Services)))
	l.live.NotifyAll(ServiceUpdatesSignal)
	return nil
}
