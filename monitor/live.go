package monitor

import (
	"log/slog"
	"sync"
)

// ServiceUpdatesSignal tells a session the service registry changed and it
// should re-poll.
const ServiceUpdatesSignal = "serviceUpdates"

// PushChannel is the outbound push capability for one session. Send must
// not block indefinitely; implementations buffer or drop on a slow peer.
type PushChannel interface {
	Send(signal string) error
	Close() error
}

// LiveRegistry maps session identifiers to their open push channels, at
// most one per session. Delivery is best-effort: clients re-poll
// authoritative state after a signal, so a lost signal self-heals on the
// next poll.
type LiveRegistry struct {
	mu       sync.Mutex
	channels map[string]PushChannel
	log      *slog.Logger
}

// LiveOption configures a LiveRegistry.
type LiveOption func(*LiveRegistry)

// WithLiveLogger sets the registry's logger.
func WithLiveLogger(log *slog.Logger) LiveOption {
	return func(r *LiveRegistry) { r.log = log }
}

func NewLiveRegistry(opts ...LiveOption) *LiveRegistry {
	r := &LiveRegistry{
		channels: make(map[string]PushChannel),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores the session's push channel, replacing any prior one
// (last registration wins).
func (r *LiveRegistry) Register(sessionID string, ch PushChannel) {
	r.mu.Lock()
	r.channels[sessionID] = ch
	r.mu.Unlock()
	r.log.Debug("live.register", slog.String("session_id", sessionID))
}

// Unregister removes the session's channel if present. Idempotent.
func (r *LiveRegistry) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.channels, sessionID)
	r.mu.Unlock()
	r.log.Debug("live.unregister", slog.String("session_id", sessionID))
}

// NotifyAll delivers signal to every currently registered channel,
// asynchronously with respect to the caller. A channel that fails delivery
// is skipped; the rest still receive the signal.
func (r *LiveRegistry) NotifyAll(signal string) {
	r.mu.Lock()
	targets := make(map[string]PushChannel, len(r.channels))
	for id, ch := range r.channels {
		targets[id] = ch
	}
	r.mu.Unlock()

	go func() {
		for id, ch := range targets {
			if err := ch.Send(signal); err != nil {
				r.log.Debug("live.notify.fail",
					slog.String("session_id", id),
					slog.String("err", err.Error()))
			}
		}
	}()
}

// Len reports the number of registered channels.
func (r *LiveRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
