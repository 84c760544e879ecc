package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fabricmon/console/fabric"
)

// SessionRegistry maps an opaque session identifier to a dedicated fabric
// connection and its last-activity timestamp. Connections are created
// lazily on first use; exactly one creation wins under concurrent calls for
// the same session.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry

	dialer   fabric.Dialer
	log      *slog.Logger
	now      func() time.Time
	onCreate func(sessionID string, c fabric.Client)
	onEvict  func(sessionID string)
}

// sessionEntry settles exactly once: ready is closed after the dial attempt
// finishes, with either client or err populated. client is immutable after
// ready closes; lastActivity is guarded by the registry mutex.
type sessionEntry struct {
	ready        chan struct{}
	client       fabric.Client
	err          error
	lastActivity time.Time

	// connMu serializes in-place reconnect attempts on the entry's client.
	connMu sync.Mutex
}

// SessionOption configures a SessionRegistry.
type SessionOption func(*SessionRegistry)

// WithSessionLogger sets the registry's logger.
func WithSessionLogger(log *slog.Logger) SessionOption {
	return func(r *SessionRegistry) { r.log = log }
}

// WithSessionClock overrides the registry's time source.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(r *SessionRegistry) { r.now = now }
}

// WithCreateHook runs after a session's connection is first established,
// before GetConnection returns it.
func WithCreateHook(fn func(sessionID string, c fabric.Client)) SessionOption {
	return func(r *SessionRegistry) { r.onCreate = fn }
}

// WithEvictHook runs after a session is removed by the eviction sweep.
func WithEvictHook(fn func(sessionID string)) SessionOption {
	return func(r *SessionRegistry) { r.onEvict = fn }
}

// NewSessionRegistry creates a registry that dials connections with dialer.
func NewSessionRegistry(dialer fabric.Dialer, opts ...SessionOption) *SessionRegistry {
	r := &SessionRegistry{
		sessions: make(map[string]*sessionEntry),
		dialer:   dialer,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetConnection returns the session's fabric connection, dialing one if the
// session is new and reconnecting in place if the stored connection has
// dropped. Every successful fetch refreshes the session's activity
// timestamp.
func (r *SessionRegistry) GetConnection(ctx context.Context, sessionID string) (fabric.Client, error) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		e = &sessionEntry{ready: make(chan struct{})}
		r.sessions[sessionID] = e
		r.mu.Unlock()
		return r.establish(ctx, sessionID, e)
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ready:
	}
	if e.err != nil {
		return nil, e.err
	}
	return r.ensureConnected(ctx, sessionID, e)
}

// establish completes the creation the calling goroutine won.
func (r *SessionRegistry) establish(ctx context.Context, sessionID string, e *sessionEntry) (fabric.Client, error) {
	c, err := r.dialer.Dial(ctx)
	if err != nil {
		e.err = fmt.Errorf("dial fabric for session: %w", err)
		close(e.ready)
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return nil, e.err
	}
	if r.onCreate != nil {
		r.onCreate(sessionID, c)
	}
	r.mu.Lock()
	e.client = c
	e.lastActivity = r.now()
	r.mu.Unlock()
	close(e.ready)
	r.log.InfoContext(ctx, "session.connect", slog.String("session_id", sessionID))
	return c, nil
}

func (r *SessionRegistry) ensureConnected(ctx context.Context, sessionID string, e *sessionEntry) (fabric.Client, error) {
	e.connMu.Lock()
	if !e.client.IsConnected() {
		if err := e.client.Connect(ctx); err != nil {
			e.connMu.Unlock()
			return nil, fmt.Errorf("reconnect session: %w", err)
		}
		r.log.InfoContext(ctx, "session.reconnect", slog.String("session_id", sessionID))
	}
	e.connMu.Unlock()

	r.mu.Lock()
	e.lastActivity = r.now()
	r.mu.Unlock()
	return e.client, nil
}

// Touch records a keep-alive for the session. Unknown sessions are a no-op,
// not an error.
func (r *SessionRegistry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	select {
	case <-e.ready:
	default:
		// Creation in flight; it will stamp its own activity time.
		return
	}
	if e.err == nil {
		e.lastActivity = r.now()
	}
}

// Len reports the number of sessions currently in the registry, including
// ones whose connection is still being established.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// evictIdle removes every settled session whose last activity predates
// now-window and disposes its connection. A failure disposing one
// connection does not stop the rest. Returns the number evicted.
func (r *SessionRegistry) evictIdle(window time.Duration) int {
	cutoff := r.now().Add(-window)

	type evicted struct {
		id     string
		client fabric.Client
	}
	var victims []evicted

	r.mu.Lock()
	for id, e := range r.sessions {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.err != nil {
			continue
		}
		if e.lastActivity.Before(cutoff) {
			delete(r.sessions, id)
			victims = append(victims, evicted{id: id, client: e.client})
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		if err := v.client.Disconnect(); err != nil {
			r.log.Warn("session.evict.disconnect.fail",
				slog.String("session_id", v.id),
				slog.String("err", err.Error()))
		}
		if r.onEvict != nil {
			r.onEvict(v.id)
		}
		r.log.Info("session.evict", slog.String("session_id", v.id))
	}
	return len(victims)
}
