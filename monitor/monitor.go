package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fabricmon/console/fabric"
	"github.com/fabricmon/console/internal/configwatch"
	"github.com/fabricmon/console/internal/logctx"
)

// ErrNotStarted is returned by operations that need the shared service
// connection before Start has established it.
var ErrNotStarted = errors.New("monitor not started")

// Monitor wires the four shared collections together with the maintenance
// loops and the fabric event dispatcher, and exposes the operations the
// thin HTTP/WebSocket handler layer consumes. One Monitor serves the whole
// process.
type Monitor struct {
	cfg    Config
	log    *slog.Logger
	dialer fabric.Dialer

	sessions *SessionRegistry
	services *ServiceCache
	pending  *PendingMessages
	live     *LiveRegistry
	topics   *RequestTopics

	serviceClient fabric.Client
	refresh       *refreshLoop
}

// Option configures a Monitor.
type Option func(*options)

type options struct {
	cfg Config
	log *slog.Logger
}

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the base logger. It is wrapped with the logctx handler
// so records pick up session and message context automatically.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// New builds a Monitor that dials fabric connections with dialer. Call
// Start before serving traffic.
func New(dialer fabric.Dialer, opts ...Option) *Monitor {
	o := &options{log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.cfg.withDefaults()
	log := slog.New(logctx.Handler{Handler: o.log.Handler()})

	m := &Monitor{
		cfg:      cfg,
		log:      log,
		dialer:   dialer,
		services: NewServiceCache(),
		pending:  NewPendingMessages(),
		live:     NewLiveRegistry(WithLiveLogger(log)),
		topics:   NewRequestTopics(cfg.CorrelationMax, cfg.CorrelationTTL),
	}
	m.sessions = NewSessionRegistry(dialer,
		WithSessionLogger(log),
		WithCreateHook(m.bindSession),
		WithEvictHook(m.cleanupSession),
	)
	return m
}

// Start dials the shared service connection, subscribes to the registry
// event topics, performs the initial full refresh, and launches the two
// maintenance loops. The loops run until ctx is done, which is expected to
// happen only at process shutdown.
func (m *Monitor) Start(ctx context.Context) error {
	client, err := m.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial service connection: %w", err)
	}
	m.serviceClient = client

	client.SetMessageHandler((&dispatcher{
		services: m.services,
		live:     m.live,
		log:      m.log,
	}).handleMessage)

	for _, topic := range []string{fabric.ServiceRegisterEventTopic, fabric.ServiceUnregisterEventTopic} {
		if err := client.Subscribe(topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	m.refresh = newRefreshLoop(client, m.services, m.live, m.cfg.RefreshInterval, m.cfg.QueryTimeout, m.log)
	if err := m.refresh.refreshOnce(ctx); err != nil {
		// The loop retries on its interval; an unreachable registry at
		// boot leaves the cache empty, not the process dead.
		m.log.Warn("services.refresh.initial.fail", slog.String("err", err.Error()))
	}
	// Dialing signaled a reconnect; the initial refresh covered it.
	select {
	case <-client.Reconnects():
	default:
	}

	evict := newEvictionLoop(m.sessions, m.cfg.RetentionWindow, m.cfg.EvictionPeriod, m.log)
	go m.refresh.run(ctx)
	go evict.run(ctx)

	m.log.Info("monitor.start",
		slog.Duration("refresh_interval", m.cfg.RefreshInterval),
		slog.Duration("retention_window", m.cfg.RetentionWindow))
	return nil
}

// Close disconnects the shared service connection. Background loops stop
// via the context passed to Start.
func (m *Monitor) Close() error {
	if m.serviceClient == nil {
		return nil
	}
	return m.serviceClient.Disconnect()
}

// bindSession runs when a session's connection is first established and
// routes everything arriving on it into the session's pending queue.
func (m *Monitor) bindSession(sessionID string, c fabric.Client) {
	c.SetMessageHandler(func(msg *fabric.Message) {
		m.QueueMessage(sessionID, msg)
	})
}

// cleanupSession runs when the eviction sweep removes a session.
func (m *Monitor) cleanupSession(sessionID string) {
	m.pending.Drop(sessionID)
	m.live.Unregister(sessionID)
}

// Connection returns the session's dedicated fabric connection, creating
// or reconnecting it as needed.
func (m *Monitor) Connection(ctx context.Context, sessionID string) (fabric.Client, error) {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	return m.sessions.GetConnection(ctx, sessionID)
}

// KeepAlive records a keep-alive signal for the session.
func (m *Monitor) KeepAlive(sessionID string) {
	m.sessions.Touch(sessionID)
}

// Services returns a consistent snapshot of the service cache.
func (m *Monitor) Services() map[string]fabric.ServiceDescriptor {
	return m.services.Snapshot()
}

// QueueMessage routes an inbound fabric message to the session's pending
// queue, tagged with its effective topic.
func (m *Monitor) QueueMessage(sessionID string, msg *fabric.Message) {
	topic := m.topics.Resolve(msg)
	m.pending.Enqueue(sessionID, PendingMessage{Topic: topic, Message: msg})
}

// Messages returns the session's pending messages without draining them.
// The second return is false when the session has no queue at all.
func (m *Monitor) Messages(sessionID string) ([]PendingMessage, bool) {
	return m.pending.PeekAll(sessionID)
}

// ClearMessages empties the session's pending queue.
func (m *Monitor) ClearMessages(sessionID string) {
	m.pending.Clear(sessionID)
}

// RegisterPushChannel stores the session's push channel, replacing any
// previous one.
func (m *Monitor) RegisterPushChannel(sessionID string, ch PushChannel) {
	m.live.Register(sessionID, ch)
}

// UnregisterPushChannel removes the session's push channel. Idempotent.
func (m *Monitor) UnregisterPushChannel(sessionID string) {
	m.live.Unregister(sessionID)
}

// Broadcast delivers signal to every registered push channel, best-effort.
func (m *Monitor) Broadcast(signal string) {
	m.live.NotifyAll(signal)
}

// ResolveTopic returns the effective topic for an inbound message,
// substituting the original request topic for correlated replies.
func (m *Monitor) ResolveTopic(msg *fabric.Message) string {
	return m.topics.Resolve(msg)
}

// AsyncRequest issues a request on the session's connection without
// waiting for the response. The request topic is recorded before
// publishing so the eventual reply is queued under the topic that was
// asked. Returns the request's message ID.
func (m *Monitor) AsyncRequest(ctx context.Context, sessionID, topic string, payload []byte) (string, error) {
	c, err := m.Connection(ctx, sessionID)
	if err != nil {
		return "", err
	}
	req := fabric.NewRequest(topic, payload)
	m.topics.Record(req.MessageID, topic)
	if err := c.AsyncRequest(ctx, req); err != nil {
		m.topics.Forget(req.MessageID)
		return "", err
	}
	return req.MessageID, nil
}

// SyncRequest issues a bounded synchronous request on the session's
// connection.
func (m *Monitor) SyncRequest(ctx context.Context, sessionID, topic string, payload []byte) (*fabric.Message, error) {
	c, err := m.Connection(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.SyncRequest(ctx, topic, payload, m.cfg.QueryTimeout)
}

// RefreshServices asks the refresh loop for an immediate full refresh.
// Non-blocking; repeated requests coalesce.
func (m *Monitor) RefreshServices() {
	if m.refresh != nil {
		m.refresh.wake()
	}
}

// WatchClientConfig watches the fabric connection configuration file and
// forces the shared service connection to reconnect when it changes. The
// reconnect signal wakes the refresh loop so the cache catches up
// immediately.
func (m *Monitor) WatchClientConfig(ctx context.Context, path string) error {
	if m.serviceClient == nil {
		return ErrNotStarted
	}
	w, err := configwatch.New(path, func() {
		if err := m.serviceClient.Disconnect(); err != nil {
			m.log.Warn("fabric.disconnect.fail", slog.String("err", err.Error()))
		}
		if err := m.serviceClient.Connect(ctx); err != nil {
			m.log.Warn("fabric.reconnect.fail", slog.String("err", err.Error()))
		}
	}, configwatch.WithLogger(m.log))
	if err != nil {
		return err
	}
	go func() {
		defer w.Close()
		w.Run(ctx)
	}()
	return nil
}
