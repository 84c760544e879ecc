// Package wschannel adapts a WebSocket connection to the monitor's
// PushChannel contract. Writes go through a buffered send queue drained by
// a single pump goroutine, so a slow or dead peer never blocks the
// broadcaster.
package wschannel

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fabricmon/console/monitor"
	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned by Send after the channel has closed.
	ErrClosed = errors.New("push channel closed")
	// ErrBufferFull is returned by Send when the peer is not keeping up.
	// Droppable by design: the client re-polls on its next signal.
	ErrBufferFull = errors.New("push channel buffer full")
)

const (
	defaultSendBuffer   = 16
	defaultWriteTimeout = 10 * time.Second
)

// Channel is one session's push channel over a WebSocket connection.
type Channel struct {
	conn *websocket.Conn
	send chan string
	done chan struct{}
	once sync.Once

	writeTimeout time.Duration
	log          *slog.Logger
}

var _ monitor.PushChannel = (*Channel)(nil)

// Option configures a Channel.
type Option func(*Channel)

// WithWriteTimeout bounds each WebSocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) { c.writeTimeout = d }
}

// WithLogger sets the channel's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// New wraps an upgraded WebSocket connection and starts its write pump.
// The Channel owns the connection's write side from this point on; Close
// closes the connection.
func New(conn *websocket.Conn, opts ...Option) *Channel {
	c := &Channel{
		conn:         conn,
		send:         make(chan string, defaultSendBuffer),
		done:         make(chan struct{}),
		writeTimeout: defaultWriteTimeout,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.writePump()
	return c
}

// Send queues a signal for delivery. Never blocks: a full buffer or closed
// channel reports an error and the signal is dropped.
func (c *Channel) Send(signal string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- signal:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// Close shuts the channel down and closes the underlying connection.
// Idempotent.
func (c *Channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Channel) writePump() {
	for {
		select {
		case <-c.done:
			return
		case signal := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(signal)); err != nil {
				c.log.Debug("wschannel.write.fail", slog.String("err", err.Error()))
				_ = c.Close()
				return
			}
		}
	}
}
