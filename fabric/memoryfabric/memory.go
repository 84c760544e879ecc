// Package memoryfabric provides an in-process implementation of the fabric
// client contract. A Hub plays the role of the brokers: it routes requests
// to registered service handlers and fans events out to subscribed clients.
// Suitable for tests and single-node runs; state is local to the process.
package memoryfabric

import (
	"context"
	"sync"
	"time"

	"github.com/fabricmon/console/fabric"
	"github.com/google/uuid"
)

// RequestHandler answers requests on one topic, playing the role of a
// fabric service. Returning an error produces a KindError response with the
// error text and code -1.
type RequestHandler func(ctx context.Context, req *fabric.Message) (payload []byte, err error)

const (
	// errCodeNoService mirrors the fabric's "unable to locate service"
	// failure for requests on topics nothing answers.
	errCodeNoService = -2

	// errCodeServiceFailure is used when a registered handler returns an
	// error.
	errCodeServiceFailure = -1
)

// Hub is the in-process fabric. All clients dialed from one Hub share its
// topic space. Events are delivered from a single goroutine, mirroring the
// fabric's one event delivery thread.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]RequestHandler
	clients  map[*client]struct{}
	closed   bool

	events    chan *fabric.Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a Hub and starts its event delivery goroutine.
func NewHub() *Hub {
	h := &Hub{
		handlers: make(map[string]RequestHandler),
		clients:  make(map[*client]struct{}),
		events:   make(chan *fabric.Message, 64),
		done:     make(chan struct{}),
	}
	go h.deliverEvents()
	return h
}

// Handle registers (or replaces) the service handler for a request topic.
func (h *Hub) Handle(topic string, fn RequestHandler) {
	h.mu.Lock()
	h.handlers[topic] = fn
	h.mu.Unlock()
}

// PublishEvent injects an event into the hub as if a fabric peer emitted it.
func (h *Hub) PublishEvent(topic string, payload []byte) {
	evt := &fabric.Message{
		Kind:      fabric.KindEvent,
		MessageID: uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
	}
	select {
	case h.events <- evt:
	case <-h.done:
	}
}

// Dial returns a connected client attached to this hub.
func (h *Hub) Dial(ctx context.Context) (fabric.Client, error) {
	c := &client{
		hub:        h,
		id:         uuid.NewString(),
		subs:       make(map[string]struct{}),
		reconnects: make(chan struct{}, 1),
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops event delivery and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		clients := make([]*client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()
		close(h.done)
		for _, c := range clients {
			_ = c.Disconnect()
		}
	})
}

func (h *Hub) deliverEvents() {
	for {
		select {
		case <-h.done:
			return
		case evt := <-h.events:
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				if c.wants(evt.Topic) {
					targets = append(targets, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range targets {
				c.deliver(evt)
			}
		}
	}
}

func (h *Hub) handler(topic string) RequestHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[topic]
}

func (h *Hub) attach(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

type client struct {
	hub *Hub
	id  string

	mu        sync.Mutex
	connected bool
	subs      map[string]struct{}
	handler   fabric.MessageHandler

	reconnects chan struct{}
}

var _ fabric.Client = (*client)(nil)

func (c *client) Connect(ctx context.Context) error {
	c.hub.mu.RLock()
	closed := c.hub.closed
	c.hub.mu.RUnlock()
	if closed {
		return &fabric.ConnectError{Err: fabric.ErrNotConnected}
	}

	c.mu.Lock()
	already := c.connected
	c.connected = true
	c.mu.Unlock()
	if !already {
		c.hub.attach(c)
	}
	select {
	case c.reconnects <- struct{}{}:
	default:
	}
	return nil
}

func (c *client) Disconnect() error {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()
	if was {
		c.hub.detach(c)
	}
	return nil
}

func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *client) Reconnects() <-chan struct{} { return c.reconnects }

func (c *client) SetMessageHandler(h fabric.MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *client) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fabric.ErrNotConnected
	}
	c.subs[topic] = struct{}{}
	return nil
}

func (c *client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	return nil
}

func (c *client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return fabric.ErrNotConnected
	}
	c.hub.PublishEvent(topic, payload)
	return nil
}

func (c *client) SyncRequest(ctx context.Context, topic string, payload []byte, timeout time.Duration) (*fabric.Message, error) {
	if !c.IsConnected() {
		return nil, fabric.ErrNotConnected
	}
	req := &fabric.Message{
		Kind:      fabric.KindRequest,
		MessageID: uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		ReplyTo:   c.replyTopic(),
	}

	replies := make(chan *fabric.Message, 1)
	go func() { replies <- c.hub.answer(ctx, req) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fabric.ErrRequestTimeout
	case resp := <-replies:
		if remote := fabric.RemoteErrorFromMessage(resp); remote != nil {
			return nil, remote
		}
		return resp, nil
	}
}

func (c *client) AsyncRequest(ctx context.Context, req *fabric.Message) error {
	if !c.IsConnected() {
		return fabric.ErrNotConnected
	}
	req.ReplyTo = c.replyTopic()
	go func() {
		resp := c.hub.answer(ctx, req)
		c.deliver(resp)
	}()
	return nil
}

// answer routes a request to the topic's handler and builds the reply
// envelope. Requests on unserved topics get the fabric's "unable to locate
// service" error.
func (h *Hub) answer(ctx context.Context, req *fabric.Message) *fabric.Message {
	fn := h.handler(req.Topic)
	if fn == nil {
		return &fabric.Message{
			Kind:             fabric.KindError,
			MessageID:        uuid.NewString(),
			RequestMessageID: req.MessageID,
			Topic:            req.ReplyTo,
			ErrorCode:        errCodeNoService,
			ErrorText:        "unable to locate service for topic " + req.Topic,
		}
	}
	payload, err := fn(ctx, req)
	if err != nil {
		return &fabric.Message{
			Kind:             fabric.KindError,
			MessageID:        uuid.NewString(),
			RequestMessageID: req.MessageID,
			Topic:            req.ReplyTo,
			ErrorCode:        errCodeServiceFailure,
			ErrorText:        err.Error(),
		}
	}
	return &fabric.Message{
		Kind:             fabric.KindResponse,
		MessageID:        uuid.NewString(),
		RequestMessageID: req.MessageID,
		Topic:            req.ReplyTo,
		Payload:          payload,
	}
}

func (c *client) replyTopic() string { return "/client/reply/" + c.id }

func (c *client) wants(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return false
	}
	_, ok := c.subs[topic]
	return ok
}

// deliver hands an inbound message to the client's handler, dropping it if
// none is installed or the client disconnected.
func (c *client) deliver(msg *fabric.Message) {
	c.mu.Lock()
	h := c.handler
	connected := c.connected
	c.mu.Unlock()
	if h == nil || !connected {
		return
	}
	h(msg)
}
