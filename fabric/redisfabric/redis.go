// Package redisfabric implements the fabric client contract over Redis
// pub/sub. Topics map onto prefixed Redis channels; every client owns a
// private reply channel that responses to its requests are published on.
package redisfabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fabricmon/console/fabric"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis transport. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: FABRIC_REDIS_ADDR
	RedisAddr string `env:"FABRIC_REDIS_ADDR,default=localhost:6379"`
	// ChannelPrefix for all fabric channels. ENV: FABRIC_CHANNEL_PREFIX
	ChannelPrefix string `env:"FABRIC_CHANNEL_PREFIX,default=fabric:"`
}

func (c Config) withDefaults() Config {
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = "fabric:"
	}
	return c
}

// ConfigFromEnv populates Config using envdecode; struct tags provide the
// defaults.
func ConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return cfg.withDefaults()
}

// Dialer creates redis-backed fabric clients sharing one Config.
type Dialer struct {
	cfg Config
	log *slog.Logger
}

var _ fabric.Dialer = (*Dialer)(nil)

// NewDialer builds a Dialer for the given Config.
func NewDialer(cfg Config, opts ...Option) *Dialer {
	d := &Dialer{cfg: cfg.withDefaults(), log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewDialerFromEnv builds a Dialer with Config populated from the
// environment.
func NewDialerFromEnv(opts ...Option) *Dialer {
	return NewDialer(ConfigFromEnv(), opts...)
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithLogger sets the logger handed to dialed clients.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dialer) { d.log = log }
}

// Dial returns a connected client.
func (d *Dialer) Dial(ctx context.Context) (fabric.Client, error) {
	c := &Client{
		cfg:        d.cfg,
		log:        d.log,
		id:         uuid.NewString(),
		subs:       make(map[string]struct{}),
		waiters:    make(map[string]chan *fabric.Message),
		reconnects: make(chan struct{}, 1),
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Client is one redis-backed fabric connection.
type Client struct {
	cfg Config
	log *slog.Logger
	id  string

	mu        sync.Mutex
	rdb       *redis.Client
	pubsub    *redis.PubSub
	connected bool
	handler   fabric.MessageHandler
	subs      map[string]struct{}
	waiters   map[string]chan *fabric.Message

	reconnects chan struct{}
}

var _ fabric.Client = (*Client)(nil)

func (c *Client) topicChannel(topic string) string { return c.cfg.ChannelPrefix + "topic:" + topic }
func (c *Client) replyChannel() string             { return c.cfg.ChannelPrefix + "reply:" + c.id }

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		c.signalReconnect()
		return nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: c.cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return &fabric.ConnectError{Err: err}
	}

	channels := []string{c.replyChannel()}
	for topic := range c.subs {
		channels = append(channels, c.topicChannel(topic))
	}
	pubsub := rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = rdb.Close()
		return &fabric.ConnectError{Err: err}
	}

	c.rdb = rdb
	c.pubsub = pubsub
	c.connected = true
	go c.readLoop(pubsub)
	c.signalReconnect()
	return nil
}

// signalReconnect must be called with c.mu held.
func (c *Client) signalReconnect() {
	select {
	case c.reconnects <- struct{}{}:
	default:
	}
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	pubsub, rdb := c.pubsub, c.rdb
	c.pubsub, c.rdb = nil, nil
	// Fail pending waiters rather than leaving them to time out.
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
	c.mu.Unlock()

	err := pubsub.Close()
	if cerr := rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Reconnects() <-chan struct{} { return c.reconnects }

func (c *Client) SetMessageHandler(h fabric.MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fabric.ErrNotConnected
	}
	if _, ok := c.subs[topic]; ok {
		return nil
	}
	if err := c.pubsub.Subscribe(context.Background(), c.topicChannel(topic)); err != nil {
		return err
	}
	c.subs[topic] = struct{}{}
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[topic]; !ok {
		return nil
	}
	delete(c.subs, topic)
	if !c.connected {
		return nil
	}
	return c.pubsub.Unsubscribe(context.Background(), c.topicChannel(topic))
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := &fabric.Message{
		Kind:      fabric.KindEvent,
		MessageID: uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
	}
	return c.publish(ctx, c.topicChannel(topic), msg)
}

func (c *Client) SyncRequest(ctx context.Context, topic string, payload []byte, timeout time.Duration) (*fabric.Message, error) {
	req := &fabric.Message{
		Kind:      fabric.KindRequest,
		MessageID: uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		ReplyTo:   c.replyChannel(),
	}

	waiter := make(chan *fabric.Message, 1)
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fabric.ErrNotConnected
	}
	c.waiters[req.MessageID] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, req.MessageID)
		c.mu.Unlock()
	}()

	if err := c.publish(ctx, c.topicChannel(topic), req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fabric.ErrRequestTimeout
	case resp, ok := <-waiter:
		if !ok {
			return nil, fabric.ErrNotConnected
		}
		if remote := fabric.RemoteErrorFromMessage(resp); remote != nil {
			return nil, remote
		}
		return resp, nil
	}
}

func (c *Client) AsyncRequest(ctx context.Context, req *fabric.Message) error {
	req.ReplyTo = c.replyChannel()
	return c.publish(ctx, c.topicChannel(req.Topic), req)
}

func (c *Client) publish(ctx context.Context, channel string, msg *fabric.Message) error {
	c.mu.Lock()
	rdb := c.rdb
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return fabric.ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, channel, data).Err()
}

// readLoop consumes the pubsub stream for the lifetime of one connection.
// It exits when Disconnect closes the PubSub.
func (c *Client) readLoop(pubsub *redis.PubSub) {
	reply := c.replyChannel()
	for raw := range pubsub.Channel() {
		var msg fabric.Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			c.log.Warn("fabric.message.decode.fail", slog.String("err", err.Error()))
			continue
		}

		if raw.Channel == reply && msg.IsReply() {
			c.mu.Lock()
			waiter, ok := c.waiters[msg.RequestMessageID]
			if ok {
				delete(c.waiters, msg.RequestMessageID)
			}
			c.mu.Unlock()
			if ok {
				waiter <- &msg
				continue
			}
			// No waiter: an async request's reply. Falls through to the
			// message handler.
		}

		// A client sees its own published requests on topics it also
		// subscribes to; those are not inbound traffic.
		if msg.Kind == fabric.KindRequest && msg.ReplyTo == reply {
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(&msg)
		}
	}
}
