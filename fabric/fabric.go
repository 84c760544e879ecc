package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the role of a message on the fabric.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
	KindEvent
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is the envelope for all fabric traffic. Payload is opaque to the
// transport; the console only ever interprets payloads for the registry
// query and registry event topics.
type Message struct {
	Kind Kind `json:"kind"`
	// MessageID uniquely identifies this message on the fabric.
	MessageID string `json:"messageId"`
	// RequestMessageID links a response or error back to the request it
	// answers. Empty for requests and events.
	RequestMessageID string `json:"requestMessageId,omitempty"`
	// Topic the message was delivered on. For responses this is the
	// client's private reply topic, not the topic that was asked.
	Topic   string `json:"topic"`
	Payload []byte `json:"payload,omitempty"`
	// ReplyTo names the topic a response to this request should be
	// published on. Only meaningful for requests.
	ReplyTo string `json:"replyTo,omitempty"`
	// ErrorCode and ErrorText carry a remote service failure on KindError
	// messages.
	ErrorCode int    `json:"errorCode,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

// IsReply reports whether the message answers an earlier request.
func (m *Message) IsReply() bool {
	return m.Kind == KindResponse || m.Kind == KindError
}

// NewRequest builds a request envelope with a fresh message ID. The
// transport fills ReplyTo when the request is published.
func NewRequest(topic string, payload []byte) *Message {
	return &Message{
		Kind:      KindRequest,
		MessageID: uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
	}
}

// MessageHandler receives inbound asynchronous messages for a client:
// events on subscribed topics and responses to async requests. Handlers are
// invoked sequentially from the client's single delivery goroutine and
// should not block for long.
type MessageHandler func(msg *Message)

// Client is one connection to the fabric. Each console session owns exactly
// one Client; the monitor core additionally owns a shared Client for
// registry queries and event subscriptions.
type Client interface {
	// Connect establishes (or re-establishes) the fabric connection.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down and releases its resources.
	// Safe to call repeatedly.
	Disconnect() error

	IsConnected() bool

	// SyncRequest publishes a request on topic and blocks until the
	// matching response arrives or timeout elapses. A KindError response
	// surfaces as *RemoteError; an elapsed bound surfaces as
	// ErrRequestTimeout.
	SyncRequest(ctx context.Context, topic string, payload []byte, timeout time.Duration) (*Message, error)

	// AsyncRequest publishes a request without waiting. The eventual
	// response or error is delivered to the handler registered with
	// SetMessageHandler. Build req with NewRequest so its message ID can
	// be recorded before the reply can arrive.
	AsyncRequest(ctx context.Context, req *Message) error

	// Publish emits an event on topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe adds topic to the set of topics whose messages are
	// delivered to this client's message handler.
	Subscribe(topic string) error
	Unsubscribe(topic string) error

	// SetMessageHandler installs the single inbound handler for this
	// client, replacing any previous one.
	SetMessageHandler(h MessageHandler)

	// Reconnects signals each successful (re)connect. The channel has a
	// one-slot buffer; signals coalesce when the receiver lags.
	Reconnects() <-chan struct{}
}

// Dialer creates fabric connections. The monitor core dials one connection
// per session plus a shared one for registry traffic.
type Dialer interface {
	Dial(ctx context.Context) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Client, error)

func (f DialerFunc) Dial(ctx context.Context) (Client, error) { return f(ctx) }

var (
	// ErrNotConnected is returned by operations that require a live
	// connection when the client is disconnected.
	ErrNotConnected = errors.New("not connected to fabric")

	// ErrRequestTimeout is returned by SyncRequest when the bounded wait
	// for a response elapses.
	ErrRequestTimeout = errors.New("fabric request timed out")
)

// ConnectError wraps a failure to establish or re-establish a fabric
// connection so callers can distinguish connectivity failures from request
// failures.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "fabric connect: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// RemoteError is an explicit error response returned by a fabric service.
type RemoteError struct {
	Topic string
	Code  int
	Text  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote service error on topic %q: %s (%d)", e.Topic, e.Text, e.Code)
}

// RemoteErrorFromMessage converts a KindError message into a *RemoteError.
// Returns nil for any other kind.
func RemoteErrorFromMessage(m *Message) *RemoteError {
	if m == nil || m.Kind != KindError {
		return nil
	}
	return &RemoteError{Topic: m.Topic, Code: m.ErrorCode, Text: m.ErrorText}
}
