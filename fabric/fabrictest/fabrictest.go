// Package fabrictest provides a reusable conformance suite for fabric
// client implementations. Backend packages run the suite against their own
// harness so the memory and redis transports stay behaviorally aligned.
package fabrictest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fabricmon/console/fabric"
)

// Handler answers requests on a topic inside a test harness.
type Handler func(req *fabric.Message) (payload []byte, err error)

// Harness adapts one backend to the suite: dialing clients, standing up
// service handlers, and emitting events as if from a fabric peer.
type Harness struct {
	Dialer fabric.Dialer

	// Serve registers a service handler for a request topic.
	Serve func(topic string, fn Handler)

	// EmitEvent publishes an event into the fabric from outside any
	// client under test.
	EmitEvent func(topic string, payload []byte)
}

// HarnessFactory creates a fresh harness (and backend) per test.
type HarnessFactory func(t *testing.T) *Harness

// RunClientTests runs the complete client conformance suite.
func RunClientTests(t *testing.T, factory HarnessFactory) {
	t.Run("SyncRequestRoundTrip", func(t *testing.T) {
		testSyncRequestRoundTrip(t, factory)
	})
	t.Run("SyncRequestRemoteError", func(t *testing.T) {
		testSyncRequestRemoteError(t, factory)
	})
	t.Run("SyncRequestTimeout", func(t *testing.T) {
		testSyncRequestTimeout(t, factory)
	})
	t.Run("AsyncRequestDeliversReply", func(t *testing.T) {
		testAsyncRequestDeliversReply(t, factory)
	})
	t.Run("EventFanOut", func(t *testing.T) {
		testEventFanOut(t, factory)
	})
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		testUnsubscribeStopsDelivery(t, factory)
	})
	t.Run("ReconnectSignal", func(t *testing.T) {
		testReconnectSignal(t, factory)
	})
	t.Run("DisconnectedRequestFails", func(t *testing.T) {
		testDisconnectedRequestFails(t, factory)
	})
}

func dial(t *testing.T, h *Harness) fabric.Client {
	t.Helper()
	c, err := h.Dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// collector accumulates inbound messages and lets tests wait for them.
type collector struct {
	mu   sync.Mutex
	msgs []*fabric.Message
	ch   chan *fabric.Message
}

func newCollector() *collector {
	return &collector{ch: make(chan *fabric.Message, 16)}
}

func (c *collector) handle(msg *fabric.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	select {
	case c.ch <- msg:
	default:
	}
}

func (c *collector) next(t *testing.T, timeout time.Duration) *fabric.Message {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for inbound message")
		return nil
	}
}

func testSyncRequestRoundTrip(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.Serve("/test/echo", func(req *fabric.Message) ([]byte, error) {
		return req.Payload, nil
	})

	c := dial(t, h)
	resp, err := c.SyncRequest(context.Background(), "/test/echo", []byte(`{"hello":"fabric"}`), 5*time.Second)
	if err != nil {
		t.Fatalf("SyncRequest: %v", err)
	}
	if resp.Kind != fabric.KindResponse {
		t.Fatalf("response kind = %v, want %v", resp.Kind, fabric.KindResponse)
	}
	if string(resp.Payload) != `{"hello":"fabric"}` {
		t.Fatalf("response payload = %s", resp.Payload)
	}
}

func testSyncRequestRemoteError(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.Serve("/test/fail", func(req *fabric.Message) ([]byte, error) {
		return nil, errors.New("broken service")
	})

	c := dial(t, h)
	_, err := c.SyncRequest(context.Background(), "/test/fail", []byte("{}"), 5*time.Second)
	var remote *fabric.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("SyncRequest error = %v, want *fabric.RemoteError", err)
	}
	if remote.Text != "broken service" {
		t.Fatalf("remote error text = %q", remote.Text)
	}
}

func testSyncRequestTimeout(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.Serve("/test/slow", func(req *fabric.Message) ([]byte, error) {
		time.Sleep(2 * time.Second)
		return []byte("{}"), nil
	})

	c := dial(t, h)
	start := time.Now()
	_, err := c.SyncRequest(context.Background(), "/test/slow", []byte("{}"), 100*time.Millisecond)
	if !errors.Is(err, fabric.ErrRequestTimeout) {
		t.Fatalf("SyncRequest error = %v, want ErrRequestTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v, want around 100ms", elapsed)
	}
}

func testAsyncRequestDeliversReply(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.Serve("/test/async", func(req *fabric.Message) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})

	c := dial(t, h)
	inbound := newCollector()
	c.SetMessageHandler(inbound.handle)

	req := fabric.NewRequest("/test/async", []byte("{}"))
	if err := c.AsyncRequest(context.Background(), req); err != nil {
		t.Fatalf("AsyncRequest: %v", err)
	}

	reply := inbound.next(t, 5*time.Second)
	if !reply.IsReply() {
		t.Fatalf("inbound kind = %v, want a reply", reply.Kind)
	}
	if reply.RequestMessageID != req.MessageID {
		t.Fatalf("reply correlates to %q, want %q", reply.RequestMessageID, req.MessageID)
	}
}

func testEventFanOut(t *testing.T, factory HarnessFactory) {
	h := factory(t)

	subscribed := dial(t, h)
	bystander := dial(t, h)

	got := newCollector()
	subscribed.SetMessageHandler(got.handle)
	notGot := newCollector()
	bystander.SetMessageHandler(notGot.handle)

	if err := subscribed.Subscribe("/test/events"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Give slower backends a beat to establish the subscription.
	time.Sleep(100 * time.Millisecond)

	h.EmitEvent("/test/events", []byte(`{"n":1}`))

	evt := got.next(t, 5*time.Second)
	if evt.Kind != fabric.KindEvent || evt.Topic != "/test/events" {
		t.Fatalf("got kind=%v topic=%q", evt.Kind, evt.Topic)
	}

	time.Sleep(200 * time.Millisecond)
	notGot.mu.Lock()
	stray := len(notGot.msgs)
	notGot.mu.Unlock()
	if stray != 0 {
		t.Fatalf("unsubscribed client received %d messages", stray)
	}
}

func testUnsubscribeStopsDelivery(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	c := dial(t, h)

	got := newCollector()
	c.SetMessageHandler(got.handle)
	if err := c.Subscribe("/test/onoff"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.EmitEvent("/test/onoff", []byte("{}"))
	got.next(t, 5*time.Second)

	if err := c.Unsubscribe("/test/onoff"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.EmitEvent("/test/onoff", []byte("{}"))
	time.Sleep(200 * time.Millisecond)

	got.mu.Lock()
	n := len(got.msgs)
	got.mu.Unlock()
	if n != 1 {
		t.Fatalf("received %d messages, want 1", n)
	}
}

func testReconnectSignal(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	c := dial(t, h)

	// Dial connects, so a signal may already be pending; drain it.
	select {
	case <-c.Reconnects():
	default:
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-c.Reconnects():
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect signal after Connect")
	}
}

func testDisconnectedRequestFails(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	c := dial(t, h)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	_, err := c.SyncRequest(context.Background(), "/test/anything", []byte("{}"), time.Second)
	if !errors.Is(err, fabric.ErrNotConnected) {
		t.Fatalf("SyncRequest error = %v, want ErrNotConnected", err)
	}
}
