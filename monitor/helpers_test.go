package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fabricmon/console/fabric"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// testClock is an injectable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeClient is a minimal fabric.Client for registry tests.
type fakeClient struct {
	mu            sync.Mutex
	connected     bool
	disconnects   int
	disconnectErr error
	handler       fabric.MessageHandler
	syncFn        func(ctx context.Context, topic string, payload []byte) (*fabric.Message, error)
	reconnects    chan struct{}
}

var _ fabric.Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, reconnects: make(chan struct{}, 1)}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	select {
	case c.reconnects <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
	return c.disconnectErr
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) SyncRequest(ctx context.Context, topic string, payload []byte, timeout time.Duration) (*fabric.Message, error) {
	c.mu.Lock()
	fn := c.syncFn
	c.mu.Unlock()
	if fn == nil {
		return nil, fabric.ErrRequestTimeout
	}
	return fn(ctx, topic, payload)
}

func (c *fakeClient) AsyncRequest(ctx context.Context, req *fabric.Message) error { return nil }

func (c *fakeClient) Publish(ctx context.Context, topic string, payload []byte) error { return nil }

func (c *fakeClient) Subscribe(topic string) error { return nil }

func (c *fakeClient) Unsubscribe(topic string) error { return nil }

func (c *fakeClient) SetMessageHandler(h fabric.MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *fakeClient) Reconnects() <-chan struct{} { return c.reconnects }

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// recordChannel is a PushChannel capturing delivered signals.
type recordChannel struct {
	signals chan string
	failErr error
}

func newRecordChannel() *recordChannel {
	return &recordChannel{signals: make(chan string, 16)}
}

func (c *recordChannel) Send(signal string) error {
	if c.failErr != nil {
		return c.failErr
	}
	c.signals <- signal
	return nil
}

func (c *recordChannel) Close() error { return nil }

func (c *recordChannel) expect(t *testing.T, signal string) {
	t.Helper()
	select {
	case got := <-c.signals:
		if got != signal {
			t.Fatalf("received signal %q, want %q", got, signal)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no %q signal delivered", signal)
	}
}
