package memoryfabric

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fabricmon/console/fabric"
	"github.com/fabricmon/console/fabric/fabrictest"
)

func TestMemoryFabricClient(t *testing.T) {
	fabrictest.RunClientTests(t, func(t *testing.T) *fabrictest.Harness {
		hub := NewHub()
		t.Cleanup(hub.Close)
		return &fabrictest.Harness{
			Dialer: fabric.DialerFunc(hub.Dial),
			Serve: func(topic string, fn fabrictest.Handler) {
				hub.Handle(topic, func(ctx context.Context, req *fabric.Message) ([]byte, error) {
					return fn(req)
				})
			},
			EmitEvent: hub.PublishEvent,
		}
	})
}

func TestUnservedTopicReturnsRemoteError(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)

	c, err := hub.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	_, err = c.SyncRequest(context.Background(), "/nobody/home", []byte("{}"), 5*time.Second)
	var remote *fabric.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("SyncRequest error = %v, want *fabric.RemoteError", err)
	}
	if remote.Code != errCodeNoService {
		t.Fatalf("remote code = %d, want %d", remote.Code, errCodeNoService)
	}
}

func TestDialAfterCloseFails(t *testing.T) {
	hub := NewHub()
	hub.Close()

	if _, err := hub.Dial(context.Background()); err == nil {
		t.Fatal("Dial after Close succeeded")
	}
}
