package redisfabric

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fabricmon/console/fabric"
	"github.com/fabricmon/console/fabric/fabrictest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisFabricClient(t *testing.T) {
	cfg := ConfigFromEnv()

	// Quick availability check to allow graceful skip in environments
	// without Redis.
	probe := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skipping redis fabric tests: %v", err)
		return
	}
	_ = probe.Close()

	fabrictest.RunClientTests(t, func(t *testing.T) *fabrictest.Harness {
		// Unique prefix per test keeps channel spaces isolated.
		hcfg := cfg
		hcfg.ChannelPrefix = "fabrictest:" + uuid.NewString() + ":"

		peer := newTestPeer(t, hcfg)
		return &fabrictest.Harness{
			Dialer:    NewDialer(hcfg),
			Serve:     peer.serve,
			EmitEvent: peer.emitEvent,
		}
	})
}

// testPeer answers requests and emits events using a raw redis client,
// standing in for the rest of the fabric.
type testPeer struct {
	t   *testing.T
	cfg Config
	rdb *redis.Client
}

func newTestPeer(t *testing.T, cfg Config) *testPeer {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	t.Cleanup(func() { _ = rdb.Close() })
	return &testPeer{t: t, cfg: cfg, rdb: rdb}
}

func (p *testPeer) channel(topic string) string { return p.cfg.ChannelPrefix + "topic:" + topic }

func (p *testPeer) emitEvent(topic string, payload []byte) {
	msg := &fabric.Message{
		Kind:      fabric.KindEvent,
		MessageID: uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.t.Fatalf("marshal event: %v", err)
	}
	if err := p.rdb.Publish(context.Background(), p.channel(topic), data).Err(); err != nil {
		p.t.Fatalf("publish event: %v", err)
	}
}

func (p *testPeer) serve(topic string, fn fabrictest.Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	p.t.Cleanup(cancel)

	pubsub := p.rdb.Subscribe(ctx, p.channel(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		p.t.Fatalf("subscribe %s: %v", topic, err)
	}
	p.t.Cleanup(func() { _ = pubsub.Close() })

	go func() {
		for raw := range pubsub.Channel() {
			var req fabric.Message
			if err := json.Unmarshal([]byte(raw.Payload), &req); err != nil {
				continue
			}
			if req.Kind != fabric.KindRequest {
				continue
			}

			payload, err := fn(&req)
			resp := &fabric.Message{
				MessageID:        uuid.NewString(),
				RequestMessageID: req.MessageID,
				Topic:            req.ReplyTo,
			}
			if err != nil {
				resp.Kind = fabric.KindError
				resp.ErrorCode = -1
				resp.ErrorText = err.Error()
			} else {
				resp.Kind = fabric.KindResponse
				resp.Payload = payload
			}
			data, merr := json.Marshal(resp)
			if merr != nil {
				continue
			}
			_ = p.rdb.Publish(ctx, req.ReplyTo, data).Err()
		}
	}()
}
