package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fabricmon/console/fabric"
)

func registryResponse(t *testing.T, guids ...string) *fabric.Message {
	t.Helper()
	services := make(map[string]fabric.ServiceDescriptor, len(guids))
	for _, g := range guids {
		services[g] = descriptor(g)
	}
	payload, err := json.Marshal(fabric.RegistryQueryResult{Services: services})
	if err != nil {
		t.Fatalf("marshal registry response: %v", err)
	}
	return &fabric.Message{Kind: fabric.KindResponse, Payload: payload}
}

func TestRefreshOncePopulatesCacheAndNotifies(t *testing.T) {
	client := newFakeClient()
	client.syncFn = func(ctx context.Context, topic string, payload []byte) (*fabric.Message, error) {
		if topic != fabric.ServiceRegistryQueryTopic {
			t.Errorf("queried topic %q", topic)
		}
		return registryResponse(t, "svc-a", "svc-b"), nil
	}

	services := NewServiceCache()
	live := NewLiveRegistry(WithLiveLogger(testLogger()))
	ch := newRecordChannel()
	live.Register("sess-1", ch)

	loop := newRefreshLoop(client, services, live, time.Minute, time.Second, testLogger())
	if err := loop.refreshOnce(context.Background()); err != nil {
		t.Fatalf("refreshOnce: %v", err)
	}

	snap := services.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("cache holds %d services, want 2", len(snap))
	}
	if _, ok := snap["svc-a"]; !ok {
		t.Fatal("svc-a missing from cache")
	}
	ch.expect(t, ServiceUpdatesSignal)
}

func TestRefreshOnceFailureLeavesCacheUntouched(t *testing.T) {
	client := newFakeClient()
	client.syncFn = func(ctx context.Context, topic string, payload []byte) (*fabric.Message, error) {
		return registryResponse(t, "svc-a"), nil
	}

	services := NewServiceCache()
	live := NewLiveRegistry(WithLiveLogger(testLogger()))
	loop := newRefreshLoop(client, services, live, time.Minute, time.Second, testLogger())
	if err := loop.refreshOnce(context.Background()); err != nil {
		t.Fatalf("refreshOnce: %v", err)
	}

	queryErr := errors.New("broker unreachable")
	client.mu.Lock()
	client.syncFn = func(ctx context.Context, topic string, payload []byte) (*fabric.Message, error) {
		return nil, queryErr
	}
	client.mu.Unlock()

	if err := loop.refreshOnce(context.Background()); !errors.Is(err, queryErr) {
		t.Fatalf("refreshOnce error = %v, want %v", err, queryErr)
	}
	if services.Len() != 1 {
		t.Fatalf("cache holds %d services after failed refresh, want 1", services.Len())
	}
}

func TestRefreshOnceDiscardsStaleSnapshot(t *testing.T) {
	services := NewServiceCache()
	live := NewLiveRegistry(WithLiveLogger(testLogger()))

	client := newFakeClient()
	client.syncFn = func(ctx context.Context, topic string, payload []byte) (*fabric.Message, error) {
		// A register event lands while the query is in flight. The
		// snapshot about to be returned no longer includes svc-new, so
		// the loop must throw it away.
		services.ApplyRegister(descriptor("svc-new"))
		return registryResponse(t, "svc-old"), nil
	}

	loop := newRefreshLoop(client, services, live, time.Minute, time.Second, testLogger())
	if err := loop.refreshOnce(context.Background()); err != nil {
		t.Fatalf("refreshOnce: %v", err)
	}

	snap := services.Snapshot()
	if _, ok := snap["svc-new"]; !ok {
		t.Fatal("stale snapshot clobbered the event-applied service")
	}
	if _, ok := snap["svc-old"]; ok {
		t.Fatal("stale snapshot was applied")
	}
}

func TestRunRefreshesOnReconnect(t *testing.T) {
	client := newFakeClient()
	client.syncFn = func(ctx context.Context, topic string, payload []byte) (*fabric.Message, error) {
		return registryResponse(t, "svc-a"), nil
	}

	services := NewServiceCache()
	live := NewLiveRegistry(WithLiveLogger(testLogger()))
	loop := newRefreshLoop(client, services, live, time.Hour, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.run(ctx)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return services.Len() == 1 }, "reconnect-triggered refresh")
}

func TestRunRefreshesOnWake(t *testing.T) {
	client := newFakeClient()
	client.syncFn = func(ctx context.Context, topic string, payload []byte) (*fabric.Message, error) {
		return registryResponse(t, "svc-a"), nil
	}

	services := NewServiceCache()
	live := NewLiveRegistry(WithLiveLogger(testLogger()))
	loop := newRefreshLoop(client, services, live, time.Hour, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.run(ctx)

	loop.wake()
	waitFor(t, 5*time.Second, func() bool { return services.Len() == 1 }, "wake-triggered refresh")
}

func TestRunSkipsRefreshWhileDisconnected(t *testing.T) {
	client := newFakeClient()
	client.connected = false
	client.syncFn = func(ctx context.Context, topic string, payload []byte) (*fabric.Message, error) {
		return registryResponse(t, "svc-a"), nil
	}

	services := NewServiceCache()
	live := NewLiveRegistry(WithLiveLogger(testLogger()))
	loop := newRefreshLoop(client, services, live, time.Hour, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.run(ctx)

	loop.wake()
	time.Sleep(100 * time.Millisecond)
	if services.Len() != 0 {
		t.Fatal("refresh ran against a disconnected client")
	}
}

func TestDispatcherAppliesRegistryEvents(t *testing.T) {
	services := NewServiceCache()
	live := NewLiveRegistry(WithLiveLogger(testLogger()))
	ch := newRecordChannel()
	live.Register("sess-1", ch)

	d := &dispatcher{services: services, live: live, log: testLogger()}

	payload, err := json.Marshal(descriptor("svc-a"))
	if err != nil {
		t.Fatalf("marshal descriptor: %v", err)
	}
	d.handleMessage(&fabric.Message{
		Kind:    fabric.KindEvent,
		Topic:   fabric.ServiceRegisterEventTopic,
		Payload: payload,
	})
	if services.Len() != 1 {
		t.Fatalf("cache holds %d services after register event, want 1", services.Len())
	}
	ch.expect(t, ServiceUpdatesSignal)

	d.handleMessage(&fabric.Message{
		Kind:    fabric.KindEvent,
		Topic:   fabric.ServiceUnregisterEventTopic,
		Payload: payload,
	})
	if services.Len() != 0 {
		t.Fatalf("cache holds %d services after unregister event, want 0", services.Len())
	}
	ch.expect(t, ServiceUpdatesSignal)
}

func TestDispatcherIgnoresUnrelatedMessages(t *testing.T) {
	services := NewServiceCache()
	live := NewLiveRegistry(WithLiveLogger(testLogger()))
	d := &dispatcher{services: services, live: live, log: testLogger()}

	payload, err := json.Marshal(descriptor("svc-a"))
	if err != nil {
		t.Fatalf("marshal descriptor: %v", err)
	}
	d.handleMessage(&fabric.Message{Kind: fabric.KindResponse, Topic: fabric.ServiceRegisterEventTopic, Payload: payload})
	d.handleMessage(&fabric.Message{Kind: fabric.KindEvent, Topic: "/some/other/event", Payload: payload})
	d.handleMessage(nil)

	if services.Len() != 0 {
		t.Fatalf("cache holds %d services, want 0", services.Len())
	}
}
