package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestNotifyAllReachesEveryChannel(t *testing.T) {
	r := NewLiveRegistry(WithLiveLogger(testLogger()))

	chans := []*recordChannel{newRecordChannel(), newRecordChannel(), newRecordChannel()}
	for i, ch := range chans {
		r.Register(string(rune('a'+i)), ch)
	}

	r.NotifyAll(ServiceUpdatesSignal)
	for _, ch := range chans {
		ch.expect(t, ServiceUpdatesSignal)
	}
}

func TestNotifyAllSurvivesFailingChannel(t *testing.T) {
	r := NewLiveRegistry(WithLiveLogger(testLogger()))

	broken := newRecordChannel()
	broken.failErr = errors.New("peer gone")
	healthy1 := newRecordChannel()
	healthy2 := newRecordChannel()
	r.Register("broken", broken)
	r.Register("h1", healthy1)
	r.Register("h2", healthy2)

	r.NotifyAll(ServiceUpdatesSignal)
	healthy1.expect(t, ServiceUpdatesSignal)
	healthy2.expect(t, ServiceUpdatesSignal)
}

func TestRegisterReplacesPriorChannel(t *testing.T) {
	r := NewLiveRegistry(WithLiveLogger(testLogger()))

	old := newRecordChannel()
	replacement := newRecordChannel()
	r.Register("s1", old)
	r.Register("s1", replacement)

	r.NotifyAll("ping")
	replacement.expect(t, "ping")

	select {
	case sig := <-old.signals:
		t.Fatalf("replaced channel received %q", sig)
	case <-time.After(200 * time.Millisecond):
	}
	if r.Len() != 1 {
		t.Fatalf("registry holds %d channels, want 1", r.Len())
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := NewLiveRegistry(WithLiveLogger(testLogger()))
	r.Register("s1", newRecordChannel())

	r.Unregister("s1")
	r.Unregister("s1")
	r.Unregister("never-registered")

	if r.Len() != 0 {
		t.Fatalf("registry holds %d channels, want 0", r.Len())
	}
}

func TestNotifyAllDoesNotBlockCaller(t *testing.T) {
	r := NewLiveRegistry(WithLiveLogger(testLogger()))

	// A channel whose Send blocks until released.
	release := make(chan struct{})
	r.Register("slow", blockingChannel{release: release})

	done := make(chan struct{})
	go func() {
		r.NotifyAll("ping")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NotifyAll blocked on a slow channel")
	}
	close(release)
}

type blockingChannel struct {
	release chan struct{}
}

func (c blockingChannel) Send(signal string) error {
	<-c.release
	return nil
}

func (c blockingChannel) Close() error { return nil }
