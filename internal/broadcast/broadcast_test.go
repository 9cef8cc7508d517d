package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"roomcal/internal/clock"
	"roomcal/internal/model"
	"roomcal/internal/testutil"
)

var epoch = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

type failingSink struct{ calls int }

func (f *failingSink) Send(model.Message) error {
	f.calls++
	return errors.New("connection reset")
}

func TestBroadcastReachesEverySession(t *testing.T) {
	t.Parallel()

	b := New(clock.Fake(epoch))
	s1, s2 := NewStreamSink(4), NewStreamSink(4)
	b.Register(s1)
	b.Register(s2)

	if got := b.Broadcast(model.Created, "e1", "r1", "t1"); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
	for _, s := range []*StreamSink{s1, s2} {
		msg := testutil.RequireReceive(t, s.Messages(), time.Second, "waiting for broadcast")
		if msg.Type != "event_created" || msg.Data.EventID != "e1" || !msg.Timestamp.Equal(epoch) {
			t.Fatalf("message = %+v", msg)
		}
	}
}

func TestNotifyStampsThroughBroadcast(t *testing.T) {
	t.Parallel()

	c := clock.Fake(epoch)
	b := New(c)
	s := NewStreamSink(4)
	b.Register(s)

	if err := b.Notify(context.Background(), model.ChangeNotification{Kind: model.Deleted, EventID: "e1", RoomID: "r1", TenantID: "t1"}); err != nil {
		t.Fatal(err)
	}
	msg := testutil.RequireReceive(t, s.Messages(), time.Second)
	if msg.Type != "event_deleted" || msg.Data.TenantID != "t1" || !msg.Timestamp.Equal(epoch) {
		t.Fatalf("message = %+v", msg)
	}

	// A relayed notification keeps its origin's timestamp.
	origin := epoch.Add(-time.Minute)
	c.Advance(time.Hour)
	if err := b.Notify(context.Background(), model.ChangeNotification{Kind: model.Updated, EventID: "e2", EmittedAt: origin}); err != nil {
		t.Fatal(err)
	}
	msg = testutil.RequireReceive(t, s.Messages(), time.Second)
	if !msg.Timestamp.Equal(origin) {
		t.Fatalf("timestamp = %v, want %v", msg.Timestamp, origin)
	}
}

func TestBroadcastPrunesFailedSessions(t *testing.T) {
	t.Parallel()

	b := New(clock.Fake(epoch))
	good := NewStreamSink(4)
	bad := &failingSink{}
	b.Register(good)
	b.Register(bad)

	if got := b.Broadcast(model.Updated, "e1", "r1", "t1"); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d after failed write, want 1", b.Len())
	}

	b.Broadcast(model.Updated, "e1", "r1", "t1")
	if bad.calls != 1 {
		t.Fatalf("pruned sink written %d times, want 1", bad.calls)
	}
}

func TestClosedAndFullSinksFail(t *testing.T) {
	t.Parallel()

	s := NewStreamSink(1)
	if err := s.Send(model.Message{Type: "event_created"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(model.Message{Type: "event_created"}); !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("full buffer: err = %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("full buffer did not close the session")
	}
	s.Close()
	s.Close()
	if err := s.Send(model.Message{Type: "event_created"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("closed sink: err = %v", err)
	}
}

func TestUnregister(t *testing.T) {
	t.Parallel()

	b := New(clock.Fake(epoch))
	s := NewStreamSink(1)
	id := b.Register(s)
	if !b.Unregister(id) {
		t.Fatal("Unregister() = false for registered session")
	}
	if b.Unregister(id) {
		t.Fatal("second Unregister() = true")
	}
	if got := b.Broadcast(model.Deleted, "e1", "r1", "t1"); got != 0 {
		t.Fatalf("delivered = %d to unregistered session", got)
	}
	testutil.RequireNoReceive(t, s.Messages(), 10*time.Millisecond, "unregistered session")
}

func TestConcurrentRegisterAndBroadcast(t *testing.T) {
	t.Parallel()

	b := New(clock.Fake(epoch))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := NewStreamSink(64)
			id := b.Register(s)
			b.Unregister(id)
		}()
		go func() {
			defer wg.Done()
			b.Broadcast(model.Created, "e", "r", "t")
		}()
	}
	wg.Wait()
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
}

type fakeRedis struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	panic("not used")
}

func (f *fakeRedis) Close() error { return nil }

func TestRelaySkipsOwnPublications(t *testing.T) {
	t.Parallel()

	bus := &fakeRedis{}
	localA, localB := New(clock.Fake(epoch)), New(clock.Fake(epoch))
	a := newRelay(localA, bus, "")
	b := newRelay(localB, bus, "")

	sinkA, sinkB := NewStreamSink(4), NewStreamSink(4)
	localA.Register(sinkA)
	localB.Register(sinkB)

	n := model.ChangeNotification{Kind: model.Deleted, EventID: "e1", RoomID: "r1", TenantID: "t1"}
	if err := a.Notify(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	testutil.RequireReceive(t, sinkA.Messages(), time.Second, "local delivery on A")

	if len(bus.published) != 1 {
		t.Fatalf("published %d payloads, want 1", len(bus.published))
	}
	var env relayEnvelope
	if err := json.Unmarshal([]byte(bus.published[0]), &env); err != nil {
		t.Fatal(err)
	}
	if env.Message.Type != "event_deleted" {
		t.Fatalf("published type = %q", env.Message.Type)
	}

	if a.handle(bus.published[0]) {
		t.Fatal("relay re-delivered its own publication")
	}
	if !b.handle(bus.published[0]) {
		t.Fatal("remote relay ignored publication")
	}
	msg := testutil.RequireReceive(t, sinkB.Messages(), time.Second, "remote delivery on B")
	if msg.Data.EventID != "e1" || !msg.Timestamp.Equal(epoch) {
		t.Fatalf("remote message = %+v", msg)
	}
	testutil.RequireNoReceive(t, sinkA.Messages(), 10*time.Millisecond, "no echo on A")
}
