package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestHubDeliversInPublishOrder(t *testing.T) {
	hub := NewHub(Options{NodeID: "n1"})
	defer hub.Close()

	const total = 100
	var (
		mu   sync.Mutex
		got  []string
		done = make(chan struct{})
	)
	sub, err := hub.Subscribe(RoomTopic("r1"), func(ev Event) {
		mu.Lock()
		got = append(got, ev.ID)
		if len(got) == total {
			close(done)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	want := make([]string, 0, total)
	for i := 0; i < total; i++ {
		ev := NewEvent(KindMessageAppended, RoomTopic("r1"), "r1", time.Now())
		want = append(want, ev.ID)
		if err := hub.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	waitFor(t, done, "all events")
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d out of order", i)
		}
	}
}

func TestHubTopicsAreIsolated(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()

	received := make(chan Event, 4)
	sub, _ := hub.Subscribe(RoomTopic("a"), func(ev Event) { received <- ev })
	defer sub.Close()

	_ = hub.Publish(context.Background(), NewEvent(KindMessageAppended, RoomTopic("b"), "b", time.Now()))
	_ = hub.Publish(context.Background(), NewEvent(KindMessageAppended, RoomTopic("a"), "a", time.Now()))

	select {
	case ev := <-received:
		if ev.RoomID != "a" {
			t.Fatalf("received event for room %s", ev.RoomID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-received:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	var changes []int
	hub := NewHub(Options{OnSubscriptions: func(d int) { changes = append(changes, d) }})
	defer hub.Close()

	sub, _ := hub.Subscribe(IndexTopic, func(Event) {})
	if hub.SubscriberCount(IndexTopic) != 1 {
		t.Fatalf("expected one subscriber")
	}
	sub.Close()
	sub.Close()
	if hub.SubscriberCount(IndexTopic) != 0 {
		t.Fatalf("subscription not removed")
	}
	if len(changes) != 2 || changes[0] != 1 || changes[1] != -1 {
		t.Fatalf("observer saw %v", changes)
	}
	select {
	case <-sub.Lost():
		t.Fatal("explicit close must not report loss")
	default:
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(Options{Buffer: 1})
	defer hub.Close()

	release := make(chan struct{})
	sub, _ := hub.Subscribe(RoomTopic("r"), func(Event) { <-release })
	for i := 0; i < 3; i++ {
		_ = hub.Publish(context.Background(), NewEvent(KindMessageAppended, RoomTopic("r"), "r", time.Now()))
	}
	close(release)
	waitFor(t, sub.Lost(), "loss signal")
	if hub.SubscriberCount(RoomTopic("r")) != 0 {
		t.Fatal("lost subscription still registered")
	}
}

func TestHubRejectsInvalidTopic(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	if _, err := hub.Subscribe("room:", func(Event) {}); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected ErrInvalidTopic, got %v", err)
	}
	if err := hub.Publish(context.Background(), Event{Topic: "bogus"}); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected ErrInvalidTopic, got %v", err)
	}
}

func TestHubCloseSignalsLoss(t *testing.T) {
	hub := NewHub(Options{})
	sub, _ := hub.Subscribe(IndexTopic, func(Event) {})
	if err := hub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, sub.Lost(), "loss on shutdown")
	if err := hub.Publish(context.Background(), NewEvent(KindRoomOpened, IndexTopic, "r", time.Now())); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close: %v", err)
	}
}

type loopRelay struct {
	mu        sync.Mutex
	forwarded []Event
	remote    chan Event
	failWith  error
}

func (r *loopRelay) Forward(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.forwarded = append(r.forwarded, ev)
	return nil
}

func (r *loopRelay) Run(ctx context.Context, deliver func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.remote:
			deliver(ev)
		}
	}
}

func (r *loopRelay) Close() error { return nil }

func TestHubRelaysAcrossNodes(t *testing.T) {
	relay := &loopRelay{remote: make(chan Event, 4)}
	hub := NewHub(Options{NodeID: "node-a", Relay: relay})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Close()

	received := make(chan Event, 4)
	sub, _ := hub.Subscribe(RoomTopic("r"), func(ev Event) { received <- ev })
	defer sub.Close()

	ev := NewEvent(KindMessageAppended, RoomTopic("r"), "r", time.Now())
	if err := hub.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	<-received
	relay.mu.Lock()
	if len(relay.forwarded) != 1 || relay.forwarded[0].Origin != "node-a" {
		t.Fatalf("event not forwarded with origin: %+v", relay.forwarded)
	}
	relay.mu.Unlock()

	echo := ev
	relay.remote <- echo
	remote := NewEvent(KindMessageAppended, RoomTopic("r"), "r", time.Now())
	remote.Origin = "node-b"
	relay.remote <- remote

	select {
	case got := <-received:
		if got.ID != remote.ID {
			t.Fatalf("expected remote event, got %s (own echo must be skipped)", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote event not delivered")
	}
}

func TestHubDeliversLocallyWhenRelayFails(t *testing.T) {
	relay := &loopRelay{remote: make(chan Event), failWith: errors.New("broker down")}
	hub := NewHub(Options{Relay: relay})
	defer hub.Close()

	received := make(chan Event, 1)
	sub, _ := hub.Subscribe(RoomTopic("r"), func(ev Event) { received <- ev })
	defer sub.Close()

	err := hub.Publish(context.Background(), NewEvent(KindMessageAppended, RoomTopic("r"), "r", time.Now()))
	if err == nil {
		t.Fatal("expected forward error")
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("local subscriber should still receive the event")
	}
}
