package redisc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/app/services/support"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("SUPPORTCHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SUPPORTCHAT_TEST_REDIS_URL not set")
	}
	client, err := NewClient(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// Two hubs sharing a Redis relay behave like two nodes.
func TestRelayFansOutAcrossNodes(t *testing.T) {
	client := testClient(t)
	prefix := "supportchat:test:" + uuid.NewString()[:8] + ":"

	nodeA := realtime.NewHub(realtime.Options{NodeID: "a", Relay: NewRelay(client, prefix, nil)})
	nodeB := realtime.NewHub(realtime.Options{NodeID: "b", Relay: NewRelay(client, prefix, nil)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodeA.Start(ctx)
	nodeB.Start(ctx)
	t.Cleanup(func() { nodeA.Close(); nodeB.Close() })

	topic := realtime.RoomTopic("room-1")
	got := make(chan realtime.Event, 4)
	if _, err := nodeB.Subscribe(topic, func(ev realtime.Event) { got <- ev }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	local := make(chan realtime.Event, 4)
	if _, err := nodeA.Subscribe(topic, func(ev realtime.Event) { local <- ev }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// PSUBSCRIBE is asynchronous; give both consumers a moment to attach.
	time.Sleep(200 * time.Millisecond)

	ev := realtime.NewEvent(realtime.KindMessageAppended, topic, "room-1", time.Now())
	ev.Message = &dto.ChatMessage{ID: "m1", RoomID: "room-1", Body: "hi"}
	if err := nodeA.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case remote := <-got:
		if remote.ID != ev.ID || remote.Message == nil || remote.Message.Body != "hi" {
			t.Fatalf("remote event = %+v", remote)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("node b never saw the event")
	}
	<-local
	select {
	case dup := <-local:
		t.Fatalf("origin node received its own event twice: %+v", dup)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSendLogRoundTrip(t *testing.T) {
	log := NewSendLog(testClient(t))
	ctx := context.Background()
	key := "send:test:" + uuid.NewString()
	now := time.Now().UTC()
	if err := log.Save(ctx, support.SendRecord{Key: key, Payload: []byte(`{"id":"m1"}`), StoredAt: now, ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec, ok, err := log.Get(ctx, key)
	if err != nil || !ok || string(rec.Payload) != `{"id":"m1"}` {
		t.Fatalf("get = %+v ok=%v err=%v", rec, ok, err)
	}
	if _, ok, err := log.Get(ctx, key+":missing"); err != nil || ok {
		t.Fatalf("missing ok=%v err=%v", ok, err)
	}
}
