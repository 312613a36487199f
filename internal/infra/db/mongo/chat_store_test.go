package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"supportchat/internal/app/services/support"
	"supportchat/internal/domain/chat"
	"supportchat/internal/domain/chat/chattest"
	"supportchat/internal/domain/participant"
)

// testClient connects to SUPPORTCHAT_TEST_MONGO_URI, which must point at a
// replica set. Each test run gets its own database.
func testClient(t *testing.T) *Client {
	t.Helper()
	uri := os.Getenv("SUPPORTCHAT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("SUPPORTCHAT_TEST_MONGO_URI not set")
	}
	client, err := New(uri, "supportchat_test_"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.DB.Drop(ctx)
		_ = client.Close(ctx)
	})
	return client
}

func TestChatStoreSuite(t *testing.T) {
	client := testClient(t)
	store := NewChatStore(client.DB)
	if err := store.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("indexes: %v", err)
	}
	chattest.Run(t, func(t *testing.T) chat.Store { return store })
}

func TestDirectoryLookup(t *testing.T) {
	client := testClient(t)
	dir := NewDirectory(client.DB)
	ctx := context.Background()
	if _, err := dir.Lookup(ctx, "nobody"); err != participant.ErrUnknown {
		t.Fatalf("lookup missing err = %v", err)
	}
	want := participant.Profile{ID: "cust-1", DisplayName: "Alice", Role: participant.RoleCustomer}
	if err := dir.Upsert(ctx, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := dir.Lookup(ctx, "cust-1")
	if err != nil || got != want {
		t.Fatalf("lookup = %+v err=%v", got, err)
	}
}

func TestSendLogHonoursExpiry(t *testing.T) {
	client := testClient(t)
	log := NewSendLog(client.DB)
	ctx := context.Background()
	if err := log.EnsureIndexes(ctx); err != nil {
		t.Fatalf("indexes: %v", err)
	}
	now := time.Now().UTC()
	if err := log.Save(ctx, support.SendRecord{Key: "live", Payload: []byte(`{}`), StoredAt: now, ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := log.Save(ctx, support.SendRecord{Key: "stale", Payload: []byte(`{}`), StoredAt: now, ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok, err := log.Get(ctx, "live"); err != nil || !ok {
		t.Fatalf("live record ok=%v err=%v", ok, err)
	}
	if _, ok, err := log.Get(ctx, "stale"); err != nil || ok {
		t.Fatalf("stale record ok=%v err=%v", ok, err)
	}
}
