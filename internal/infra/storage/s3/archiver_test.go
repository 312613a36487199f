package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/app/services/support"
	"supportchat/internal/infra/storage/memory"
)

type memoryUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (u *memoryUploader) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[key] = buf.Bytes()
	return nil
}

func (u *memoryUploader) get(key string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	b, ok := u.objects[key]
	return b, ok
}

func TestArchiverExportsClosedRooms(t *testing.T) {
	hub := realtime.NewHub(realtime.Options{NodeID: "archive-test"})
	t.Cleanup(func() { hub.Close() })
	svc, err := support.NewService(support.Deps{Store: memory.NewChatStore(), Notifier: hub})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	uploads := &memoryUploader{objects: map[string][]byte{}}
	archiver := &Archiver{Source: svc, Uploader: uploads}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); archiver.Wait() }()
	if err := archiver.Start(ctx, hub); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg, err := svc.SendAsCustomer(ctx, "cust-1", "refund please", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	room, err := svc.CloseRoom(ctx, msg.RoomID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	key := TranscriptKey(room)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if data, ok := uploads.get(key); ok {
			var tr Transcript
			if err := json.Unmarshal(data, &tr); err != nil {
				t.Fatalf("decode transcript: %v", err)
			}
			if tr.Room.ID != room.ID || tr.Room.IsOpen() || len(tr.Messages) != 1 || tr.Messages[0].Body != "refund please" {
				t.Fatalf("transcript = %+v", tr)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no transcript uploaded at %s", key)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTranscriptKeyGroupsByCustomer(t *testing.T) {
	got := TranscriptKey(dto.Room{ID: "r1", CustomerID: "c9"})
	if got != "transcripts/c9/r1.json" {
		t.Fatalf("key = %q", got)
	}
}
