package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/infra/obs"
)

const archiveQueue = 64

// TranscriptSource reads a room and its full history.
type TranscriptSource interface {
	Room(ctx context.Context, roomID string) (dto.Room, error)
	AllMessages(ctx context.Context, roomID string) ([]dto.ChatMessage, error)
}

// Transcript is the archived form of a closed room.
type Transcript struct {
	Room       dto.Room          `json:"room"`
	Messages   []dto.ChatMessage `json:"messages"`
	ExportedAt time.Time         `json:"exported_at"`
}

// Archiver exports the transcript of every room closed on any node.
type Archiver struct {
	Source   TranscriptSource
	Uploader Uploader
	Logger   *slog.Logger
	// Timeout bounds a single export.
	Timeout time.Duration

	queue chan string
	wg    sync.WaitGroup
}

// Start subscribes to room index events and exports closed rooms in the
// background until ctx is done.
func (a *Archiver) Start(ctx context.Context, notifier realtime.Subscriber) error {
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	if a.Timeout <= 0 {
		a.Timeout = 30 * time.Second
	}
	a.queue = make(chan string, archiveQueue)
	sub, err := notifier.Subscribe(realtime.IndexTopic, a.onEvent)
	if err != nil {
		return err
	}
	a.wg.Add(2)
	go a.work(ctx)
	go a.watch(ctx, notifier, sub)
	return nil
}

// Wait blocks until the background goroutines stopped.
func (a *Archiver) Wait() {
	a.wg.Wait()
}

func (a *Archiver) onEvent(ev realtime.Event) {
	if ev.Kind != realtime.KindRoomClosed || ev.RoomID == "" {
		return
	}
	select {
	case a.queue <- ev.RoomID:
	default:
		obs.TranscriptsArchived.WithLabelValues("dropped").Inc()
		a.Logger.Warn("archive queue full, transcript skipped", "room_id", ev.RoomID)
	}
}

func (a *Archiver) watch(ctx context.Context, notifier realtime.Subscriber, sub realtime.Subscription) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		case <-sub.Lost():
		}
		next, err := notifier.Subscribe(realtime.IndexTopic, a.onEvent)
		if err != nil {
			a.Logger.Warn("archiver lost its subscription", "error", err)
			return
		}
		sub = next
	}
}

func (a *Archiver) work(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case roomID := <-a.queue:
			exportCtx, cancel := context.WithTimeout(ctx, a.Timeout)
			if err := a.Export(exportCtx, roomID); err != nil {
				obs.TranscriptsArchived.WithLabelValues("failed").Inc()
				a.Logger.Error("transcript export failed", "error", err, "room_id", roomID)
			} else {
				obs.TranscriptsArchived.WithLabelValues("ok").Inc()
			}
			cancel()
		}
	}
}

// Export writes the room's transcript to transcripts/{customer}/{room}.json.
func (a *Archiver) Export(ctx context.Context, roomID string) error {
	room, err := a.Source.Room(ctx, roomID)
	if err != nil {
		return err
	}
	msgs, err := a.Source.AllMessages(ctx, roomID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Transcript{Room: room, Messages: msgs, ExportedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	key := TranscriptKey(room)
	if err := a.Uploader.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return err
	}
	a.Logger.Info("transcript archived", "room_id", room.ID, "key", key, "messages", len(msgs))
	return nil
}

func TranscriptKey(room dto.Room) string {
	return fmt.Sprintf("transcripts/%s/%s.json", room.CustomerID, room.ID)
}
