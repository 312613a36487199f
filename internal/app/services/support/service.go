package support

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/domain/chat"
	"supportchat/internal/domain/participant"
)

const defaultStoreTimeout = 5 * time.Second

// Deps wires the service to its collaborators. Store is required.
type Deps struct {
	Store        chat.Store
	Directory    participant.Directory
	Notifier     realtime.Publisher
	SendLog      SendLog
	SendLogTTL   time.Duration
	StoreTimeout time.Duration
	Clock        func() time.Time
	Logger       *slog.Logger
}

// Service implements the support chat operations on top of a chat.Store and
// publishes every state change to the notifier.
type Service struct {
	store     chat.Store
	directory participant.Directory
	notifier  realtime.Publisher
	sends     SendLog
	sendTTL   time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger

	roomLocks keyedMutex
	sendLocks keyedMutex
}

func NewService(d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("support: store is required")
	}
	if d.StoreTimeout <= 0 {
		d.StoreTimeout = defaultStoreTimeout
	}
	if d.SendLogTTL <= 0 {
		d.SendLogTTL = 24 * time.Hour
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		store:     d.Store,
		directory: d.Directory,
		notifier:  d.Notifier,
		sends:     d.SendLog,
		sendTTL:   d.SendLogTTL,
		timeout:   d.StoreTimeout,
		now:       d.Clock,
		logger:    d.Logger,
	}, nil
}

// Ping checks the store within the store timeout.
func (s *Service) Ping(ctx context.Context) error {
	return s.call(ctx, "ping", s.store.Ping)
}

// call runs fn under the store timeout. A deadline hit becomes a transient store error.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !chat.IsTransient(err) {
		return chat.StoreUnavailable(op, err)
	}
	return err
}

// publish delivers ev without failing the caller; the state change is already committed.
func (s *Service) publish(ctx context.Context, ev realtime.Event) {
	if s.notifier == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.notifier.Publish(pubCtx, ev); err != nil {
		s.logger.Warn("notification publish failed",
			"error", chat.TransportUnavailable("publish", err),
			"kind", ev.Kind,
			"topic", ev.Topic,
			"room_id", ev.RoomID,
		)
	}
}

func (s *Service) publishRoom(ctx context.Context, kind realtime.Kind, room dto.Room, topics ...realtime.Topic) {
	at := s.now()
	for _, topic := range topics {
		ev := realtime.NewEvent(kind, topic, room.ID, at)
		r := room
		ev.Room = &r
		s.publish(ctx, ev)
	}
}

func (s *Service) roomDTO(ctx context.Context, room chat.Room) dto.Room {
	return roomDTOWith(room, participant.Resolve(ctx, s.directory, string(room.CustomerID)))
}

func roomDTOWith(room chat.Room, customer participant.Profile) dto.Room {
	out := dto.Room{
		ID:             string(room.ID),
		CustomerID:     string(room.CustomerID),
		Customer:       participantDTO(customer),
		StaffID:        string(room.StaffID),
		Status:         string(room.Status),
		CreatedAt:      room.CreatedAt,
		LastActivityAt: room.LastActivityAt,
	}
	if !room.ClosedAt.IsZero() {
		closed := room.ClosedAt
		out.ClosedAt = &closed
	}
	return out
}

func messageDTO(msg chat.Message, sender participant.Profile) dto.ChatMessage {
	return dto.ChatMessage{
		ID:        string(msg.ID),
		RoomID:    string(msg.RoomID),
		SenderID:  string(msg.SenderID),
		Sender:    participantDTO(sender),
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
		Read:      msg.Read,
		ClientID:  msg.ClientID,
		Cursor:    msg.Key().String(),
	}
}

func participantDTO(p participant.Profile) dto.Participant {
	return dto.Participant{ID: p.ID, DisplayName: p.Name(), AvatarURL: p.AvatarURL}
}
