package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"supportchat/internal/app/dto"
)

var (
	ErrInvalidTopic = errors.New("realtime: invalid topic")
	ErrClosed       = errors.New("realtime: notifier closed")
)

type Kind string

const (
	KindMessageAppended Kind = "message.appended"
	KindMessagesRead    Kind = "messages.read"
	KindRoomOpened      Kind = "room.opened"
	KindRoomAssigned    Kind = "room.assigned"
	KindRoomClosed      Kind = "room.closed"
	KindRoomActivity    Kind = "room.activity"
)

// Event is the notification envelope delivered to subscribers.
type Event struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Topic      Topic            `json:"topic"`
	RoomID     string           `json:"room_id,omitempty"`
	Origin     string           `json:"origin,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
	Message    *dto.ChatMessage `json:"message,omitempty"`
	Room       *dto.Room        `json:"room,omitempty"`
	Receipt    *dto.ReadReceipt `json:"receipt,omitempty"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(kind Kind, topic Topic, roomID string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Topic:      topic,
		RoomID:     roomID,
		OccurredAt: at.UTC(),
	}
}

// Handler consumes events. Handlers for one subscription run sequentially.
type Handler func(Event)

// Subscription is the cancel token returned by Subscribe.
type Subscription interface {
	Topic() Topic
	// Lost is closed when the notifier dropped this subscription because the
	// consumer fell behind or the notifier shut down. The owner must resync.
	Lost() <-chan struct{}
	Close()
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Subscriber interface {
	Subscribe(topic Topic, handler Handler) (Subscription, error)
}

// Notifier delivers events at least once and in publish order per topic.
type Notifier interface {
	Publisher
	Subscriber
}

// Relay carries events between nodes.
type Relay interface {
	Forward(ctx context.Context, ev Event) error
	// Run blocks, handing every remote event to deliver until ctx is done.
	Run(ctx context.Context, deliver func(Event)) error
	Close() error
}
