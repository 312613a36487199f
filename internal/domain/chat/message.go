package chat

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

const MaxBodyLength = 4000

type MessageID string

func NewMessageID() MessageID {
	return MessageID(ulid.Make().String())
}

type Message struct {
	ID        MessageID
	RoomID    RoomID
	SenderID  ParticipantID
	Body      string
	CreatedAt time.Time
	Read      bool
	ClientID  string
}

// Key returns the position of the message in its room's total order.
func (m Message) Key() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// UnreadFor reports whether the message counts towards reader's unread total.
func (m Message) UnreadFor(reader ParticipantID) bool {
	return !m.Read && m.SenderID != reader
}

// Before orders messages by (created_at, id).
func (m Message) Before(other Message) bool {
	return m.Key().Less(other.Key())
}

func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

// NewMessage is the input of an append.
type NewMessage struct {
	RoomID   RoomID
	SenderID ParticipantID
	Body     string
	ClientID string
	At       time.Time
}

// Normalize trims the body and validates the request.
func (n NewMessage) Normalize() (NewMessage, error) {
	n.Body = strings.TrimSpace(n.Body)
	n.ClientID = strings.TrimSpace(n.ClientID)
	if n.RoomID == "" || n.SenderID == "" {
		return NewMessage{}, ErrInvalidArgument
	}
	if n.Body == "" {
		return NewMessage{}, ErrEmptyBody
	}
	if utf8.RuneCountInString(n.Body) > MaxBodyLength {
		return NewMessage{}, ErrBodyTooLong
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}
	n.At = n.At.UTC()
	return n, nil
}

// Build stamps the message with an id and the creation time chosen by the store.
func (n NewMessage) Build(createdAt time.Time) Message {
	return Message{
		ID:        NewMessageID(),
		RoomID:    n.RoomID,
		SenderID:  n.SenderID,
		Body:      n.Body,
		CreatedAt: createdAt.UTC(),
		ClientID:  n.ClientID,
	}
}
