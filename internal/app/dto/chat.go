package dto

import "time"

// Participant carries display attributes of a chat participant.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Room describes a support room as seen by clients.
type Room struct {
	ID             string      `json:"id"`
	CustomerID     string      `json:"customer_id"`
	Customer       Participant `json:"customer"`
	StaffID        string      `json:"staff_id,omitempty"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
	LastSenderID   string      `json:"last_sender_id,omitempty"`
	Unread         int         `json:"unread"`
}

func (r Room) IsOpen() bool {
	return r.Status == "open"
}

type RoomList struct {
	Items []Room `json:"items"`
}

// RoomQuery filters the staff room listing.
type RoomQuery struct {
	Search  string
	Status  string
	StaffID string
	Viewer  string
	Limit   int
}

// ChatMessage is a stored message.
type ChatMessage struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	SenderID  string      `json:"sender_id"`
	Sender    Participant `json:"sender"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
	Read      bool        `json:"read"`
	ClientID  string      `json:"client_id,omitempty"`
	Cursor    string      `json:"cursor"`
}

// ChatMessageList is one page of a room's messages in ascending order.
type ChatMessageList struct {
	Items      []ChatMessage `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// SendMessage asks to append Body to RoomID on behalf of SenderID.
// ClientID makes retries of the same send idempotent.
type SendMessage struct {
	RoomID   string `json:"room_id"`
	SenderID string `json:"sender_id"`
	Body     string `json:"body"`
	ClientID string `json:"client_id,omitempty"`
}

// ReadReceipt reports a markRead call. Every message not sent by ReaderID at
// or before the UpTo cursor is read.
type ReadReceipt struct {
	RoomID   string    `json:"room_id"`
	ReaderID string    `json:"reader_id"`
	Marked   int       `json:"marked"`
	UpTo     string    `json:"up_to,omitempty"`
	At       time.Time `json:"at"`
}

type UnreadCount struct {
	RoomID   string `json:"room_id"`
	ReaderID string `json:"reader_id"`
	Count    int    `json:"count"`
}
