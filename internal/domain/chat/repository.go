package chat

import (
	"context"
	"time"
)

// RoomFilter narrows room listings. Zero values mean no restriction.
type RoomFilter struct {
	Status     RoomStatus
	StaffID    ParticipantID
	CustomerID ParticipantID
	Limit      int
}

func (f RoomFilter) Matches(r Room) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.StaffID != "" && r.StaffID != f.StaffID {
		return false
	}
	if f.CustomerID != "" && r.CustomerID != f.CustomerID {
		return false
	}
	return true
}

// RoomRepository persists rooms. Implementations make GetOrCreateOpen, CreateOpen,
// Close and Assign atomic against concurrent callers on any node.
type RoomRepository interface {
	// GetOrCreateOpen returns the customer's open room, creating it when absent.
	// created is true only for the caller whose write produced the room.
	GetOrCreateOpen(ctx context.Context, customer ParticipantID, at time.Time) (room Room, created bool, err error)
	// CreateOpen creates an open room already assigned to staff, failing with
	// *AlreadyOpenError when the customer has an open room.
	CreateOpen(ctx context.Context, customer, staff ParticipantID, at time.Time) (Room, error)
	ByID(ctx context.Context, id RoomID) (Room, error)
	// Close is idempotent; changed is false when the room was already closed.
	Close(ctx context.Context, id RoomID, at time.Time) (room Room, changed bool, err error)
	// Assign sets staff only if the room is open and unassigned.
	Assign(ctx context.Context, id RoomID, staff ParticipantID) (room Room, assigned bool, err error)
	// ListRooms returns rooms ordered by last activity, most recent first.
	ListRooms(ctx context.Context, filter RoomFilter) ([]Room, error)
}

// MessageRepository persists messages and their read flags.
type MessageRepository interface {
	// Append stores the message and advances the room's last activity in one
	// atomic step. It fails with ErrRoomClosed or ErrNotFound.
	Append(ctx context.Context, msg NewMessage) (Message, error)
	// ListMessages returns messages after page.After in (created_at, id) order.
	ListMessages(ctx context.Context, room RoomID, page PageRequest) (Page, error)
	// MarkRead flags every message in room not sent by reader.
	MarkRead(ctx context.Context, room RoomID, reader ParticipantID) (ReadMark, error)
	UnreadCount(ctx context.Context, room RoomID, reader ParticipantID) (int, error)
}

// ReadMark reports a MarkRead. Every message not sent by the reader at or
// before UpTo is read once MarkRead returns; UpTo is zero when nothing was unread.
type ReadMark struct {
	Marked int
	UpTo   Cursor
}

// Covers reports whether m is at or before the mark's position.
func (r ReadMark) Covers(m Message) bool {
	return !r.UpTo.IsZero() && !r.UpTo.Less(m.Key())
}

// Store bundles both repositories, as every adapter implements them over one backend.
type Store interface {
	RoomRepository
	MessageRepository
	Ping(ctx context.Context) error
}
