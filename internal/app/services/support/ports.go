package support

import (
	"context"

	"supportchat/internal/app/dto"
)

// RoomRegistry owns room lifecycle.
type RoomRegistry interface {
	GetOrCreateOpenRoom(ctx context.Context, customerID string) (dto.Room, error)
	CreateRoomForCustomer(ctx context.Context, customerID, staffID string) (dto.Room, error)
	CloseRoom(ctx context.Context, roomID string) (dto.Room, error)
	Room(ctx context.Context, roomID string) (dto.Room, error)
	ListRooms(ctx context.Context, q dto.RoomQuery) (dto.RoomList, error)
}

// MessageStore appends and pages messages.
type MessageStore interface {
	Send(ctx context.Context, req dto.SendMessage) (dto.ChatMessage, error)
	SendAsCustomer(ctx context.Context, customerID, body, clientID string) (dto.ChatMessage, error)
	ListMessages(ctx context.Context, roomID, cursor string, limit int) (dto.ChatMessageList, error)
}

// ReadReceiptTracker maintains read flags.
type ReadReceiptTracker interface {
	MarkRead(ctx context.Context, roomID, readerID string) (dto.ReadReceipt, error)
	UnreadCount(ctx context.Context, roomID, readerID string) (int, error)
}

// AdminAssignment hands rooms to staff members.
type AdminAssignment interface {
	Assign(ctx context.Context, roomID, staffID string) (dto.Room, error)
	OpenAsStaff(ctx context.Context, roomID, staffID string) (dto.Room, error)
}

// Chat is the full surface used by transports and sessions.
type Chat interface {
	RoomRegistry
	MessageStore
	ReadReceiptTracker
	AdminAssignment
}

var _ Chat = (*Service)(nil)
