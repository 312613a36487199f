package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type RoomID string

type ParticipantID string

type RoomStatus string

const (
	RoomOpen   RoomStatus = "open"
	RoomClosed RoomStatus = "closed"
)

func (s RoomStatus) Valid() bool {
	return s == RoomOpen || s == RoomClosed
}

// Room is a support conversation between one customer and the staff pool.
type Room struct {
	ID             RoomID
	CustomerID     ParticipantID
	StaffID        ParticipantID
	Status         RoomStatus
	CreatedAt      time.Time
	LastActivityAt time.Time
	ClosedAt       time.Time
}

func NewRoomID() RoomID {
	return RoomID(uuid.NewString())
}

// NewRoom builds an open room. staff may be empty.
func NewRoom(id RoomID, customer, staff ParticipantID, now time.Time) (Room, error) {
	if strings.TrimSpace(string(customer)) == "" {
		return Room{}, ErrInvalidArgument
	}
	if id == "" {
		id = NewRoomID()
	}
	now = now.UTC()
	return Room{
		ID:             id,
		CustomerID:     customer,
		StaffID:        staff,
		Status:         RoomOpen,
		CreatedAt:      now,
		LastActivityAt: now,
	}, nil
}

func (r Room) IsOpen() bool {
	return r.Status == RoomOpen
}

func (r Room) IsAssigned() bool {
	return r.StaffID != ""
}

// Close moves the room to closed. It reports false when the room was already closed.
func (r *Room) Close(now time.Time) bool {
	if r.Status == RoomClosed {
		return false
	}
	r.Status = RoomClosed
	r.ClosedAt = now.UTC()
	return true
}

// Assign sets the staff member if nobody holds the room yet and it is still open.
func (r *Room) Assign(staff ParticipantID) bool {
	if staff == "" || r.Status != RoomOpen || r.StaffID != "" {
		return false
	}
	r.StaffID = staff
	return true
}

// Touch advances LastActivityAt and returns the timestamp the next message
// must carry so that per-room timestamps never go backwards.
func (r *Room) Touch(now time.Time) time.Time {
	at := NextActivity(r.LastActivityAt, now)
	r.LastActivityAt = at
	return at
}

// NextActivity returns max(last, now) in UTC.
func NextActivity(last, now time.Time) time.Time {
	now = now.UTC()
	if now.Before(last) {
		return last.UTC()
	}
	return now
}

// Involves reports whether participant is the customer or the assigned staff member.
func (r Room) Involves(participant ParticipantID) bool {
	return participant != "" && (r.CustomerID == participant || r.StaffID == participant)
}
