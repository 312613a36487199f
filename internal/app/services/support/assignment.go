package support

import (
	"context"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/domain/chat"
)

// Assign gives the room to staffID unless someone already holds it or it is closed.
// The returned room shows the actual holder either way.
func (s *Service) Assign(ctx context.Context, roomID, staffID string) (dto.Room, error) {
	id, err := roomIDFrom(roomID)
	if err != nil {
		return dto.Room{}, err
	}
	staff, err := participantID(staffID)
	if err != nil {
		return dto.Room{}, err
	}
	var (
		room     chat.Room
		assigned bool
	)
	err = s.call(ctx, "assign room", func(ctx context.Context) error {
		var err error
		room, assigned, err = s.store.Assign(ctx, id, staff)
		return err
	})
	if err != nil {
		return dto.Room{}, err
	}
	out := s.roomDTO(ctx, room)
	if assigned {
		s.logger.Info("room assigned", "room_id", out.ID, "staff_id", out.StaffID)
		s.publishRoom(ctx, realtime.KindRoomAssigned, out, realtime.RoomTopic(out.ID), realtime.IndexTopic)
	}
	return out, nil
}

// OpenAsStaff is called when a staff member opens a room; the first one to do so takes it.
func (s *Service) OpenAsStaff(ctx context.Context, roomID, staffID string) (dto.Room, error) {
	return s.Assign(ctx, roomID, staffID)
}
