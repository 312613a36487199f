package support

import (
	"context"
	"fmt"
	"strings"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/domain/chat"
	"supportchat/internal/domain/participant"
)

// GetOrCreateOpenRoom returns the customer's open room, creating it on first contact.
func (s *Service) GetOrCreateOpenRoom(ctx context.Context, customerID string) (dto.Room, error) {
	customer, err := participantID(customerID)
	if err != nil {
		return dto.Room{}, err
	}
	var (
		room    chat.Room
		created bool
	)
	err = s.call(ctx, "get or create room", func(ctx context.Context) error {
		var err error
		room, created, err = s.store.GetOrCreateOpen(ctx, customer, s.now())
		return err
	})
	if err != nil {
		return dto.Room{}, err
	}
	out := s.roomDTO(ctx, room)
	if created {
		s.logger.Info("room opened", "room_id", out.ID, "customer_id", out.CustomerID)
		s.publishRoom(ctx, realtime.KindRoomOpened, out, realtime.IndexTopic)
	}
	return out, nil
}

// CreateRoomForCustomer opens a room on behalf of staffID. When the customer
// already has an open room the returned error is a *chat.AlreadyOpenError.
func (s *Service) CreateRoomForCustomer(ctx context.Context, customerID, staffID string) (dto.Room, error) {
	customer, err := participantID(customerID)
	if err != nil {
		return dto.Room{}, err
	}
	staff, err := participantID(staffID)
	if err != nil {
		return dto.Room{}, err
	}
	var room chat.Room
	err = s.call(ctx, "create room", func(ctx context.Context) error {
		var err error
		room, err = s.store.CreateOpen(ctx, customer, staff, s.now())
		return err
	})
	if err != nil {
		return dto.Room{}, err
	}
	out := s.roomDTO(ctx, room)
	s.logger.Info("room opened by staff", "room_id", out.ID, "customer_id", out.CustomerID, "staff_id", out.StaffID)
	s.publishRoom(ctx, realtime.KindRoomOpened, out, realtime.IndexTopic)
	return out, nil
}

// CloseRoom closes the room. Closing an already closed room returns it unchanged.
func (s *Service) CloseRoom(ctx context.Context, roomID string) (dto.Room, error) {
	id, err := roomIDFrom(roomID)
	if err != nil {
		return dto.Room{}, err
	}
	var (
		room    chat.Room
		changed bool
	)
	err = s.call(ctx, "close room", func(ctx context.Context) error {
		var err error
		room, changed, err = s.store.Close(ctx, id, s.now())
		return err
	})
	if err != nil {
		return dto.Room{}, err
	}
	out := s.roomDTO(ctx, room)
	if changed {
		s.logger.Info("room closed", "room_id", out.ID)
		s.publishRoom(ctx, realtime.KindRoomClosed, out, realtime.RoomTopic(out.ID), realtime.IndexTopic)
	}
	return out, nil
}

func (s *Service) Room(ctx context.Context, roomID string) (dto.Room, error) {
	id, err := roomIDFrom(roomID)
	if err != nil {
		return dto.Room{}, err
	}
	var room chat.Room
	err = s.call(ctx, "load room", func(ctx context.Context) error {
		var err error
		room, err = s.store.ByID(ctx, id)
		return err
	})
	if err != nil {
		return dto.Room{}, err
	}
	return s.roomDTO(ctx, room), nil
}

// ListRooms lists rooms by recent activity. Search matches the customer's
// display name or id case-insensitively. With a Viewer set, each room carries
// that viewer's unread count.
func (s *Service) ListRooms(ctx context.Context, q dto.RoomQuery) (dto.RoomList, error) {
	filter := chat.RoomFilter{
		Status:  chat.RoomStatus(strings.ToLower(strings.TrimSpace(q.Status))),
		StaffID: chat.ParticipantID(strings.TrimSpace(q.StaffID)),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return dto.RoomList{}, fmt.Errorf("%w: unknown status %q", chat.ErrInvalidArgument, q.Status)
	}
	search := strings.TrimSpace(q.Search)
	if search == "" {
		filter.Limit = q.Limit
	}
	var rooms []chat.Room
	err := s.call(ctx, "list rooms", func(ctx context.Context) error {
		var err error
		rooms, err = s.store.ListRooms(ctx, filter)
		return err
	})
	if err != nil {
		return dto.RoomList{}, err
	}
	out := dto.RoomList{Items: make([]dto.Room, 0, len(rooms))}
	for _, room := range rooms {
		if q.Limit > 0 && len(out.Items) >= q.Limit {
			break
		}
		profile := participant.Resolve(ctx, s.directory, string(room.CustomerID))
		if !profile.Matches(search) {
			continue
		}
		item := roomDTOWith(room, profile)
		if q.Viewer != "" {
			unread, err := s.UnreadCount(ctx, item.ID, q.Viewer)
			if err != nil {
				return dto.RoomList{}, err
			}
			item.Unread = unread
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func participantID(raw string) (chat.ParticipantID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: participant id is required", chat.ErrInvalidArgument)
	}
	return chat.ParticipantID(id), nil
}

func roomIDFrom(raw string) (chat.RoomID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: room id is required", chat.ErrInvalidArgument)
	}
	return chat.RoomID(id), nil
}
