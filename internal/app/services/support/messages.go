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

// Send appends a message to an open room. A repeated ClientID for the same
// room and sender returns the message stored by the first attempt.
func (s *Service) Send(ctx context.Context, req dto.SendMessage) (dto.ChatMessage, error) {
	in, err := chat.NewMessage{
		RoomID:   chat.RoomID(strings.TrimSpace(req.RoomID)),
		SenderID: chat.ParticipantID(strings.TrimSpace(req.SenderID)),
		Body:     req.Body,
		ClientID: req.ClientID,
		At:       s.now(),
	}.Normalize()
	if err != nil {
		return dto.ChatMessage{}, err
	}

	var key string
	if in.ClientID != "" {
		key = sendKey(in)
		unlock := s.sendLocks.Lock(key)
		defer unlock()
		if msg, ok := s.recalled(ctx, key); ok {
			s.logger.Debug("duplicate send", "room_id", msg.RoomID, "message_id", msg.ID, "client_id", in.ClientID)
			return msg, nil
		}
	}

	// Appends and their notifications leave this node in store order.
	unlockRoom := s.roomLocks.Lock(string(in.RoomID))
	var msg chat.Message
	err = s.call(ctx, "append message", func(ctx context.Context) error {
		var err error
		msg, err = s.store.Append(ctx, in)
		return err
	})
	if err != nil {
		unlockRoom()
		return dto.ChatMessage{}, err
	}
	out := messageDTO(msg, participant.Resolve(ctx, s.directory, string(msg.SenderID)))
	s.publishMessage(ctx, out)
	unlockRoom()

	if key != "" {
		s.remember(ctx, key, out)
	}
	return out, nil
}

// SendAsCustomer sends into the customer's open room, creating it when needed.
// A room closed between lookup and append fails with ErrRoomClosed; starting
// a new room is left to the caller.
func (s *Service) SendAsCustomer(ctx context.Context, customerID, body, clientID string) (dto.ChatMessage, error) {
	if strings.TrimSpace(body) == "" {
		return dto.ChatMessage{}, chat.ErrEmptyBody
	}
	room, err := s.GetOrCreateOpenRoom(ctx, customerID)
	if err != nil {
		return dto.ChatMessage{}, err
	}
	return s.Send(ctx, dto.SendMessage{
		RoomID:   room.ID,
		SenderID: customerID,
		Body:     body,
		ClientID: clientID,
	})
}

func (s *Service) publishMessage(ctx context.Context, msg dto.ChatMessage) {
	ev := realtime.NewEvent(realtime.KindMessageAppended, realtime.RoomTopic(msg.RoomID), msg.RoomID, msg.CreatedAt)
	m := msg
	ev.Message = &m
	s.publish(ctx, ev)

	activity := realtime.NewEvent(realtime.KindRoomActivity, realtime.IndexTopic, msg.RoomID, msg.CreatedAt)
	activity.Room = &dto.Room{
		ID:             msg.RoomID,
		Status:         string(chat.RoomOpen),
		LastActivityAt: msg.CreatedAt,
		LastSenderID:   msg.SenderID,
	}
	s.publish(ctx, activity)
}

// ListMessages returns one page of a room's messages after cursor.
func (s *Service) ListMessages(ctx context.Context, roomID, cursor string, limit int) (dto.ChatMessageList, error) {
	id, err := roomIDFrom(roomID)
	if err != nil {
		return dto.ChatMessageList{}, err
	}
	after, err := chat.ParseCursor(cursor)
	if err != nil {
		return dto.ChatMessageList{}, err
	}
	var page chat.Page
	err = s.call(ctx, "list messages", func(ctx context.Context) error {
		var err error
		page, err = s.store.ListMessages(ctx, id, chat.PageRequest{After: after, Limit: limit})
		return err
	})
	if err != nil {
		return dto.ChatMessageList{}, err
	}
	profiles := make(map[chat.ParticipantID]participant.Profile)
	out := dto.ChatMessageList{Items: make([]dto.ChatMessage, 0, len(page.Messages))}
	for _, msg := range page.Messages {
		profile, ok := profiles[msg.SenderID]
		if !ok {
			profile = participant.Resolve(ctx, s.directory, string(msg.SenderID))
			profiles[msg.SenderID] = profile
		}
		out.Items = append(out.Items, messageDTO(msg, profile))
	}
	if page.HasMore() {
		out.NextCursor = page.Next.String()
	}
	return out, nil
}

// AllMessages walks every page of a room.
func (s *Service) AllMessages(ctx context.Context, roomID string) ([]dto.ChatMessage, error) {
	var (
		all    []dto.ChatMessage
		cursor string
	)
	for {
		page, err := s.ListMessages(ctx, roomID, cursor, chat.MaxPageSize)
		if err != nil {
			return nil, fmt.Errorf("list messages of %s: %w", roomID, err)
		}
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}
