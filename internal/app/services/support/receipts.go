package support

import (
	"context"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/domain/chat"
)

// MarkRead flags every message in the room not authored by readerID as read.
// Calling it again is harmless.
func (s *Service) MarkRead(ctx context.Context, roomID, readerID string) (dto.ReadReceipt, error) {
	id, err := roomIDFrom(roomID)
	if err != nil {
		return dto.ReadReceipt{}, err
	}
	reader, err := participantID(readerID)
	if err != nil {
		return dto.ReadReceipt{}, err
	}
	var mark chat.ReadMark
	err = s.call(ctx, "mark read", func(ctx context.Context) error {
		var err error
		mark, err = s.store.MarkRead(ctx, id, reader)
		return err
	})
	if err != nil {
		return dto.ReadReceipt{}, err
	}
	receipt := dto.ReadReceipt{
		RoomID:   string(id),
		ReaderID: string(reader),
		Marked:   mark.Marked,
		UpTo:     mark.UpTo.String(),
		At:       s.now().UTC(),
	}
	if mark.Marked > 0 {
		for _, topic := range []realtime.Topic{realtime.RoomTopic(receipt.RoomID), realtime.IndexTopic} {
			ev := realtime.NewEvent(realtime.KindMessagesRead, topic, receipt.RoomID, receipt.At)
			r := receipt
			ev.Receipt = &r
			s.publish(ctx, ev)
		}
	}
	return receipt, nil
}

// UnreadCount counts unread messages in the room not authored by readerID.
func (s *Service) UnreadCount(ctx context.Context, roomID, readerID string) (int, error) {
	id, err := roomIDFrom(roomID)
	if err != nil {
		return 0, err
	}
	reader, err := participantID(readerID)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.call(ctx, "unread count", func(ctx context.Context) error {
		var err error
		count, err = s.store.UnreadCount(ctx, id, reader)
		return err
	})
	return count, err
}
