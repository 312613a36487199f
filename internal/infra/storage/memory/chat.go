package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"supportchat/internal/domain/chat"
)

// ChatStore keeps rooms and messages in process memory. A single lock covers
// both so that appends, closes and assignments are atomic with each other.
type ChatStore struct {
	mu       sync.RWMutex
	rooms    map[chat.RoomID]*chat.Room
	open     map[chat.ParticipantID]chat.RoomID
	messages map[chat.RoomID][]chat.Message
}

func NewChatStore() *ChatStore {
	return &ChatStore{
		rooms:    make(map[chat.RoomID]*chat.Room),
		open:     make(map[chat.ParticipantID]chat.RoomID),
		messages: make(map[chat.RoomID][]chat.Message),
	}
}

func (s *ChatStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *ChatStore) GetOrCreateOpen(ctx context.Context, customer chat.ParticipantID, at time.Time) (chat.Room, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Room{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.open[customer]; ok {
		return *s.rooms[id], false, nil
	}
	room, err := s.insertLocked(customer, "", at)
	if err != nil {
		return chat.Room{}, false, err
	}
	return room, true, nil
}

func (s *ChatStore) CreateOpen(ctx context.Context, customer, staff chat.ParticipantID, at time.Time) (chat.Room, error) {
	if err := ctx.Err(); err != nil {
		return chat.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.open[customer]; ok {
		return chat.Room{}, &chat.AlreadyOpenError{Room: *s.rooms[id]}
	}
	return s.insertLocked(customer, staff, at)
}

func (s *ChatStore) insertLocked(customer, staff chat.ParticipantID, at time.Time) (chat.Room, error) {
	room, err := chat.NewRoom("", customer, staff, at)
	if err != nil {
		return chat.Room{}, err
	}
	s.rooms[room.ID] = &room
	s.open[customer] = room.ID
	return room, nil
}

func (s *ChatStore) ByID(ctx context.Context, id chat.RoomID) (chat.Room, error) {
	if err := ctx.Err(); err != nil {
		return chat.Room{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return chat.Room{}, chat.ErrNotFound
	}
	return *room, nil
}

func (s *ChatStore) Close(ctx context.Context, id chat.RoomID, at time.Time) (chat.Room, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Room{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return chat.Room{}, false, chat.ErrNotFound
	}
	changed := room.Close(at)
	if changed && s.open[room.CustomerID] == id {
		delete(s.open, room.CustomerID)
	}
	return *room, changed, nil
}

func (s *ChatStore) Assign(ctx context.Context, id chat.RoomID, staff chat.ParticipantID) (chat.Room, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Room{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return chat.Room{}, false, chat.ErrNotFound
	}
	assigned := room.Assign(staff)
	return *room, assigned, nil
}

func (s *ChatStore) ListRooms(ctx context.Context, filter chat.RoomFilter) ([]chat.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]chat.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		if filter.Matches(*room) {
			out = append(out, *room)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *ChatStore) Append(ctx context.Context, in chat.NewMessage) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	in, err := in.Normalize()
	if err != nil {
		return chat.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[in.RoomID]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	if !room.IsOpen() {
		return chat.Message{}, chat.ErrRoomClosed
	}
	msg := in.Build(room.Touch(in.At))
	msgs := s.messages[in.RoomID]
	idx := sort.Search(len(msgs), func(i int) bool { return msg.Before(msgs[i]) })
	msgs = append(msgs, chat.Message{})
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = msg
	s.messages[in.RoomID] = msgs
	return msg, nil
}

func (s *ChatStore) ListMessages(ctx context.Context, room chat.RoomID, page chat.PageRequest) (chat.Page, error) {
	if err := ctx.Err(); err != nil {
		return chat.Page{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rooms[room]; !ok {
		return chat.Page{}, chat.ErrNotFound
	}
	return chat.Paginate(s.messages[room], page), nil
}

func (s *ChatStore) MarkRead(ctx context.Context, room chat.RoomID, reader chat.ParticipantID) (chat.ReadMark, error) {
	if err := ctx.Err(); err != nil {
		return chat.ReadMark{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return chat.ReadMark{}, chat.ErrNotFound
	}
	msgs := s.messages[room]
	var mark chat.ReadMark
	for i := range msgs {
		if msgs[i].UnreadFor(reader) {
			msgs[i].Read = true
			mark.Marked++
			mark.UpTo = msgs[i].Key()
		}
	}
	return mark, nil
}

func (s *ChatStore) UnreadCount(ctx context.Context, room chat.RoomID, reader chat.ParticipantID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rooms[room]; !ok {
		return 0, chat.ErrNotFound
	}
	count := 0
	for _, msg := range s.messages[room] {
		if msg.UnreadFor(reader) {
			count++
		}
	}
	return count, nil
}

var _ chat.Store = (*ChatStore)(nil)
