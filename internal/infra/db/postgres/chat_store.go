package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"supportchat/internal/domain/chat"
)

const (
	createRetries = 3
	roomColumns   = "id, customer_id, staff_id, status, created_at, last_activity_at, closed_at"
)

// ChatStore keeps rooms and messages in PostgreSQL. Conditional updates carry
// the lifecycle rules; the partial unique index keeps one open room per customer.
type ChatStore struct {
	db *sql.DB
}

func NewChatStore(db *sql.DB) *ChatStore {
	return &ChatStore{db: db}
}

func (s *ChatStore) Ping(ctx context.Context) error {
	return wrapErr("ping", s.db.PingContext(ctx))
}

func (s *ChatStore) GetOrCreateOpen(ctx context.Context, customer chat.ParticipantID, at time.Time) (chat.Room, bool, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		room, inserted, err := s.insert(ctx, customer, "", at)
		if err != nil {
			return chat.Room{}, false, err
		}
		if inserted {
			return room, true, nil
		}
		room, err = s.openRoom(ctx, customer)
		if err == nil {
			return room, false, nil
		}
		if !errors.Is(err, chat.ErrNotFound) {
			return chat.Room{}, false, err
		}
	}
	return chat.Room{}, false, chat.StoreUnavailable("get or create room", errors.New("open room keeps changing"))
}

func (s *ChatStore) CreateOpen(ctx context.Context, customer, staff chat.ParticipantID, at time.Time) (chat.Room, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		room, inserted, err := s.insert(ctx, customer, staff, at)
		if err != nil {
			return chat.Room{}, err
		}
		if inserted {
			return room, nil
		}
		existing, err := s.openRoom(ctx, customer)
		if err == nil {
			return chat.Room{}, &chat.AlreadyOpenError{Room: existing}
		}
		if !errors.Is(err, chat.ErrNotFound) {
			return chat.Room{}, err
		}
	}
	return chat.Room{}, chat.StoreUnavailable("create room", errors.New("open room keeps changing"))
}

// insert reports inserted=false when the customer already has an open room.
func (s *ChatStore) insert(ctx context.Context, customer, staff chat.ParticipantID, at time.Time) (chat.Room, bool, error) {
	room, err := chat.NewRoom("", customer, staff, at)
	if err != nil {
		return chat.Room{}, false, err
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO chat_rooms (`+roomColumns+`) VALUES ($1, $2, $3, $4, $5, $6, 0)
		 ON CONFLICT (customer_id) WHERE status = 'open' DO NOTHING
		 RETURNING `+roomColumns,
		string(room.ID), string(room.CustomerID), string(room.StaffID), string(room.Status),
		room.CreatedAt.UnixNano(), room.LastActivityAt.UnixNano(),
	)
	stored, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Room{}, false, nil
	}
	if err != nil {
		return chat.Room{}, false, wrapErr("insert room", err)
	}
	return stored, true, nil
}

func (s *ChatStore) openRoom(ctx context.Context, customer chat.ParticipantID) (chat.Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms WHERE customer_id = $1 AND status = 'open'`, string(customer))
	return s.one(row, "find open room")
}

func (s *ChatStore) ByID(ctx context.Context, id chat.RoomID) (chat.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM chat_rooms WHERE id = $1`, string(id))
	return s.one(row, "find room")
}

func (s *ChatStore) one(row *sql.Row, op string) (chat.Room, error) {
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Room{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Room{}, wrapErr(op, err)
	}
	return room, nil
}

func (s *ChatStore) Close(ctx context.Context, id chat.RoomID, at time.Time) (chat.Room, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE chat_rooms SET status = 'closed', closed_at = $2
		 WHERE id = $1 AND status = 'open'
		 RETURNING `+roomColumns,
		string(id), at.UTC().UnixNano())
	return s.transition(ctx, id, row, "close room")
}

func (s *ChatStore) Assign(ctx context.Context, id chat.RoomID, staff chat.ParticipantID) (chat.Room, bool, error) {
	if staff == "" {
		room, err := s.ByID(ctx, id)
		return room, false, err
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE chat_rooms SET staff_id = $2
		 WHERE id = $1 AND status = 'open' AND staff_id = ''
		 RETURNING `+roomColumns,
		string(id), string(staff))
	return s.transition(ctx, id, row, "assign room")
}

func (s *ChatStore) transition(ctx context.Context, id chat.RoomID, row *sql.Row, op string) (chat.Room, bool, error) {
	room, err := scanRoom(row)
	if err == nil {
		return room, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return chat.Room{}, false, wrapErr(op, err)
	}
	room, err = s.ByID(ctx, id)
	return room, false, err
}

func (s *ChatStore) ListRooms(ctx context.Context, filter chat.RoomFilter) ([]chat.Room, error) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		args = append(args, value)
		where = append(where, column+" = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.StaffID != "" {
		add("staff_id", string(filter.StaffID))
	}
	if filter.CustomerID != "" {
		add("customer_id", string(filter.CustomerID))
	}
	query := `SELECT ` + roomColumns + ` FROM chat_rooms`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY last_activity_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list rooms", err)
	}
	defer rows.Close()
	var out []chat.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, wrapErr("scan room", err)
		}
		out = append(out, room)
	}
	return out, wrapErr("list rooms", rows.Err())
}

// Append advances the room's activity and inserts the message in one
// statement. The row lock taken by the UPDATE orders concurrent appends and
// closes on the same room.
func (s *ChatStore) Append(ctx context.Context, in chat.NewMessage) (chat.Message, error) {
	in, err := in.Normalize()
	if err != nil {
		return chat.Message{}, err
	}
	msg := in.Build(in.At)
	var createdAt int64
	err = s.db.QueryRowContext(ctx,
		`WITH room AS (
		     UPDATE chat_rooms SET last_activity_at = GREATEST(last_activity_at, $2)
		     WHERE id = $1 AND status = 'open'
		     RETURNING last_activity_at
		 )
		 INSERT INTO chat_messages (id, room_id, sender_id, body, created_at, read, client_id)
		 SELECT $3, $1, $4, $5, room.last_activity_at, FALSE, $6 FROM room
		 RETURNING created_at`,
		string(in.RoomID), in.At.UnixNano(), string(msg.ID), string(msg.SenderID), msg.Body, msg.ClientID,
	).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		room, err := s.ByID(ctx, in.RoomID)
		if err != nil {
			return chat.Message{}, err
		}
		if !room.IsOpen() {
			return chat.Message{}, chat.ErrRoomClosed
		}
		return chat.Message{}, chat.StoreUnavailable("append message", errors.New("room changed during append"))
	}
	if err != nil {
		return chat.Message{}, wrapErr("append message", err)
	}
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	return msg, nil
}

func (s *ChatStore) ListMessages(ctx context.Context, room chat.RoomID, page chat.PageRequest) (chat.Page, error) {
	if _, err := s.ByID(ctx, room); err != nil {
		return chat.Page{}, err
	}
	page = page.Normalized()
	query := `SELECT id, room_id, sender_id, body, created_at, read, client_id FROM chat_messages WHERE room_id = $1`
	args := []any{string(room)}
	if !page.After.IsZero() {
		query += ` AND (created_at, id) > ($2, $3)`
		args = append(args, page.After.CreatedAt.UnixNano(), string(page.After.ID))
	}
	args = append(args, page.Limit+1)
	query += ` ORDER BY created_at, id LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return chat.Page{}, wrapErr("list messages", err)
	}
	defer rows.Close()
	var msgs []chat.Message
	for rows.Next() {
		var (
			m         chat.Message
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &createdAt, &m.Read, &m.ClientID); err != nil {
			return chat.Page{}, wrapErr("scan message", err)
		}
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return chat.Page{}, wrapErr("list messages", err)
	}
	return chat.Paginate(msgs, chat.PageRequest{Limit: page.Limit}), nil
}

func (s *ChatStore) MarkRead(ctx context.Context, room chat.RoomID, reader chat.ParticipantID) (chat.ReadMark, error) {
	if _, err := s.ByID(ctx, room); err != nil {
		return chat.ReadMark{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE chat_messages SET read = TRUE WHERE room_id = $1 AND NOT read AND sender_id <> $2
		 RETURNING created_at, id`,
		string(room), string(reader))
	if err != nil {
		return chat.ReadMark{}, wrapErr("mark read", err)
	}
	defer rows.Close()
	var mark chat.ReadMark
	for rows.Next() {
		var (
			createdAt int64
			id        string
		)
		if err := rows.Scan(&createdAt, &id); err != nil {
			return chat.ReadMark{}, wrapErr("scan read mark", err)
		}
		mark.Marked++
		key := chat.Cursor{CreatedAt: time.Unix(0, createdAt).UTC(), ID: chat.MessageID(id)}
		if mark.UpTo.Less(key) {
			mark.UpTo = key
		}
	}
	if err := rows.Err(); err != nil {
		return chat.ReadMark{}, wrapErr("mark read", err)
	}
	return mark, nil
}

func (s *ChatStore) UnreadCount(ctx context.Context, room chat.RoomID, reader chat.ParticipantID) (int, error) {
	if _, err := s.ByID(ctx, room); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE room_id = $1 AND NOT read AND sender_id <> $2`,
		string(room), string(reader)).Scan(&n)
	if err != nil {
		return 0, wrapErr("count unread", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (chat.Room, error) {
	var (
		r                               chat.Room
		createdAt, lastActive, closedAt int64
	)
	if err := row.Scan(&r.ID, &r.CustomerID, &r.StaffID, &r.Status, &createdAt, &lastActive, &closedAt); err != nil {
		return chat.Room{}, err
	}
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.LastActivityAt = time.Unix(0, lastActive).UTC()
	if closedAt != 0 {
		r.ClosedAt = time.Unix(0, closedAt).UTC()
	}
	return r, nil
}

var _ chat.Store = (*ChatStore)(nil)
