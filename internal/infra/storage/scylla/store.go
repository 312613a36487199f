package scylla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"supportchat/internal/domain/chat"
)

const (
	casRetries = 8
	casPause   = 15 * time.Millisecond
	// appendLease bounds how long a crashed appender can hold up a close.
	appendLease = 5 * time.Second

	roomColumns = `id, customer_id, staff_id, status, created_at, last_activity_at, closed_at, append_lease, lease_until`
)

// Store keeps rooms and messages in Scylla. Room lifecycle changes use
// lightweight transactions: open_rooms holds the per-customer claim and rooms
// rows are updated with IF conditions.
//
// Scylla cannot make the rooms update and the message insert one atomic
// write, so an append holds a lease on the room row (append_lease) while it
// inserts. Close first records closed_at, which stops new leases, then waits
// for the current lease before flipping status. A message whose append
// returned successfully is therefore always in the room when Close returns.
type Store struct {
	session *gocql.Session
	logger  *slog.Logger
}

func NewStore(session *gocql.Session, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{session: session, logger: logger}
}

func (s *Store) Ping(ctx context.Context) error {
	var version string
	err := s.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Consistency(gocql.One).Scan(&version)
	return wrapErr("ping", err)
}

func (s *Store) GetOrCreateOpen(ctx context.Context, customer chat.ParticipantID, at time.Time) (chat.Room, bool, error) {
	return s.claim(ctx, customer, "", at, false)
}

func (s *Store) CreateOpen(ctx context.Context, customer, staff chat.ParticipantID, at time.Time) (chat.Room, error) {
	room, _, err := s.claim(ctx, customer, staff, at, true)
	return room, err
}

// claim takes the customer's open_rooms slot for a new room. When the slot is
// held by an open room that room is returned, or reported as AlreadyOpenError
// when exclusive is set. A slot left behind by a closed room is released.
func (s *Store) claim(ctx context.Context, customer, staff chat.ParticipantID, at time.Time, exclusive bool) (chat.Room, bool, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		room, err := chat.NewRoom("", customer, staff, at)
		if err != nil {
			return chat.Room{}, false, err
		}
		current := map[string]interface{}{}
		applied, err := s.session.
			Query(`INSERT INTO open_rooms (customer_id, room_id) VALUES (?, ?) IF NOT EXISTS`, string(customer), string(room.ID)).
			WithContext(ctx).
			MapScanCAS(current)
		if err != nil {
			return chat.Room{}, false, wrapErr("claim open room", err)
		}
		if applied {
			if err := s.insertRoom(ctx, room); err != nil {
				return chat.Room{}, false, err
			}
			return room, true, nil
		}

		holder, _ := current["room_id"].(string)
		existing, err := s.ByID(ctx, chat.RoomID(holder))
		switch {
		case errors.Is(err, chat.ErrNotFound):
			// The claimer has not written its row yet.
			if err := pause(ctx); err != nil {
				return chat.Room{}, false, err
			}
			continue
		case err != nil:
			return chat.Room{}, false, err
		case existing.IsOpen() && !existing.ClosedAt.IsZero():
			// A close was interrupted half way; finish it first.
			if _, _, err := s.Close(ctx, existing.ID, existing.ClosedAt); err != nil {
				return chat.Room{}, false, err
			}
			continue
		case !existing.IsOpen():
			if err := s.release(ctx, customer, existing.ID); err != nil {
				return chat.Room{}, false, err
			}
			continue
		case exclusive:
			return chat.Room{}, false, &chat.AlreadyOpenError{Room: existing}
		default:
			return existing, false, nil
		}
	}
	return chat.Room{}, false, chat.StoreUnavailable("claim open room", errors.New("open room keeps changing"))
}

func (s *Store) insertRoom(ctx context.Context, room chat.Room) error {
	err := s.session.
		Query(`INSERT INTO rooms (`+roomColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(room.ID), string(room.CustomerID), string(room.StaffID), string(room.Status),
			room.CreatedAt.UnixNano(), room.LastActivityAt.UnixNano(), int64(0), "", int64(0)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec()
	return wrapErr("insert room", err)
}

func (s *Store) release(ctx context.Context, customer chat.ParticipantID, room chat.RoomID) error {
	_, err := s.session.
		Query(`DELETE FROM open_rooms WHERE customer_id = ? IF room_id = ?`, string(customer), string(room)).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	return wrapErr("release open room", err)
}

func (s *Store) ByID(ctx context.Context, id chat.RoomID) (chat.Room, error) {
	row, err := s.row(ctx, id)
	if err != nil {
		return chat.Room{}, err
	}
	return row.toRoom(), nil
}

func (s *Store) row(ctx context.Context, id chat.RoomID) (roomRow, error) {
	var row roomRow
	err := s.session.
		Query(`SELECT `+roomColumns+` FROM rooms WHERE id = ?`, string(id)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Scan(row.dest()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return roomRow{}, chat.ErrNotFound
	}
	if err != nil {
		return roomRow{}, wrapErr("find room", err)
	}
	return row, nil
}

func (s *Store) Close(ctx context.Context, id chat.RoomID, at time.Time) (chat.Room, bool, error) {
	row, err := s.row(ctx, id)
	if err != nil {
		return chat.Room{}, false, err
	}
	if row.status == string(chat.RoomOpen) && row.closed == 0 {
		_, err := s.session.
			Query(`UPDATE rooms SET closed_at = ? WHERE id = ? IF status = ? AND closed_at = ?`,
				at.UTC().UnixNano(), string(id), string(chat.RoomOpen), int64(0)).
			WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return chat.Room{}, false, wrapErr("begin close", err)
		}
	}

	applied := false
	for !applied {
		row, err = s.row(ctx, id)
		if err != nil {
			return chat.Room{}, false, err
		}
		if row.status != string(chat.RoomOpen) {
			break
		}
		if row.leased(time.Now()) {
			if err := pause(ctx); err != nil {
				return chat.Room{}, false, err
			}
			continue
		}
		applied, err = s.session.
			Query(`UPDATE rooms SET status = ?, append_lease = ?, lease_until = ? WHERE id = ? IF status = ? AND append_lease = ?`,
				string(chat.RoomClosed), "", int64(0), string(id), string(chat.RoomOpen), row.lease).
			WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return chat.Room{}, false, wrapErr("close room", err)
		}
	}
	if err := s.release(ctx, chat.ParticipantID(row.customer), id); err != nil {
		s.logger.Warn("release open room slot failed", "error", err, "room_id", id)
	}
	room, err := s.ByID(ctx, id)
	if err != nil {
		return chat.Room{}, false, err
	}
	return room, applied, nil
}

func (s *Store) Assign(ctx context.Context, id chat.RoomID, staff chat.ParticipantID) (chat.Room, bool, error) {
	if _, err := s.ByID(ctx, id); err != nil {
		return chat.Room{}, false, err
	}
	applied := false
	if staff != "" {
		var err error
		applied, err = s.session.
			Query(`UPDATE rooms SET staff_id = ? WHERE id = ? IF status = ? AND staff_id = ?`,
				string(staff), string(id), string(chat.RoomOpen), "").
			WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return chat.Room{}, false, wrapErr("assign room", err)
		}
	}
	room, err := s.ByID(ctx, id)
	return room, applied, err
}

// ListRooms scans the rooms table. Support volumes keep it small enough to
// filter and order in process.
func (s *Store) ListRooms(ctx context.Context, filter chat.RoomFilter) ([]chat.Room, error) {
	iter := s.session.
		Query(`SELECT `+roomColumns+` FROM rooms`).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	var (
		row   roomRow
		rooms []chat.Room
	)
	for iter.Scan(row.dest()...) {
		room := row.toRoom()
		if filter.Matches(room) {
			rooms = append(rooms, room)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, wrapErr("list rooms", err)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].LastActivityAt.Equal(rooms[j].LastActivityAt) {
			return rooms[i].LastActivityAt.After(rooms[j].LastActivityAt)
		}
		return rooms[i].ID < rooms[j].ID
	})
	if filter.Limit > 0 && len(rooms) > filter.Limit {
		rooms = rooms[:filter.Limit]
	}
	return rooms, nil
}

// Append takes the room's append lease together with the last_activity_at
// compare-and-set, inserts the message and hands the lease back. The lease
// condition fails once a close has begun.
func (s *Store) Append(ctx context.Context, in chat.NewMessage) (chat.Message, error) {
	in, err := in.Normalize()
	if err != nil {
		return chat.Message{}, err
	}
	for attempt := 0; attempt < casRetries*4; attempt++ {
		row, err := s.row(ctx, in.RoomID)
		if err != nil {
			return chat.Message{}, err
		}
		if row.status != string(chat.RoomOpen) || row.closed != 0 {
			return chat.Message{}, chat.ErrRoomClosed
		}
		if row.leased(time.Now()) {
			if err := pause(ctx); err != nil {
				return chat.Message{}, err
			}
			continue
		}
		room := row.toRoom()
		msg := in.Build(room.Touch(in.At))
		applied, err := s.session.
			Query(`UPDATE rooms SET last_activity_at = ?, append_lease = ?, lease_until = ? WHERE id = ? IF status = ? AND closed_at = ? AND last_activity_at = ? AND append_lease = ?`,
				msg.CreatedAt.UnixNano(), string(msg.ID), time.Now().Add(appendLease).UnixNano(),
				string(room.ID), string(chat.RoomOpen), int64(0), row.active, row.lease).
			WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return chat.Message{}, wrapErr("lease room", err)
		}
		if !applied {
			continue
		}
		return s.insertLeased(ctx, msg)
	}
	return chat.Message{}, chat.StoreUnavailable("append message", errors.New("room activity contended"))
}

// insertLeased writes msg while its append lease is held and then returns
// the lease. A lease lost to expiry means a close may already have
// snapshotted the room, so the message is withdrawn.
func (s *Store) insertLeased(ctx context.Context, msg chat.Message) (chat.Message, error) {
	err := s.session.
		Query(`INSERT INTO room_messages (room_id, created_at, id, sender_id, body, read, client_id) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(msg.RoomID), msg.CreatedAt.UnixNano(), string(msg.ID), string(msg.SenderID), msg.Body, false, msg.ClientID).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec()
	if err != nil {
		if _, rerr := s.returnLease(ctx, msg); rerr != nil {
			s.logger.Warn("return append lease failed", "error", rerr, "room_id", msg.RoomID)
		}
		return chat.Message{}, wrapErr("insert message", err)
	}
	kept, err := s.returnLease(ctx, msg)
	if err != nil {
		// The lease expires on its own; the message is in place either way.
		s.logger.Warn("return append lease failed", "error", err, "room_id", msg.RoomID)
		return msg, nil
	}
	if !kept {
		derr := s.session.
			Query(`DELETE FROM room_messages WHERE room_id = ? AND created_at = ? AND id = ?`,
				string(msg.RoomID), msg.CreatedAt.UnixNano(), string(msg.ID)).
			WithContext(ctx).
			Consistency(gocql.Quorum).
			Exec()
		if derr != nil {
			s.logger.Error("withdraw message after lost lease failed", "error", derr, "room_id", msg.RoomID, "message_id", msg.ID)
		}
		return chat.Message{}, chat.StoreUnavailable("append message", errors.New("append lease expired"))
	}
	return msg, nil
}

func (s *Store) returnLease(ctx context.Context, msg chat.Message) (bool, error) {
	applied, err := s.session.
		Query(`UPDATE rooms SET append_lease = ?, lease_until = ? WHERE id = ? IF append_lease = ?`,
			"", int64(0), string(msg.RoomID), string(msg.ID)).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	return applied, wrapErr("return append lease", err)
}

func (s *Store) ListMessages(ctx context.Context, room chat.RoomID, page chat.PageRequest) (chat.Page, error) {
	if _, err := s.ByID(ctx, room); err != nil {
		return chat.Page{}, err
	}
	page = page.Normalized()
	var q *gocql.Query
	if page.After.IsZero() {
		q = s.session.Query(`SELECT room_id, created_at, id, sender_id, body, read, client_id FROM room_messages WHERE room_id = ? LIMIT ?`,
			string(room), page.Limit+1)
	} else {
		q = s.session.Query(`SELECT room_id, created_at, id, sender_id, body, read, client_id FROM room_messages WHERE room_id = ? AND (created_at, id) > (?, ?) LIMIT ?`,
			string(room), page.After.CreatedAt.UnixNano(), string(page.After.ID), page.Limit+1)
	}
	msgs, err := s.scanMessages(q.WithContext(ctx).Consistency(gocql.Quorum).Iter())
	if err != nil {
		return chat.Page{}, wrapErr("list messages", err)
	}
	return chat.Paginate(msgs, chat.PageRequest{Limit: page.Limit}), nil
}

// MarkRead flips each unread message with its own conditional update so
// concurrent readers never count the same message twice.
func (s *Store) MarkRead(ctx context.Context, room chat.RoomID, reader chat.ParticipantID) (chat.ReadMark, error) {
	unread, err := s.unread(ctx, room, reader)
	if err != nil {
		return chat.ReadMark{}, err
	}
	var mark chat.ReadMark
	for _, m := range unread {
		applied, err := s.session.
			Query(`UPDATE room_messages SET read = true WHERE room_id = ? AND created_at = ? AND id = ? IF read = false`,
				string(m.RoomID), m.CreatedAt.UnixNano(), string(m.ID)).
			WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return mark, wrapErr("mark read", err)
		}
		if applied {
			mark.Marked++
		}
		mark.UpTo = m.Key()
	}
	return mark, nil
}

func (s *Store) UnreadCount(ctx context.Context, room chat.RoomID, reader chat.ParticipantID) (int, error) {
	unread, err := s.unread(ctx, room, reader)
	return len(unread), err
}

func (s *Store) unread(ctx context.Context, room chat.RoomID, reader chat.ParticipantID) ([]chat.Message, error) {
	if _, err := s.ByID(ctx, room); err != nil {
		return nil, err
	}
	msgs, err := s.scanMessages(s.session.
		Query(`SELECT room_id, created_at, id, sender_id, body, read, client_id FROM room_messages WHERE room_id = ?`, string(room)).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Iter())
	if err != nil {
		return nil, wrapErr("scan unread", err)
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.UnreadFor(reader) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) scanMessages(iter *gocql.Iter) ([]chat.Message, error) {
	var (
		msgs                               []chat.Message
		roomID, id, sender, body, clientID string
		createdAt                          int64
		read                               bool
	)
	for iter.Scan(&roomID, &createdAt, &id, &sender, &body, &read, &clientID) {
		msgs = append(msgs, chat.Message{
			ID:        chat.MessageID(id),
			RoomID:    chat.RoomID(roomID),
			SenderID:  chat.ParticipantID(sender),
			Body:      body,
			CreatedAt: time.Unix(0, createdAt).UTC(),
			Read:      read,
			ClientID:  clientID,
		})
	}
	return msgs, iter.Close()
}

func pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return chat.StoreUnavailable("wait for room", ctx.Err())
	case <-time.After(casPause):
		return nil
	}
}

type roomRow struct {
	id, customer, staff, status string
	created, active, closed     int64
	lease                       string
	leaseUntil                  int64
}

func (r *roomRow) dest() []any {
	return []any{&r.id, &r.customer, &r.staff, &r.status, &r.created, &r.active, &r.closed, &r.lease, &r.leaseUntil}
}

// leased reports whether an append still holds the row at now.
func (r roomRow) leased(now time.Time) bool {
	return r.lease != "" && now.UnixNano() < r.leaseUntil
}

func (r roomRow) toRoom() chat.Room {
	room := chat.Room{
		ID:             chat.RoomID(r.id),
		CustomerID:     chat.ParticipantID(r.customer),
		StaffID:        chat.ParticipantID(r.staff),
		Status:         chat.RoomStatus(r.status),
		CreatedAt:      time.Unix(0, r.created).UTC(),
		LastActivityAt: time.Unix(0, r.active).UTC(),
	}
	if r.closed != 0 {
		room.ClosedAt = time.Unix(0, r.closed).UTC()
	}
	return room
}

// wrapErr marks coordinator timeouts and lost connections as retryable.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		writeTimeout *gocql.RequestErrWriteTimeout
		readTimeout  *gocql.RequestErrReadTimeout
		unavailable  *gocql.RequestErrUnavailable
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gocql.ErrTimeoutNoResponse),
		errors.Is(err, gocql.ErrNoConnections),
		errors.Is(err, gocql.ErrConnectionClosed),
		errors.As(err, &writeTimeout),
		errors.As(err, &readTimeout),
		errors.As(err, &unavailable):
		return chat.StoreUnavailable(op, err)
	}
	return fmt.Errorf("scylla: %s: %w", op, err)
}

var _ chat.Store = (*Store)(nil)
