package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"supportchat/internal/domain/chat"
)

const createRetries = 3

// ChatStore keeps rooms and messages in MongoDB. One open room per customer is
// enforced by a partial unique index; appends run in a transaction, so the
// deployment must be a replica set.
type ChatStore struct {
	db       *mongo.Database
	rooms    *mongo.Collection
	messages *mongo.Collection
}

func NewChatStore(db *mongo.Database) *ChatStore {
	return &ChatStore{
		db:       db,
		rooms:    db.Collection("chat_rooms"),
		messages: db.Collection("chat_messages"),
	}
}

// EnsureIndexes creates the indexes the store relies on for correctness.
func (s *ChatStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.rooms.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "customer_id", Value: 1}},
			Options: options.Index().
				SetName("one_open_room_per_customer").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(chat.RoomOpen)}),
		},
		{Keys: bson.D{{Key: "last_activity_at", Value: -1}}},
	})
	if err != nil {
		return wrapErr("create room indexes", err)
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
	})
	return wrapErr("create message indexes", err)
}

func (s *ChatStore) Ping(ctx context.Context) error {
	return wrapErr("ping", s.db.Client().Ping(ctx, nil))
}

func (s *ChatStore) GetOrCreateOpen(ctx context.Context, customer chat.ParticipantID, at time.Time) (chat.Room, bool, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		room, err := s.openRoom(ctx, customer)
		if err == nil {
			return room, false, nil
		}
		if !errors.Is(err, chat.ErrNotFound) {
			return chat.Room{}, false, err
		}
		room, err = s.insert(ctx, customer, "", at)
		if err == nil {
			return room, true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return chat.Room{}, false, wrapErr("insert room", err)
		}
	}
	return chat.Room{}, false, chat.StoreUnavailable("get or create room", errors.New("open room keeps changing"))
}

func (s *ChatStore) CreateOpen(ctx context.Context, customer, staff chat.ParticipantID, at time.Time) (chat.Room, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		room, err := s.insert(ctx, customer, staff, at)
		if err == nil {
			return room, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return chat.Room{}, wrapErr("insert room", err)
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

func (s *ChatStore) insert(ctx context.Context, customer, staff chat.ParticipantID, at time.Time) (chat.Room, error) {
	room, err := chat.NewRoom("", customer, staff, at)
	if err != nil {
		return chat.Room{}, err
	}
	if _, err := s.rooms.InsertOne(ctx, newRoomDocument(room)); err != nil {
		return chat.Room{}, err
	}
	return room, nil
}

func (s *ChatStore) openRoom(ctx context.Context, customer chat.ParticipantID) (chat.Room, error) {
	return s.findRoom(ctx, bson.M{"customer_id": string(customer), "status": string(chat.RoomOpen)})
}

func (s *ChatStore) findRoom(ctx context.Context, filter bson.M) (chat.Room, error) {
	var doc roomDocument
	if err := s.rooms.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return chat.Room{}, chat.ErrNotFound
		}
		return chat.Room{}, wrapErr("find room", err)
	}
	return doc.toRoom(), nil
}

func (s *ChatStore) ByID(ctx context.Context, id chat.RoomID) (chat.Room, error) {
	return s.findRoom(ctx, bson.M{"_id": string(id)})
}

func (s *ChatStore) Close(ctx context.Context, id chat.RoomID, at time.Time) (chat.Room, bool, error) {
	filter := bson.M{"_id": string(id), "status": string(chat.RoomOpen)}
	update := bson.M{"$set": bson.M{"status": string(chat.RoomClosed), "closed_at": at.UTC().UnixNano()}}
	return s.transition(ctx, id, filter, update, "close room")
}

func (s *ChatStore) Assign(ctx context.Context, id chat.RoomID, staff chat.ParticipantID) (chat.Room, bool, error) {
	if staff == "" {
		room, err := s.ByID(ctx, id)
		return room, false, err
	}
	filter := bson.M{"_id": string(id), "status": string(chat.RoomOpen), "staff_id": ""}
	update := bson.M{"$set": bson.M{"staff_id": string(staff)}}
	return s.transition(ctx, id, filter, update, "assign room")
}

// transition applies a conditional update. When the condition no longer holds
// the current room is returned with changed=false.
func (s *ChatStore) transition(ctx context.Context, id chat.RoomID, filter, update bson.M, op string) (chat.Room, bool, error) {
	var doc roomDocument
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := s.rooms.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toRoom(), true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Room{}, false, wrapErr(op, err)
	}
	room, err := s.ByID(ctx, id)
	return room, false, err
}

func (s *ChatStore) ListRooms(ctx context.Context, filter chat.RoomFilter) ([]chat.Room, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.StaffID != "" {
		query["staff_id"] = string(filter.StaffID)
	}
	if filter.CustomerID != "" {
		query["customer_id"] = string(filter.CustomerID)
	}
	opts := options.Find().SetSort(bson.D{{Key: "last_activity_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := s.rooms.Find(ctx, query, opts)
	if err != nil {
		return nil, wrapErr("list rooms", err)
	}
	var docs []roomDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapErr("decode rooms", err)
	}
	out := make([]chat.Room, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toRoom())
	}
	return out, nil
}

func (s *ChatStore) Append(ctx context.Context, in chat.NewMessage) (chat.Message, error) {
	in, err := in.Normalize()
	if err != nil {
		return chat.Message{}, err
	}
	session, err := s.db.Client().StartSession()
	if err != nil {
		return chat.Message{}, wrapErr("start session", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		room, err := s.ByID(sc, in.RoomID)
		if err != nil {
			return nil, err
		}
		if !room.IsOpen() {
			return nil, chat.ErrRoomClosed
		}
		msg := in.Build(room.Touch(in.At))
		res, err := s.rooms.UpdateOne(sc,
			bson.M{"_id": string(room.ID), "status": string(chat.RoomOpen)},
			bson.M{"$max": bson.M{"last_activity_at": msg.CreatedAt.UnixNano()}},
		)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, chat.ErrRoomClosed
		}
		if _, err := s.messages.InsertOne(sc, newMessageDocument(msg)); err != nil {
			return nil, err
		}
		return msg, nil
	})
	if err != nil {
		if errors.Is(err, chat.ErrRoomClosed) || errors.Is(err, chat.ErrNotFound) || chat.IsTransient(err) {
			return chat.Message{}, err
		}
		return chat.Message{}, wrapErr("append message", err)
	}
	return result.(chat.Message), nil
}

func (s *ChatStore) ListMessages(ctx context.Context, room chat.RoomID, page chat.PageRequest) (chat.Page, error) {
	if _, err := s.ByID(ctx, room); err != nil {
		return chat.Page{}, err
	}
	page = page.Normalized()
	filter := bson.M{"room_id": string(room)}
	if !page.After.IsZero() {
		after := page.After.CreatedAt.UnixNano()
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$gt": after}},
			bson.M{"created_at": after, "_id": bson.M{"$gt": string(page.After.ID)}},
		}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(page.Limit + 1))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return chat.Page{}, wrapErr("list messages", err)
	}
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return chat.Page{}, wrapErr("decode messages", err)
	}
	msgs := make([]chat.Message, 0, len(docs))
	for _, doc := range docs {
		msgs = append(msgs, doc.toMessage())
	}
	return chat.Paginate(msgs, chat.PageRequest{Limit: page.Limit}), nil
}

// MarkRead finds the newest unread message first and flips everything up to
// it, so the returned mark never covers a message appended meanwhile.
func (s *ChatStore) MarkRead(ctx context.Context, room chat.RoomID, reader chat.ParticipantID) (chat.ReadMark, error) {
	if _, err := s.ByID(ctx, room); err != nil {
		return chat.ReadMark{}, err
	}
	var newest messageDocument
	err := s.messages.FindOne(ctx, unreadFilter(room, reader),
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&newest)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.ReadMark{}, nil
	}
	if err != nil {
		return chat.ReadMark{}, wrapErr("find newest unread", err)
	}
	filter := unreadFilter(room, reader)
	filter["$or"] = bson.A{
		bson.M{"created_at": bson.M{"$lt": newest.CreatedAt}},
		bson.M{"created_at": newest.CreatedAt, "_id": bson.M{"$lte": newest.ID}},
	}
	res, err := s.messages.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return chat.ReadMark{}, wrapErr("mark read", err)
	}
	return chat.ReadMark{Marked: int(res.ModifiedCount), UpTo: newest.toMessage().Key()}, nil
}

func (s *ChatStore) UnreadCount(ctx context.Context, room chat.RoomID, reader chat.ParticipantID) (int, error) {
	if _, err := s.ByID(ctx, room); err != nil {
		return 0, err
	}
	n, err := s.messages.CountDocuments(ctx, unreadFilter(room, reader))
	if err != nil {
		return 0, wrapErr("count unread", err)
	}
	return int(n), nil
}

func unreadFilter(room chat.RoomID, reader chat.ParticipantID) bson.M {
	return bson.M{"room_id": string(room), "read": false, "sender_id": bson.M{"$ne": string(reader)}}
}

var _ chat.Store = (*ChatStore)(nil)

type roomDocument struct {
	ID             string `bson:"_id"`
	CustomerID     string `bson:"customer_id"`
	StaffID        string `bson:"staff_id"`
	Status         string `bson:"status"`
	CreatedAt      int64  `bson:"created_at"`
	LastActivityAt int64  `bson:"last_activity_at"`
	ClosedAt       int64  `bson:"closed_at"`
}

func newRoomDocument(r chat.Room) roomDocument {
	return roomDocument{
		ID:             string(r.ID),
		CustomerID:     string(r.CustomerID),
		StaffID:        string(r.StaffID),
		Status:         string(r.Status),
		CreatedAt:      r.CreatedAt.UnixNano(),
		LastActivityAt: r.LastActivityAt.UnixNano(),
		ClosedAt:       nanosOrZero(r.ClosedAt),
	}
}

func (d roomDocument) toRoom() chat.Room {
	return chat.Room{
		ID:             chat.RoomID(d.ID),
		CustomerID:     chat.ParticipantID(d.CustomerID),
		StaffID:        chat.ParticipantID(d.StaffID),
		Status:         chat.RoomStatus(d.Status),
		CreatedAt:      nanosToTime(d.CreatedAt),
		LastActivityAt: nanosToTime(d.LastActivityAt),
		ClosedAt:       nanosToTime(d.ClosedAt),
	}
}

type messageDocument struct {
	ID        string `bson:"_id"`
	RoomID    string `bson:"room_id"`
	SenderID  string `bson:"sender_id"`
	Body      string `bson:"body"`
	CreatedAt int64  `bson:"created_at"`
	Read      bool   `bson:"read"`
	ClientID  string `bson:"client_id,omitempty"`
}

func newMessageDocument(m chat.Message) messageDocument {
	return messageDocument{
		ID:        string(m.ID),
		RoomID:    string(m.RoomID),
		SenderID:  string(m.SenderID),
		Body:      m.Body,
		CreatedAt: m.CreatedAt.UnixNano(),
		Read:      m.Read,
		ClientID:  m.ClientID,
	}
}

func (d messageDocument) toMessage() chat.Message {
	return chat.Message{
		ID:        chat.MessageID(d.ID),
		RoomID:    chat.RoomID(d.RoomID),
		SenderID:  chat.ParticipantID(d.SenderID),
		Body:      d.Body,
		CreatedAt: nanosToTime(d.CreatedAt),
		Read:      d.Read,
		ClientID:  d.ClientID,
	}
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
