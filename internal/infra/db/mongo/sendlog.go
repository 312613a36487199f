package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"supportchat/internal/app/services/support"
)

// SendLog stores send records with a TTL index on expires_at.
type SendLog struct {
	col *mongo.Collection
}

func NewSendLog(db *mongo.Database) *SendLog {
	return &SendLog{col: db.Collection("chat_send_log")}
}

func (s *SendLog) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return wrapErr("create send log index", err)
}

func (s *SendLog) Get(ctx context.Context, key string) (support.SendRecord, bool, error) {
	var doc sendDocument
	if err := s.col.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return support.SendRecord{}, false, nil
		}
		return support.SendRecord{}, false, wrapErr("get send record", err)
	}
	rec := doc.toRecord()
	// The TTL monitor runs about once a minute.
	if rec.Expired(time.Now()) {
		return support.SendRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *SendLog) Save(ctx context.Context, rec support.SendRecord) error {
	doc := sendDocument{
		ID:        rec.Key,
		Payload:   rec.Payload,
		StoredAt:  rec.StoredAt.UTC(),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}
	_, err := s.col.UpdateByID(ctx, doc.ID, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	return wrapErr("save send record", err)
}

type sendDocument struct {
	ID        string    `bson:"_id"`
	Payload   []byte    `bson:"payload"`
	StoredAt  time.Time `bson:"stored_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

func (d sendDocument) toRecord() support.SendRecord {
	return support.SendRecord{Key: d.ID, Payload: d.Payload, StoredAt: d.StoredAt, ExpiresAt: d.ExpiresAt}
}

var _ support.SendLog = (*SendLog)(nil)
