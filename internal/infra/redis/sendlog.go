package redisc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"supportchat/internal/app/services/support"
	"supportchat/internal/domain/chat"
)

// SendLog keeps send records in Redis with the record's TTL, so every node
// sees retries of a send handled elsewhere.
type SendLog struct {
	client *redis.Client
	prefix string
}

func NewSendLog(client *redis.Client) *SendLog {
	return &SendLog{client: client, prefix: "supportchat:sendlog:"}
}

type sendEntry struct {
	Payload   []byte    `json:"payload"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *SendLog) Get(ctx context.Context, key string) (support.SendRecord, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return support.SendRecord{}, false, nil
	}
	if err != nil {
		return support.SendRecord{}, false, chat.StoreUnavailable("get send record", err)
	}
	var entry sendEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return support.SendRecord{}, false, err
	}
	rec := support.SendRecord{Key: key, Payload: entry.Payload, StoredAt: entry.StoredAt, ExpiresAt: entry.ExpiresAt}
	if rec.Expired(time.Now()) {
		return support.SendRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *SendLog) Save(ctx context.Context, rec support.SendRecord) error {
	ttl := time.Until(rec.ExpiresAt)
	if rec.ExpiresAt.IsZero() {
		ttl = 0
	} else if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(sendEntry{Payload: rec.Payload, StoredAt: rec.StoredAt, ExpiresAt: rec.ExpiresAt})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+rec.Key, data, ttl).Err(); err != nil {
		return chat.StoreUnavailable("save send record", err)
	}
	return nil
}

var _ support.SendLog = (*SendLog)(nil)
