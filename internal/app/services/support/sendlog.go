package support

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"supportchat/internal/app/dto"
	"supportchat/internal/domain/chat"
)

// SendRecord remembers the message produced by a send carrying a client id.
type SendRecord struct {
	Key       string
	Payload   []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

func (r SendRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// SendLog stores SendRecords so a retried send returns the original message.
type SendLog interface {
	Get(ctx context.Context, key string) (SendRecord, bool, error)
	Save(ctx context.Context, rec SendRecord) error
}

func sendKey(in chat.NewMessage) string {
	return strings.Join([]string{"send", string(in.RoomID), string(in.SenderID), in.ClientID}, ":")
}

func (s *Service) recalled(ctx context.Context, key string) (dto.ChatMessage, bool) {
	if s.sends == nil {
		return dto.ChatMessage{}, false
	}
	var rec SendRecord
	var found bool
	err := s.call(ctx, "load send record", func(ctx context.Context) error {
		var err error
		rec, found, err = s.sends.Get(ctx, key)
		return err
	})
	if err != nil {
		s.logger.Warn("send log lookup failed", "error", err, "key", key)
		return dto.ChatMessage{}, false
	}
	if !found || rec.Expired(s.now()) {
		return dto.ChatMessage{}, false
	}
	var msg dto.ChatMessage
	if err := json.Unmarshal(rec.Payload, &msg); err != nil {
		s.logger.Warn("send log record corrupt", "error", err, "key", key)
		return dto.ChatMessage{}, false
	}
	return msg, true
}

func (s *Service) remember(ctx context.Context, key string, msg dto.ChatMessage) {
	if s.sends == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("send log encode failed", "error", err, "key", key)
		return
	}
	now := s.now().UTC()
	rec := SendRecord{Key: key, Payload: payload, StoredAt: now, ExpiresAt: now.Add(s.sendTTL)}
	err = s.call(ctx, "save send record", func(ctx context.Context) error {
		return s.sends.Save(ctx, rec)
	})
	if err != nil {
		s.logger.Warn("send log save failed", "error", err, "key", key)
	}
}

// keyedMutex serializes work per key. The zero value is ready to use.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
