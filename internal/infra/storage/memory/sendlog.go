package memory

import (
	"context"
	"sync"
	"time"

	"supportchat/internal/app/services/support"
)

// SendLog keeps send records in memory, evicting expired ones on write.
type SendLog struct {
	mu    sync.RWMutex
	items map[string]support.SendRecord
	now   func() time.Time
}

func NewSendLog() *SendLog {
	return &SendLog{items: make(map[string]support.SendRecord), now: time.Now}
}

func (s *SendLog) Get(ctx context.Context, key string) (support.SendRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[key]
	if ok && rec.Expired(s.now()) {
		return support.SendRecord{}, false, nil
	}
	return rec, ok, nil
}

func (s *SendLog) Save(ctx context.Context, rec support.SendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, existing := range s.items {
		if existing.Expired(now) {
			delete(s.items, key)
		}
	}
	s.items[rec.Key] = rec
	return nil
}

var _ support.SendLog = (*SendLog)(nil)
