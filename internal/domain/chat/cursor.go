package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Cursor is a position in a room's message order. The zero cursor precedes every message.
type Cursor struct {
	CreatedAt time.Time
	ID        MessageID
}

func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

func (c Cursor) Less(other Cursor) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// String encodes the cursor as "unixnano|id".
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d|%s", c.CreatedAt.UnixNano(), c.ID)
}

func ParseCursor(raw string) (Cursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Cursor{}, nil
	}
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Cursor{}, fmt.Errorf("%w: malformed cursor %q", ErrInvalidArgument, raw)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor %q", ErrInvalidArgument, raw)
	}
	return Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: MessageID(parts[1])}, nil
}

// PageRequest asks for messages strictly after After.
type PageRequest struct {
	After Cursor
	Limit int
}

func (p PageRequest) Normalized() PageRequest {
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultPageSize
	case p.Limit > MaxPageSize:
		p.Limit = MaxPageSize
	}
	return p
}

type Page struct {
	Messages []Message
	Next     Cursor
}

// HasMore reports whether another page may follow.
func (p Page) HasMore() bool {
	return !p.Next.IsZero()
}

// Paginate cuts a sorted slice into the page described by req.
func Paginate(sorted []Message, req PageRequest) Page {
	req = req.Normalized()
	start := 0
	if !req.After.IsZero() {
		lo, hi := 0, len(sorted)
		for lo < hi {
			mid := (lo + hi) / 2
			if req.After.Less(sorted[mid].Key()) {
				hi = mid
			} else {
				lo = mid + 1
			}
		}
		start = lo
	}
	end := start + req.Limit
	if end > len(sorted) {
		end = len(sorted)
	}
	page := Page{Messages: append([]Message(nil), sorted[start:end]...)}
	if end < len(sorted) && end > start {
		page.Next = sorted[end-1].Key()
	}
	return page
}
