package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/domain/chat"
	"supportchat/internal/domain/participant"
)

var (
	ErrClosed      = errors.New("session: closed")
	ErrAlreadyOpen = errors.New("session: already opened")
	ErrNoRoom      = errors.New("session: staff session needs a room id")
)

// State is the lifecycle position of a Session.
type State int

const (
	StateClosed State = iota
	StateInitializing
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// Backend is the part of the chat service a session talks to.
type Backend interface {
	GetOrCreateOpenRoom(ctx context.Context, customerID string) (dto.Room, error)
	Room(ctx context.Context, roomID string) (dto.Room, error)
	OpenAsStaff(ctx context.Context, roomID, staffID string) (dto.Room, error)
	ListMessages(ctx context.Context, roomID, cursor string, limit int) (dto.ChatMessageList, error)
	Send(ctx context.Context, req dto.SendMessage) (dto.ChatMessage, error)
	MarkRead(ctx context.Context, roomID, readerID string) (dto.ReadReceipt, error)
}

var defaultBackoff = []time.Duration{200 * time.Millisecond, time.Second, 5 * time.Second}

type Config struct {
	Viewer string
	Role   participant.Role
	// RoomID is required for staff. Customers default to their open room.
	RoomID   string
	PageSize int
	// Backoff is the reconnect schedule after a lost subscription; the last entry repeats.
	Backoff  []time.Duration
	Logger   *slog.Logger
	OnUpdate func(Snapshot)
}

// Pending is a send that has not been confirmed by the store yet.
type Pending struct {
	ClientID  string
	Body      string
	Attempts  int
	LastError string
}

// Snapshot is a copy of the session's view.
type Snapshot struct {
	State    State
	Room     dto.Room
	Messages []dto.ChatMessage
	Unread   int
	Visible  bool
	Pending  []Pending
}

// Session is one viewer's live view of a room: it loads history, follows the
// room topic, keeps read state in step with visibility and retries sends.
type Session struct {
	backend  Backend
	notifier realtime.Subscriber
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	opened   bool
	room     dto.Room
	messages []dto.ChatMessage
	seen     map[string]struct{}
	// readUpTo holds the furthest receipt cursor seen per reader, so a
	// message delivered after its receipt still lands read.
	readUpTo map[string]chat.Cursor
	visible  bool
	pending  []Pending
	sub      realtime.Subscription
	connDone chan struct{}
	gen      uint64
}

func New(backend Backend, notifier realtime.Subscriber, cfg Config) (*Session, error) {
	cfg.Viewer = strings.TrimSpace(cfg.Viewer)
	if cfg.Viewer == "" {
		return nil, fmt.Errorf("%w: viewer is required", chat.ErrInvalidArgument)
	}
	if cfg.Role == "" {
		cfg.Role = participant.RoleCustomer
	}
	if cfg.Role == participant.RoleStaff && strings.TrimSpace(cfg.RoomID) == "" {
		return nil, ErrNoRoom
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = chat.MaxPageSize
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		backend:  backend,
		notifier: notifier,
		cfg:      cfg,
		logger:   cfg.Logger.With("viewer", cfg.Viewer, "role", string(cfg.Role)),
		ctx:      ctx,
		cancel:   cancel,
		seen:     make(map[string]struct{}),
		readUpTo: make(map[string]chat.Cursor),
	}, nil
}

// Open resolves the room, subscribes to it and loads its history.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.opened = true
	s.state = StateInitializing
	s.mu.Unlock()

	room, err := s.resolveRoom(ctx)
	if err != nil {
		s.fail()
		return err
	}
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		s.fail()
		return err
	}
	return nil
}

func (s *Session) resolveRoom(ctx context.Context) (dto.Room, error) {
	if s.cfg.Role == participant.RoleStaff {
		return s.backend.OpenAsStaff(ctx, s.cfg.RoomID, s.cfg.Viewer)
	}
	if s.cfg.RoomID != "" {
		room, err := s.backend.Room(ctx, s.cfg.RoomID)
		if err != nil {
			return dto.Room{}, err
		}
		if room.CustomerID != s.cfg.Viewer {
			return dto.Room{}, chat.ErrForbidden
		}
		return room, nil
	}
	return s.backend.GetOrCreateOpenRoom(ctx, s.cfg.Viewer)
}

// connect subscribes first and then loads history, so nothing published in
// between is missed; duplicates are dropped by message id.
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	roomID := s.room.ID
	s.mu.Unlock()

	sub, err := s.notifier.Subscribe(realtime.RoomTopic(roomID), func(ev realtime.Event) { s.handle(gen, ev) })
	if err != nil {
		return chat.TransportUnavailable("subscribe", err)
	}
	history, err := s.loadAll(ctx, roomID)
	if err != nil {
		sub.Close()
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed || s.gen != gen {
		s.mu.Unlock()
		sub.Close()
		return ErrClosed
	}
	s.sub = sub
	done := make(chan struct{})
	s.connDone = done
	for _, msg := range history {
		s.upsertLocked(msg)
	}
	s.state = StateActive
	needsMark := s.visible && s.unreadLocked() > 0
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watch(sub, done)

	if needsMark {
		s.markRead(ctx)
	}
	if err := s.Retry(ctx); err != nil {
		s.logger.Warn("pending sends still failing after resync", "error", err, "room_id", roomID)
	}
	s.notify()
	return nil
}

func (s *Session) loadAll(ctx context.Context, roomID string) ([]dto.ChatMessage, error) {
	var (
		all    []dto.ChatMessage
		cursor string
	)
	for {
		page, err := s.backend.ListMessages(ctx, roomID, cursor, s.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func (s *Session) watch(sub realtime.Subscription, done <-chan struct{}) {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
		return
	case <-done:
		return
	case <-sub.Lost():
	}
	s.logger.Info("subscription lost, resyncing", "room_id", sub.Topic())
	for attempt := 0; ; attempt++ {
		err := s.Reconnect(s.ctx)
		if err == nil || errors.Is(err, ErrClosed) || s.ctx.Err() != nil {
			return
		}
		wait := s.cfg.Backoff[min(attempt, len(s.cfg.Backoff)-1)]
		s.logger.Warn("resync failed", "error", err, "retry_in", wait)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Reconnect drops the current subscription, resubscribes and reloads history.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	old, done := s.sub, s.connDone
	s.sub, s.connDone = nil, nil
	s.state = StateInitializing
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if old != nil {
		old.Close()
	}
	s.notify()
	return s.connect(ctx)
}

// StartNewRoom moves a customer whose room was closed into a fresh open room.
func (s *Session) StartNewRoom(ctx context.Context) error {
	if s.cfg.Role != participant.RoleCustomer {
		return chat.ErrForbidden
	}
	room, err := s.backend.GetOrCreateOpenRoom(ctx, s.cfg.Viewer)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.room = room
	s.messages = nil
	s.seen = make(map[string]struct{})
	s.readUpTo = make(map[string]chat.Cursor)
	s.mu.Unlock()
	return s.Reconnect(ctx)
}

// Close unsubscribes and stops background resyncs.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed && s.sub == nil {
		s.mu.Unlock()
		s.cancel()
		return
	}
	s.state = StateClosed
	sub, done := s.sub, s.connDone
	s.sub, s.connDone = nil, nil
	s.mu.Unlock()

	s.cancel()
	if done != nil {
		close(done)
	}
	if sub != nil {
		sub.Close()
	}
	s.wg.Wait()
	s.notify()
}

func (s *Session) fail() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) handle(gen uint64, ev realtime.Event) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateClosed || ev.RoomID != s.room.ID {
		s.mu.Unlock()
		return
	}
	needsMark := false
	switch ev.Kind {
	case realtime.KindMessageAppended:
		if ev.Message == nil {
			break
		}
		msg := *ev.Message
		if s.upsertLocked(msg) && msg.SenderID != s.cfg.Viewer && !msg.Read && s.visible {
			needsMark = true
		}
	case realtime.KindMessagesRead:
		if ev.Receipt != nil {
			s.applyReceiptLocked(*ev.Receipt)
		}
	case realtime.KindRoomClosed:
		s.room.Status = string(chat.RoomClosed)
		if ev.Room != nil {
			s.room.ClosedAt = ev.Room.ClosedAt
		}
	case realtime.KindRoomAssigned:
		if ev.Room != nil {
			s.room.StaffID = ev.Room.StaffID
		}
	}
	s.mu.Unlock()

	if needsMark {
		s.markRead(s.ctx)
	}
	s.notify()
}

// upsertLocked inserts msg in (created_at, id) order. It reports whether the
// message was new; a known id only merges the read flag.
func (s *Session) upsertLocked(msg dto.ChatMessage) bool {
	if _, ok := s.seen[msg.ID]; ok {
		if msg.Read {
			for i := range s.messages {
				if s.messages[i].ID == msg.ID {
					s.messages[i].Read = true
					break
				}
			}
		}
		return false
	}
	s.seen[msg.ID] = struct{}{}
	if !msg.Read && s.coveredLocked(msg) {
		msg.Read = true
	}
	idx := sort.Search(len(s.messages), func(i int) bool { return messageLess(msg, s.messages[i]) })
	s.messages = append(s.messages, dto.ChatMessage{})
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = msg
	if msg.SenderID == s.cfg.Viewer && msg.ClientID != "" {
		s.dropPendingLocked(msg.ClientID)
	}
	return true
}

func messageLess(a, b dto.ChatMessage) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// applyReceiptLocked mirrors a markRead by receipt.ReaderID: every message that
// reader did not author at or before the receipt's cursor is now read.
func (s *Session) applyReceiptLocked(receipt dto.ReadReceipt) {
	upTo, err := chat.ParseCursor(receipt.UpTo)
	if err != nil || upTo.IsZero() {
		return
	}
	if prev, ok := s.readUpTo[receipt.ReaderID]; !ok || prev.Less(upTo) {
		s.readUpTo[receipt.ReaderID] = upTo
	}
	for i := range s.messages {
		m := &s.messages[i]
		if m.SenderID == receipt.ReaderID || m.Read {
			continue
		}
		key := chat.Cursor{CreatedAt: m.CreatedAt, ID: chat.MessageID(m.ID)}
		if !upTo.Less(key) {
			m.Read = true
		}
	}
}

// coveredLocked reports whether a receipt already applied by someone other
// than the sender reaches msg.
func (s *Session) coveredLocked(msg dto.ChatMessage) bool {
	key := chat.Cursor{CreatedAt: msg.CreatedAt, ID: chat.MessageID(msg.ID)}
	for reader, upTo := range s.readUpTo {
		if reader != msg.SenderID && !upTo.Less(key) {
			return true
		}
	}
	return false
}

func (s *Session) unreadLocked() int {
	n := 0
	for _, m := range s.messages {
		if !m.Read && m.SenderID != s.cfg.Viewer {
			n++
		}
	}
	return n
}

func (s *Session) markRead(ctx context.Context) {
	s.mu.Lock()
	roomID := s.room.ID
	s.mu.Unlock()
	receipt, err := s.backend.MarkRead(ctx, roomID, s.cfg.Viewer)
	if err != nil {
		s.logger.Warn("mark read failed", "error", err, "room_id", roomID)
		return
	}
	s.mu.Lock()
	if s.room.ID == roomID {
		s.applyReceiptLocked(receipt)
	}
	s.mu.Unlock()
}

// SetVisible records whether the room is on screen. Becoming visible marks
// everything read.
func (s *Session) SetVisible(ctx context.Context, visible bool) {
	s.mu.Lock()
	s.visible = visible
	needsMark := visible && s.state == StateActive && s.unreadLocked() > 0
	s.mu.Unlock()
	if needsMark {
		s.markRead(ctx)
	}
	s.notify()
}

// Send queues body and tries to deliver it. On a transient failure the
// message stays pending and is retried with the same client id by Retry or
// after the next resync.
func (s *Session) Send(ctx context.Context, body string) (dto.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return dto.ChatMessage{}, chat.ErrEmptyBody
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return dto.ChatMessage{}, ErrClosed
	}
	if s.room.Status == string(chat.RoomClosed) {
		s.mu.Unlock()
		return dto.ChatMessage{}, chat.ErrRoomClosed
	}
	p := Pending{ClientID: uuid.NewString(), Body: body}
	s.pending = append(s.pending, p)
	s.mu.Unlock()
	s.notify()
	return s.deliver(ctx, p)
}

// Retry resends pending messages in order, stopping at the first transient failure.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	queue := append([]Pending(nil), s.pending...)
	s.mu.Unlock()
	for _, p := range queue {
		if _, err := s.deliver(ctx, p); err != nil && chat.IsTransient(err) {
			return err
		}
	}
	return nil
}

func (s *Session) deliver(ctx context.Context, p Pending) (dto.ChatMessage, error) {
	s.mu.Lock()
	roomID := s.room.ID
	s.mu.Unlock()

	msg, err := s.backend.Send(ctx, dto.SendMessage{
		RoomID:   roomID,
		SenderID: s.cfg.Viewer,
		Body:     p.Body,
		ClientID: p.ClientID,
	})
	s.mu.Lock()
	switch {
	case err == nil:
		s.dropPendingLocked(p.ClientID)
		if msg.RoomID == s.room.ID {
			s.upsertLocked(msg)
		}
	case chat.IsTransient(err):
		for i := range s.pending {
			if s.pending[i].ClientID == p.ClientID {
				s.pending[i].Attempts++
				s.pending[i].LastError = err.Error()
			}
		}
	default:
		s.dropPendingLocked(p.ClientID)
		if errors.Is(err, chat.ErrRoomClosed) {
			s.room.Status = string(chat.RoomClosed)
		}
	}
	s.mu.Unlock()
	s.notify()
	return msg, err
}

func (s *Session) dropPendingLocked(clientID string) {
	for i := range s.pending {
		if s.pending[i].ClientID == clientID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.ID
}

func (s *Session) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:    s.state,
		Room:     s.room,
		Messages: append([]dto.ChatMessage(nil), s.messages...),
		Unread:   s.unreadLocked(),
		Visible:  s.visible,
		Pending:  append([]Pending(nil), s.pending...),
	}
}

func (s *Session) notify() {
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate(s.Snapshot())
	}
}
