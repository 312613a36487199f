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

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/domain/chat"
	"supportchat/internal/domain/participant"
)

// DashboardBackend adds the room listing calls a staff dashboard needs.
type DashboardBackend interface {
	Backend
	ListRooms(ctx context.Context, q dto.RoomQuery) (dto.RoomList, error)
	UnreadCount(ctx context.Context, roomID, readerID string) (int, error)
}

type DashboardConfig struct {
	StaffID  string
	Search   string
	Status   string
	Backoff  []time.Duration
	Logger   *slog.Logger
	OnUpdate func([]dto.Room)
}

// Dashboard keeps a staff member's room list current from the index topic
// and hosts the session for the room they are looking at.
type Dashboard struct {
	backend  DashboardBackend
	notifier realtime.Subscriber
	cfg      DashboardConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	rooms    map[string]dto.Room
	sub      realtime.Subscription
	connDone chan struct{}
	active   *Session
	closed   bool
}

func NewDashboard(backend DashboardBackend, notifier realtime.Subscriber, cfg DashboardConfig) (*Dashboard, error) {
	cfg.StaffID = strings.TrimSpace(cfg.StaffID)
	if cfg.StaffID == "" {
		return nil, fmt.Errorf("%w: staff id is required", chat.ErrInvalidArgument)
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dashboard{
		backend:  backend,
		notifier: notifier,
		cfg:      cfg,
		logger:   cfg.Logger.With("staff_id", cfg.StaffID),
		ctx:      ctx,
		cancel:   cancel,
		rooms:    make(map[string]dto.Room),
	}, nil
}

// Open subscribes to the index topic and loads the room list.
func (d *Dashboard) Open(ctx context.Context) error {
	return d.sync(ctx)
}

func (d *Dashboard) sync(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	old, oldDone := d.sub, d.connDone
	d.sub, d.connDone = nil, nil
	d.mu.Unlock()
	if oldDone != nil {
		close(oldDone)
	}
	if old != nil {
		old.Close()
	}

	sub, err := d.notifier.Subscribe(realtime.IndexTopic, d.handle)
	if err != nil {
		return chat.TransportUnavailable("subscribe", err)
	}
	list, err := d.backend.ListRooms(ctx, dto.RoomQuery{
		Search: d.cfg.Search,
		Status: d.cfg.Status,
		Viewer: d.cfg.StaffID,
	})
	if err != nil {
		sub.Close()
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.Close()
		return ErrClosed
	}
	d.rooms = make(map[string]dto.Room, len(list.Items))
	for _, room := range list.Items {
		d.rooms[room.ID] = room
	}
	done := make(chan struct{})
	d.sub, d.connDone = sub, done
	d.mu.Unlock()

	d.wg.Add(1)
	go d.watch(sub, done)
	d.notify()
	return nil
}

func (d *Dashboard) watch(sub realtime.Subscription, done <-chan struct{}) {
	defer d.wg.Done()
	select {
	case <-d.ctx.Done():
		return
	case <-done:
		return
	case <-sub.Lost():
	}
	for attempt := 0; ; attempt++ {
		err := d.sync(d.ctx)
		if err == nil || errors.Is(err, ErrClosed) || d.ctx.Err() != nil {
			return
		}
		wait := d.cfg.Backoff[min(attempt, len(d.cfg.Backoff)-1)]
		d.logger.Warn("dashboard resync failed", "error", err, "retry_in", wait)
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (d *Dashboard) handle(ev realtime.Event) {
	var (
		refreshUnread bool
		fetchRoom     bool
	)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	current, known := d.rooms[ev.RoomID]
	switch ev.Kind {
	case realtime.KindRoomOpened:
		if ev.Room != nil && d.wantsLocked(*ev.Room) {
			if known {
				mergeRoom(&current, *ev.Room)
				d.rooms[ev.RoomID] = current
			} else {
				d.rooms[ev.RoomID] = *ev.Room
			}
		}
	case realtime.KindRoomActivity:
		if ev.Room == nil {
			break
		}
		if !known {
			fetchRoom = true
			break
		}
		// Badges come from the store; activity events are not counted.
		if !ev.Room.LastActivityAt.Before(current.LastActivityAt) {
			current.LastActivityAt = ev.Room.LastActivityAt
			current.LastSenderID = ev.Room.LastSenderID
		}
		d.rooms[ev.RoomID] = current
		refreshUnread = ev.Room.LastSenderID != d.cfg.StaffID && !d.watchingLocked(ev.RoomID)
	case realtime.KindRoomAssigned, realtime.KindRoomClosed:
		if !known || ev.Room == nil {
			break
		}
		mergeRoom(&current, *ev.Room)
		if d.wantsLocked(current) {
			d.rooms[ev.RoomID] = current
		} else {
			delete(d.rooms, ev.RoomID)
		}
	case realtime.KindMessagesRead:
		refreshUnread = known
	}
	d.mu.Unlock()

	switch {
	case fetchRoom:
		d.fetch(ev.RoomID)
	case refreshUnread:
		d.refreshUnread(ev.RoomID)
	}
	d.notify()
}

// wantsLocked applies the dashboard's status and search filters to room.
func (d *Dashboard) wantsLocked(room dto.Room) bool {
	if d.cfg.Status != "" && !strings.EqualFold(d.cfg.Status, room.Status) {
		return false
	}
	customer := participant.Profile{ID: room.CustomerID, DisplayName: room.Customer.DisplayName}
	if customer.ID == "" {
		customer.ID = room.Customer.ID
	}
	return customer.Matches(d.cfg.Search)
}

func (d *Dashboard) watchingLocked(roomID string) bool {
	return d.active != nil && d.active.RoomID() == roomID && d.active.Visible()
}

func mergeRoom(dst *dto.Room, src dto.Room) {
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.StaffID != "" {
		dst.StaffID = src.StaffID
	}
	if src.ClosedAt != nil {
		dst.ClosedAt = src.ClosedAt
	}
	if src.LastActivityAt.After(dst.LastActivityAt) {
		dst.LastActivityAt = src.LastActivityAt
	}
	if src.Customer.DisplayName != "" {
		dst.Customer = src.Customer
	}
}

func (d *Dashboard) fetch(roomID string) {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	room, err := d.backend.Room(ctx, roomID)
	if err != nil {
		d.logger.Warn("dashboard room fetch failed", "error", err, "room_id", roomID)
		return
	}
	unread, err := d.backend.UnreadCount(ctx, roomID, d.cfg.StaffID)
	if err == nil {
		room.Unread = unread
	}
	d.mu.Lock()
	if !d.closed && d.wantsLocked(room) {
		d.rooms[roomID] = room
	}
	d.mu.Unlock()
}

func (d *Dashboard) refreshUnread(roomID string) {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	unread, err := d.backend.UnreadCount(ctx, roomID, d.cfg.StaffID)
	if err != nil {
		d.logger.Warn("dashboard unread refresh failed", "error", err, "room_id", roomID)
		return
	}
	d.mu.Lock()
	if room, ok := d.rooms[roomID]; ok {
		room.Unread = unread
		d.rooms[roomID] = room
	}
	d.mu.Unlock()
}

// Rooms returns the list ordered by last activity, most recent first.
func (d *Dashboard) Rooms() []dto.Room {
	d.mu.Lock()
	out := make([]dto.Room, 0, len(d.rooms))
	for _, room := range d.rooms {
		out = append(out, room)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Select opens roomID as the active room, closing the previous one.
func (d *Dashboard) Select(ctx context.Context, roomID string, onUpdate func(Snapshot)) (*Session, error) {
	s, err := New(d.backend, d.notifier, Config{
		Viewer:   d.cfg.StaffID,
		Role:     participant.RoleStaff,
		RoomID:   roomID,
		Backoff:  d.cfg.Backoff,
		Logger:   d.cfg.Logger,
		OnUpdate: onUpdate,
	})
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	prev := d.active
	d.active = nil
	d.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		s.Close()
		return nil, ErrClosed
	}
	d.active = s
	d.mu.Unlock()
	return s, nil
}

func (d *Dashboard) Active() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Dashboard) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	sub, done, active := d.sub, d.connDone, d.active
	d.sub, d.connDone, d.active = nil, nil, nil
	d.mu.Unlock()

	d.cancel()
	if done != nil {
		close(done)
	}
	if sub != nil {
		sub.Close()
	}
	if active != nil {
		active.Close()
	}
	d.wg.Wait()
}

func (d *Dashboard) notify() {
	if d.cfg.OnUpdate != nil {
		d.cfg.OnUpdate(d.Rooms())
	}
}
