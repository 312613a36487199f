package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/app/services/support"
	"supportchat/internal/domain/chat"
	"supportchat/internal/domain/participant"
	"supportchat/internal/infra/storage/memory"
)

type fixture struct {
	store *memory.ChatStore
	hub   *realtime.Hub
	svc   *support.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewChatStore()
	hub := realtime.NewHub(realtime.Options{NodeID: "test"})
	t.Cleanup(func() { hub.Close() })
	svc, err := support.NewService(support.Deps{
		Store:    store,
		Notifier: hub,
		SendLog:  memory.NewSendLog(),
		Directory: memory.NewDirectory(
			participant.Profile{ID: "cust-1", DisplayName: "Alice"},
			participant.Profile{ID: "staff-1", DisplayName: "Sam"},
		),
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &fixture{store: store, hub: hub, svc: svc}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func openSession(t *testing.T, backend Backend, notifier realtime.Subscriber, cfg Config) *Session {
	t.Helper()
	s, err := New(backend, notifier, cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestCustomerAndStaffConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer := openSession(t, f.svc, f.hub, Config{Viewer: "cust-1", Role: participant.RoleCustomer})
	customer.SetVisible(ctx, true)
	if customer.State() != StateActive {
		t.Fatalf("customer session state %s", customer.State())
	}
	if _, err := customer.Send(ctx, "Hi"); err != nil {
		t.Fatalf("customer send: %v", err)
	}
	roomID := customer.RoomID()

	staff := openSession(t, f.svc, f.hub, Config{Viewer: "staff-1", Role: participant.RoleStaff, RoomID: roomID})
	if snap := staff.Snapshot(); len(snap.Messages) != 1 || snap.Unread != 1 || snap.Room.StaffID != "staff-1" {
		t.Fatalf("staff snapshot %+v", snap)
	}
	staff.SetVisible(ctx, true)
	if staff.Snapshot().Unread != 0 {
		t.Fatal("visible staff session should have marked the room read")
	}
	eventually(t, "read receipt at customer", func() bool {
		snap := customer.Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].Read
	})

	customer.SetVisible(ctx, false)
	if _, err := staff.Send(ctx, "Hello, how can I help?"); err != nil {
		t.Fatalf("staff send: %v", err)
	}
	eventually(t, "reply at customer", func() bool { return customer.Snapshot().Unread == 1 })

	customer.SetVisible(ctx, true)
	if n, _ := f.svc.UnreadCount(ctx, roomID, "cust-1"); n != 0 {
		t.Fatalf("store unread for customer = %d after becoming visible", n)
	}
	if customer.Snapshot().Unread != 0 {
		t.Fatal("customer badge not cleared")
	}
}

func TestVisibleSessionMarksIncomingRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, _ := f.svc.GetOrCreateOpenRoom(ctx, "cust-1")
	staff := openSession(t, f.svc, f.hub, Config{Viewer: "staff-1", Role: participant.RoleStaff, RoomID: room.ID})
	staff.SetVisible(ctx, true)

	if _, err := f.svc.Send(ctx, dto.SendMessage{RoomID: room.ID, SenderID: "cust-1", Body: "ping"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "incoming message marked read", func() bool {
		n, _ := f.svc.UnreadCount(ctx, room.ID, "staff-1")
		return n == 0 && len(staff.Snapshot().Messages) == 1
	})
}

func TestDuplicateEventsApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := openSession(t, f.svc, f.hub, Config{Viewer: "cust-1"})
	msg, err := f.svc.Send(ctx, dto.SendMessage{RoomID: customer.RoomID(), SenderID: "staff-1", Body: "once"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := realtime.NewEvent(realtime.KindMessageAppended, realtime.RoomTopic(msg.RoomID), msg.RoomID, msg.CreatedAt)
	ev.Message = &msg
	for i := 0; i < 3; i++ {
		if err := f.hub.Publish(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	eventually(t, "message applied", func() bool { return len(customer.Snapshot().Messages) >= 1 })
	time.Sleep(50 * time.Millisecond)
	snap := customer.Snapshot()
	if len(snap.Messages) != 1 || snap.Unread != 1 {
		t.Fatalf("duplicate delivery changed state: %+v", snap)
	}
}

type droppable struct {
	realtime.Subscription
	lost chan struct{}
	once sync.Once
}

func (d *droppable) Lost() <-chan struct{} { return d.lost }

func (d *droppable) drop() {
	d.once.Do(func() {
		d.Subscription.Close()
		close(d.lost)
	})
}

type dropNotifier struct {
	hub  *realtime.Hub
	mu   sync.Mutex
	subs []*droppable
}

func (n *dropNotifier) Subscribe(topic realtime.Topic, h realtime.Handler) (realtime.Subscription, error) {
	sub, err := n.hub.Subscribe(topic, h)
	if err != nil {
		return nil, err
	}
	d := &droppable{Subscription: sub, lost: make(chan struct{})}
	n.mu.Lock()
	n.subs = append(n.subs, d)
	n.mu.Unlock()
	return d, nil
}

func (n *dropNotifier) dropAll() {
	n.mu.Lock()
	subs := append([]*droppable(nil), n.subs...)
	n.mu.Unlock()
	for _, s := range subs {
		s.drop()
	}
}

func (n *dropNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func TestLostSubscriptionResyncs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notifier := &dropNotifier{hub: f.hub}
	customer := openSession(t, f.svc, notifier, Config{Viewer: "cust-1", Backoff: []time.Duration{time.Millisecond}})
	roomID := customer.RoomID()

	// Written straight to the store: no notification will ever carry these.
	for _, body := range []string{"m1", "m2", "m3"} {
		if _, err := f.store.Append(ctx, chat.NewMessage{RoomID: chat.RoomID(roomID), SenderID: "staff-1", Body: body}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	notifier.dropAll()

	eventually(t, "resync after loss", func() bool {
		snap := customer.Snapshot()
		return snap.State == StateActive && len(snap.Messages) == 3
	})
	if notifier.count() < 2 {
		t.Fatal("session did not resubscribe")
	}
	if _, err := f.svc.Send(ctx, dto.SendMessage{RoomID: roomID, SenderID: "staff-1", Body: "m4"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "live delivery after resync", func() bool { return len(customer.Snapshot().Messages) == 4 })
	msgs := customer.Snapshot().Messages
	for i := 1; i < len(msgs); i++ {
		if messageLess(msgs[i], msgs[i-1]) {
			t.Fatalf("messages out of order after resync at %d", i)
		}
	}
}

// flakyBackend fails sends transiently. When commitFirst is set the store
// write happens before the failure, as with a timeout after commit.
type flakyBackend struct {
	*support.Service
	mu          sync.Mutex
	failures    int
	commitFirst bool
}

func (b *flakyBackend) Send(ctx context.Context, req dto.SendMessage) (dto.ChatMessage, error) {
	b.mu.Lock()
	fail := b.failures > 0
	if fail {
		b.failures--
	}
	b.mu.Unlock()
	if !fail {
		return b.Service.Send(ctx, req)
	}
	if b.commitFirst {
		if _, err := b.Service.Send(ctx, req); err != nil {
			return dto.ChatMessage{}, err
		}
	}
	return dto.ChatMessage{}, chat.StoreUnavailable("append message", context.DeadlineExceeded)
}

func TestTransientSendStaysPendingAndRetries(t *testing.T) {
	for _, commitFirst := range []bool{false, true} {
		f := newFixture(t)
		ctx := context.Background()
		backend := &flakyBackend{Service: f.svc, failures: 1, commitFirst: commitFirst}
		customer := openSession(t, backend, f.hub, Config{Viewer: "cust-1"})

		_, err := customer.Send(ctx, "are you there?")
		if !chat.IsTransient(err) {
			t.Fatalf("commitFirst=%v: expected transient error, got %v", commitFirst, err)
		}
		if !commitFirst {
			if p := customer.Snapshot().Pending; len(p) != 1 || p[0].Attempts != 1 {
				t.Fatalf("pending = %+v", p)
			}
		}
		if err := customer.Retry(ctx); err != nil {
			t.Fatalf("retry: %v", err)
		}
		page, _ := f.svc.ListMessages(ctx, customer.RoomID(), "", 0)
		if len(page.Items) != 1 {
			t.Fatalf("commitFirst=%v: stored %d messages, want exactly 1", commitFirst, len(page.Items))
		}
		eventually(t, "pending cleared", func() bool {
			snap := customer.Snapshot()
			return len(snap.Pending) == 0 && len(snap.Messages) == 1
		})
	}
}

func TestClosedRoomStopsSends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := openSession(t, f.svc, f.hub, Config{Viewer: "cust-1"})
	first := customer.RoomID()
	if _, err := f.svc.CloseRoom(ctx, first); err != nil {
		t.Fatalf("close: %v", err)
	}
	eventually(t, "closure observed", func() bool { return !customer.Snapshot().Room.IsOpen() })
	if _, err := customer.Send(ctx, "hello?"); !errors.Is(err, chat.ErrRoomClosed) {
		t.Fatalf("expected ErrRoomClosed, got %v", err)
	}
	if err := customer.StartNewRoom(ctx); err != nil {
		t.Fatalf("start new room: %v", err)
	}
	if customer.RoomID() == first || len(customer.Snapshot().Messages) != 0 {
		t.Fatal("customer still attached to the closed room")
	}
	if _, err := customer.Send(ctx, "new question"); err != nil {
		t.Fatalf("send in new room: %v", err)
	}
}

func TestSessionValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := New(f.svc, f.hub, Config{Viewer: "staff-1", Role: participant.RoleStaff}); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("staff without room: %v", err)
	}
	if _, err := New(f.svc, f.hub, Config{}); !errors.Is(err, chat.ErrInvalidArgument) {
		t.Fatalf("missing viewer: %v", err)
	}
	s := openSession(t, f.svc, f.hub, Config{Viewer: "cust-1"})
	if err := s.Open(context.Background()); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("double open: %v", err)
	}
	if _, err := s.Send(context.Background(), "  "); !errors.Is(err, chat.ErrEmptyBody) {
		t.Fatalf("blank send: %v", err)
	}
	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("state after close: %s", s.State())
	}
	if _, err := s.Send(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestTwoStaffSessionsConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.svc.GetOrCreateOpenRoom(ctx, "cust-1")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	first := openSession(t, f.svc, f.hub, Config{Viewer: "staff-1", Role: participant.RoleStaff, RoomID: room.ID})
	second := openSession(t, f.svc, f.hub, Config{Viewer: "staff-2", Role: participant.RoleStaff, RoomID: room.ID})

	msg, err := f.svc.SendAsCustomer(ctx, "cust-1", "is anyone there?", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, s := range []*Session{first, second} {
		s := s
		eventually(t, "message at "+s.cfg.Viewer, func() bool { return len(s.Snapshot().Messages) == 1 })
	}
	time.Sleep(50 * time.Millisecond)
	a, b := first.Snapshot().Messages, second.Snapshot().Messages
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("lists diverged: %d and %d messages", len(a), len(b))
	}
	if a[0].ID != msg.ID || b[0].ID != msg.ID || a[0].Body != b[0].Body || !a[0].CreatedAt.Equal(b[0].CreatedAt) {
		t.Fatalf("sessions disagree: %+v vs %+v", a[0], b[0])
	}
}

// replyDuringReadStore runs onRead right after the read flags flip, before
// the service builds its receipt.
type replyDuringReadStore struct {
	*memory.ChatStore
	once   sync.Once
	onRead func(chat.RoomID)
}

func (s *replyDuringReadStore) MarkRead(ctx context.Context, room chat.RoomID, reader chat.ParticipantID) (chat.ReadMark, error) {
	mark, err := s.ChatStore.MarkRead(ctx, room, reader)
	if err == nil && s.onRead != nil {
		s.once.Do(func() { s.onRead(room) })
	}
	return mark, err
}

func TestReceiptDoesNotCoverReplyAfterCutoff(t *testing.T) {
	store := &replyDuringReadStore{ChatStore: memory.NewChatStore()}
	hub := realtime.NewHub(realtime.Options{NodeID: "test"})
	t.Cleanup(func() { hub.Close() })
	svc, err := support.NewService(support.Deps{Store: store, Notifier: hub, SendLog: memory.NewSendLog()})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	ctx := context.Background()
	customer := openSession(t, svc, hub, Config{Viewer: "cust-1"})
	roomID := customer.RoomID()
	if _, err := svc.Send(ctx, dto.SendMessage{RoomID: roomID, SenderID: "staff-1", Body: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "first reply", func() bool { return customer.Snapshot().Unread == 1 })

	store.onRead = func(room chat.RoomID) {
		if _, err := svc.Send(ctx, dto.SendMessage{RoomID: string(room), SenderID: "staff-1", Body: "late"}); err != nil {
			t.Errorf("late send: %v", err)
			return
		}
		eventually(t, "late reply delivered", func() bool { return len(customer.Snapshot().Messages) == 2 })
	}
	customer.markRead(ctx)

	if n, _ := svc.UnreadCount(ctx, roomID, "cust-1"); n != 1 {
		t.Fatalf("store unread = %d, want 1", n)
	}
	time.Sleep(50 * time.Millisecond)
	snap := customer.Snapshot()
	if snap.Unread != 1 || snap.Messages[0].Body != "hello" || !snap.Messages[0].Read || snap.Messages[1].Read {
		t.Fatalf("receipt applied past its cutoff: %+v", snap)
	}
}

func TestUnreadTracksStoreWhileReadsRaceAppends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := openSession(t, f.svc, f.hub, Config{Viewer: "cust-1"})
	roomID := customer.RoomID()

	const total = 25
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			if _, err := f.svc.Send(ctx, dto.SendMessage{RoomID: roomID, SenderID: "staff-1", Body: "update"}); err != nil {
				t.Errorf("send: %v", err)
				return
			}
		}
	}()
	for reading := true; reading; {
		select {
		case <-done:
			reading = false
		default:
			customer.markRead(ctx)
		}
	}

	eventually(t, "badge matches the store", func() bool {
		n, err := f.svc.UnreadCount(ctx, roomID, "cust-1")
		snap := customer.Snapshot()
		return err == nil && len(snap.Messages) == total && snap.Unread == n
	})
	customer.markRead(ctx)
	eventually(t, "badge cleared", func() bool { return customer.Snapshot().Unread == 0 })
	if n, _ := f.svc.UnreadCount(ctx, roomID, "cust-1"); n != 0 {
		t.Fatalf("store unread = %d after final read", n)
	}
}
