// Package chattest holds a behavioural suite every chat.Store adapter must pass.
package chattest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"supportchat/internal/domain/chat"
)

// Factory returns an empty store. Adapters backed by a shared database may
// return the same store each time; the suite namespaces its participants.
type Factory func(t *testing.T) chat.Store

// Run exercises the room lifecycle, append ordering, pagination and read
// state against the store built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetOrCreateOpenIsAtomic", func(t *testing.T) { testGetOrCreate(t, newStore(t)) })
	t.Run("CreateOpenConflicts", func(t *testing.T) { testCreateOpen(t, newStore(t)) })
	t.Run("CloseIsTerminal", func(t *testing.T) { testClose(t, newStore(t)) })
	t.Run("AssignFirstWriterWins", func(t *testing.T) { testAssign(t, newStore(t)) })
	t.Run("AppendOrdersAndTouches", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("ListMessagesPages", func(t *testing.T) { testPaging(t, newStore(t)) })
	t.Run("ReadStateIsMonotonic", func(t *testing.T) { testRead(t, newStore(t)) })
	t.Run("MarkReadRacesAppend", func(t *testing.T) { testReadRacesAppend(t, newStore(t)) })
	t.Run("CloseRacesAppend", func(t *testing.T) { testCloseRacesAppend(t, newStore(t)) })
}

func customer(t *testing.T) chat.ParticipantID {
	t.Helper()
	return chat.ParticipantID(fmt.Sprintf("cust-%s", uuid.NewString()[:8]))
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return c
}

func testGetOrCreate(t *testing.T, store chat.Store) {
	c, who := ctx(t), customer(t)
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[chat.RoomID]int{}
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, isNew, err := store.GetOrCreateOpen(c, who, now)
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			mu.Lock()
			ids[room.ID]++
			if isNew {
				created++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != 1 || created != 1 {
		t.Fatalf("rooms=%v created=%d, want one room created once", ids, created)
	}
}

func testCreateOpen(t *testing.T, store chat.Store) {
	c, who := ctx(t), customer(t)
	room, err := store.CreateOpen(c, who, "staff-1", time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if room.StaffID != "staff-1" || !room.IsOpen() {
		t.Fatalf("room = %+v", room)
	}
	_, err = store.CreateOpen(c, who, "staff-2", time.Now())
	var open *chat.AlreadyOpenError
	if !errors.As(err, &open) || open.Room.ID != room.ID {
		t.Fatalf("second create err = %v, want AlreadyOpenError for %s", err, room.ID)
	}
	if !errors.Is(err, chat.ErrAlreadyOpen) {
		t.Fatalf("err %v does not match ErrAlreadyOpen", err)
	}
}

func testClose(t *testing.T, store chat.Store) {
	c, who := ctx(t), customer(t)
	room, _, err := store.GetOrCreateOpen(c, who, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	closed, changed, err := store.Close(c, room.ID, time.Now())
	if err != nil || !changed || closed.IsOpen() || closed.ClosedAt.IsZero() {
		t.Fatalf("close = %+v changed=%v err=%v", closed, changed, err)
	}
	if _, changed, err := store.Close(c, room.ID, time.Now()); err != nil || changed {
		t.Fatalf("second close changed=%v err=%v, want idempotent", changed, err)
	}
	if _, err := store.Append(c, chat.NewMessage{RoomID: room.ID, SenderID: who, Body: "late"}); !errors.Is(err, chat.ErrRoomClosed) {
		t.Fatalf("append to closed room err = %v", err)
	}
	next, isNew, err := store.GetOrCreateOpen(c, who, time.Now())
	if err != nil || !isNew || next.ID == room.ID {
		t.Fatalf("reopen = %+v new=%v err=%v, want a fresh room", next, isNew, err)
	}
	if _, _, err := store.Close(c, "missing-"+chat.RoomID(uuid.NewString()), time.Now()); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("close missing err = %v", err)
	}
}

func testAssign(t *testing.T, store chat.Store) {
	c, who := ctx(t), customer(t)
	room, _, err := store.GetOrCreateOpen(c, who, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []chat.ParticipantID
	)
	for _, staff := range []chat.ParticipantID{"staff-a", "staff-b", "staff-c"} {
		wg.Add(1)
		go func(staff chat.ParticipantID) {
			defer wg.Done()
			got, assigned, err := store.Assign(c, room.ID, staff)
			if err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			if assigned {
				mu.Lock()
				winners = append(winners, got.StaffID)
				mu.Unlock()
			}
		}(staff)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	got, err := store.ByID(c, room.ID)
	if err != nil || got.StaffID != winners[0] {
		t.Fatalf("stored staff = %q err=%v, want %q", got.StaffID, err, winners[0])
	}
}

func testAppend(t *testing.T, store chat.Store) {
	c, who := ctx(t), customer(t)
	start := time.Now().UTC().Truncate(time.Millisecond)
	room, _, err := store.GetOrCreateOpen(c, who, start)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, err := store.Append(c, chat.NewMessage{RoomID: room.ID, SenderID: who, Body: " hello ", At: start.Add(time.Second)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Body != "hello" {
		t.Fatalf("body = %q, want trimmed", first.Body)
	}
	// A lagging clock must not move the room's timeline backwards.
	second, err := store.Append(c, chat.NewMessage{RoomID: room.ID, SenderID: "staff-1", Body: "hi", At: start})
	if err != nil {
		t.Fatalf("append skewed: %v", err)
	}
	if second.CreatedAt.Before(first.CreatedAt) || !first.Before(second) {
		t.Fatalf("second %v precedes first %v", second.CreatedAt, first.CreatedAt)
	}
	got, err := store.ByID(c, room.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.LastActivityAt.Before(second.CreatedAt) {
		t.Fatalf("last activity %v before newest message %v", got.LastActivityAt, second.CreatedAt)
	}
	if _, err := store.Append(c, chat.NewMessage{RoomID: room.ID, SenderID: who, Body: "   "}); !errors.Is(err, chat.ErrEmptyBody) {
		t.Fatalf("blank append err = %v", err)
	}
	if _, err := store.Append(c, chat.NewMessage{RoomID: chat.RoomID("missing-" + uuid.NewString()), SenderID: who, Body: "x"}); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("append to missing room err = %v", err)
	}
}

func testPaging(t *testing.T, store chat.Store) {
	c, who := ctx(t), customer(t)
	room, _, err := store.GetOrCreateOpen(c, who, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var want []chat.MessageID
	for i := 0; i < 5; i++ {
		msg, err := store.Append(c, chat.NewMessage{RoomID: room.ID, SenderID: who, Body: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		want = append(want, msg.ID)
	}
	var (
		got  []chat.MessageID
		next chat.Cursor
	)
	for pages := 0; pages < 10; pages++ {
		page, err := store.ListMessages(c, room.ID, chat.PageRequest{After: next, Limit: 2})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, m := range page.Messages {
			got = append(got, m.ID)
		}
		if !page.HasMore() {
			break
		}
		next = page.Next
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("paged ids = %v, want %v", got, want)
	}
}

func testRead(t *testing.T, store chat.Store) {
	c, who := ctx(t), customer(t)
	room, _, err := store.GetOrCreateOpen(c, who, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var sent []chat.Message
	for _, sender := range []chat.ParticipantID{who, who, "staff-1"} {
		msg, err := store.Append(c, chat.NewMessage{RoomID: room.ID, SenderID: sender, Body: "x"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		sent = append(sent, msg)
	}
	if n, err := store.UnreadCount(c, room.ID, "staff-1"); err != nil || n != 2 {
		t.Fatalf("staff unread = %d err=%v, want 2", n, err)
	}
	mark, err := store.MarkRead(c, room.ID, "staff-1")
	if err != nil || mark.Marked != 2 {
		t.Fatalf("mark = %+v err=%v, want 2 marked", mark, err)
	}
	if mark.UpTo.ID != sent[1].ID {
		t.Fatalf("mark up to %s, want the last customer message %s", mark.UpTo.ID, sent[1].ID)
	}
	if again, err := store.MarkRead(c, room.ID, "staff-1"); err != nil || again.Marked != 0 || !again.UpTo.IsZero() {
		t.Fatalf("second mark = %+v err=%v, want nothing marked", again, err)
	}
	if n, err := store.UnreadCount(c, room.ID, who); err != nil || n != 1 {
		t.Fatalf("customer unread = %d err=%v, want 1", n, err)
	}
}

func testReadRacesAppend(t *testing.T, store chat.Store) {
	c, who := ctx(t), customer(t)
	room, _, err := store.GetOrCreateOpen(c, who, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	const total = 30
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		marked int
		done   = make(chan struct{})
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < total; i++ {
			if _, err := store.Append(c, chat.NewMessage{RoomID: room.ID, SenderID: "staff-1", Body: fmt.Sprintf("r%d", i)}); err != nil {
				t.Errorf("append: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			mark, err := store.MarkRead(c, room.ID, who)
			if err != nil {
				t.Errorf("mark read: %v", err)
				return
			}
			mu.Lock()
			marked += mark.Marked
			mu.Unlock()
		}
	}()
	wg.Wait()

	unread, err := store.UnreadCount(c, room.ID, who)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if marked+unread != total {
		t.Fatalf("marked %d + unread %d != %d appended", marked, unread, total)
	}
	listed := 0
	for _, m := range allMessages(t, store, room.ID) {
		if m.UnreadFor(who) {
			listed++
		}
	}
	if listed != unread {
		t.Fatalf("unread count %d disagrees with %d unread listed", unread, listed)
	}
}

func testCloseRacesAppend(t *testing.T, store chat.Store) {
	c, who := ctx(t), customer(t)
	room, _, err := store.GetOrCreateOpen(c, who, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []chat.MessageID
		started  = make(chan struct{}, 4)
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				msg, err := store.Append(c, chat.NewMessage{RoomID: room.ID, SenderID: who, Body: fmt.Sprintf("w%d-%d", w, i)})
				if i == 0 {
					started <- struct{}{}
				}
				if errors.Is(err, chat.ErrRoomClosed) {
					return
				}
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				mu.Lock()
				accepted = append(accepted, msg.ID)
				mu.Unlock()
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-started
	}
	if _, changed, err := store.Close(c, room.ID, time.Now()); err != nil || !changed {
		t.Fatalf("close changed=%v err=%v", changed, err)
	}
	snapshot := allMessages(t, store, room.ID)
	wg.Wait()

	final := allMessages(t, store, room.ID)
	if len(final) != len(snapshot) {
		t.Fatalf("%d messages landed after close returned", len(final)-len(snapshot))
	}
	stored := make(map[chat.MessageID]bool, len(snapshot))
	for _, m := range snapshot {
		stored[m.ID] = true
	}
	for _, id := range accepted {
		if !stored[id] {
			t.Fatalf("accepted message %s missing from the closed room", id)
		}
	}
	if len(accepted) != len(snapshot) {
		t.Fatalf("stored %d messages, accepted %d", len(snapshot), len(accepted))
	}
}

func allMessages(t *testing.T, store chat.Store, room chat.RoomID) []chat.Message {
	t.Helper()
	var (
		out  []chat.Message
		next chat.Cursor
	)
	for {
		page, err := store.ListMessages(ctx(t), room, chat.PageRequest{After: next, Limit: chat.MaxPageSize})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		out = append(out, page.Messages...)
		if !page.HasMore() {
			return out
		}
		next = page.Next
	}
}
