package ginserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/app/services/support"
	"supportchat/internal/domain/participant"
	"supportchat/internal/infra/config"
	"supportchat/internal/infra/obs"
	"supportchat/internal/infra/security"
	"supportchat/internal/infra/storage/memory"
)

type testServer struct {
	router   *gin.Engine
	verifier security.TokenVerifier
	hub      *realtime.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := realtime.NewHub(realtime.Options{NodeID: "http-test"})
	t.Cleanup(func() { hub.Close() })
	svc, err := support.NewService(support.Deps{
		Store:    memory.NewChatStore(),
		Notifier: hub,
		SendLog:  memory.NewSendLog(),
		Directory: memory.NewDirectory(
			participant.Profile{ID: "cust-1", DisplayName: "Alice"},
			participant.Profile{ID: "cust-2", DisplayName: "Bob"},
			participant.Profile{ID: "staff-1", DisplayName: "Sam", Role: participant.RoleStaff},
		),
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	verifier := security.TokenVerifier{Secret: []byte("test-secret"), Issuer: "storefront"}
	router := NewRouter(config.Config{Env: "test"}, obs.Middleware{}, obs.HealthHandlers{}, Handlers{
		Chat:           ChatHandler{Chat: svc},
		Realtime:       Gateway{Chat: svc, Notifier: hub, SendRate: 100, SendBurst: 10}.Serve,
		AuthMiddleware: AuthMiddleware{Verifier: verifier}.Handle,
	})
	return &testServer{router: router, verifier: verifier, hub: hub}
}

func (s *testServer) token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, err := s.verifier.Issue(subject, subject, roles, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestChatHTTPFirstContactFlow(t *testing.T) {
	s := newTestServer(t)
	customer := s.token(t, "cust-1")
	staff := s.token(t, "staff-1", "staff")

	if rec := s.do(t, http.MethodGet, "/api/v1/chat/room", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", rec.Code)
	}

	rec := s.do(t, http.MethodPost, "/api/v1/chat/messages", customer, map[string]string{"body": "where is my order?", "client_id": "c-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send status = %d body=%s", rec.Code, rec.Body.String())
	}
	msg := decode[dto.ChatMessage](t, rec)

	rec = s.do(t, http.MethodGet, "/api/v1/chat/room", customer, nil)
	room := decode[dto.Room](t, rec)
	if room.ID != msg.RoomID || !room.IsOpen() {
		t.Fatalf("room = %+v, want open room %s", room, msg.RoomID)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/chat/rooms?q=ali", staff, nil)
	list := decode[dto.RoomList](t, rec)
	if len(list.Items) != 1 || list.Items[0].Unread != 1 {
		t.Fatalf("staff rooms = %+v, want one room with one unread", list.Items)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/chat/rooms/"+room.ID+"/assign", staff, nil)
	if got := decode[dto.Room](t, rec); got.StaffID != "staff-1" {
		t.Fatalf("assigned staff = %q", got.StaffID)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/chat/rooms/"+room.ID+"/read", staff, nil)
	if got := decode[dto.ReadReceipt](t, rec); got.Marked != 1 {
		t.Fatalf("marked = %d, want 1", got.Marked)
	}
	rec = s.do(t, http.MethodGet, "/api/v1/chat/rooms/"+room.ID+"/unread", staff, nil)
	if got := decode[dto.UnreadCount](t, rec); got.Count != 0 {
		t.Fatalf("unread after reading = %d, want 0", got.Count)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/chat/rooms/"+room.ID+"/messages", staff, map[string]string{"body": "on its way"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("staff send status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/v1/chat/rooms/"+room.ID+"/messages?limit=1", customer, nil)
	page := decode[dto.ChatMessageList](t, rec)
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("first page = %+v", page)
	}
	rec = s.do(t, http.MethodGet, "/api/v1/chat/rooms/"+room.ID+"/messages?cursor="+url.QueryEscape(page.NextCursor), customer, nil)
	page = decode[dto.ChatMessageList](t, rec)
	if len(page.Items) != 1 || page.Items[0].Body != "on its way" || page.NextCursor != "" {
		t.Fatalf("second page = %+v", page)
	}

	other := s.token(t, "cust-2")
	if rec := s.do(t, http.MethodGet, "/api/v1/chat/rooms/"+room.ID+"/messages", other, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign customer status = %d, want 403", rec.Code)
	}
}

func TestSendAsCustomerHonoursIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	customer := s.token(t, "cust-1")

	send := func() dto.ChatMessage {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/messages", strings.NewReader(`{"body":"hello"}`))
		req.Header.Set("Authorization", "Bearer "+customer)
		req.Header.Set("Idempotency-Key", "retry-1")
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
		}
		return decode[dto.ChatMessage](t, rec)
	}
	first, second := send(), send()
	if first.ID != second.ID {
		t.Fatalf("retry created a second message: %s vs %s", first.ID, second.ID)
	}
}

func TestCreateRoomRedirectsToOpenRoom(t *testing.T) {
	s := newTestServer(t)
	customer := s.token(t, "cust-1")
	staff := s.token(t, "staff-1", "staff")

	room := decode[dto.Room](t, s.do(t, http.MethodGet, "/api/v1/chat/room", customer, nil))

	if rec := s.do(t, http.MethodPost, "/api/v1/chat/rooms", customer, map[string]string{"customer_id": "cust-1"}); rec.Code != http.StatusForbidden {
		t.Fatalf("customer create status = %d, want 403", rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/api/v1/chat/rooms", staff, map[string]string{"customer_id": "cust-1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["code"] != "already_open" || body["room_id"] != room.ID {
		t.Fatalf("body = %v, want redirect to %s", body, room.ID)
	}
}

func TestClosedRoomRejectsSends(t *testing.T) {
	s := newTestServer(t)
	customer := s.token(t, "cust-1")
	staff := s.token(t, "staff-1", "staff")

	room := decode[dto.Room](t, s.do(t, http.MethodGet, "/api/v1/chat/room", customer, nil))
	if rec := s.do(t, http.MethodPost, "/api/v1/chat/rooms/"+room.ID+"/close", customer, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("customer close status = %d, want 403", rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/api/v1/chat/rooms/"+room.ID+"/close", staff, nil)
	if got := decode[dto.Room](t, rec); got.IsOpen() || got.ClosedAt == nil {
		t.Fatalf("closed room = %+v", got)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/chat/rooms/"+room.ID+"/messages", customer, map[string]string{"body": "hello?"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["code"] != "room_closed" {
		t.Fatalf("code = %q, want room_closed", body["code"])
	}

	rec = s.do(t, http.MethodGet, "/api/v1/chat/rooms/missing", staff, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing room status = %d, want 404", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/livez", "/readyz", "/metrics"} {
		if rec := s.do(t, http.MethodGet, path, "", nil); rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
}

type wsTestClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, s *testServer, token string) *wsTestClient {
	t.Helper()
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)
	target := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsTestClient{t: t, conn: conn}
}

func (c *wsTestClient) write(kind, ref string, payload any) {
	c.t.Helper()
	data, err := encodeFrame(kind, ref, payload)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsTestClient) read() wsFrame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame wsFrame
	if err := c.conn.ReadJSON(&frame); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return frame
}

// expect reads frames until one of the given type arrives.
func (c *wsTestClient) expect(kind string) wsFrame {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		frame := c.read()
		if frame.Type == kind {
			return frame
		}
	}
	c.t.Fatalf("no %s frame", kind)
	return wsFrame{}
}

func TestGatewayStreamsRoomEvents(t *testing.T) {
	s := newTestServer(t)
	customer := s.token(t, "cust-1")
	staff := s.token(t, "staff-1", "staff")
	room := decode[dto.Room](t, s.do(t, http.MethodGet, "/api/v1/chat/room", customer, nil))

	agent := dialWS(t, s, staff)
	agent.write(frameSubscribe, "1", topicPayload{Topic: realtime.RoomTopic(room.ID)})
	if frame := agent.expect(frameSubscribed); frame.Ref != "1" {
		t.Fatalf("subscribed ref = %q", frame.Ref)
	}

	shopper := dialWS(t, s, customer)
	shopper.write(frameSend, "s1", sendPayload{RoomID: room.ID, Body: "hi there", ClientID: "c-1"})
	sent := shopper.expect(frameSent)
	var msg dto.ChatMessage
	if err := json.Unmarshal(sent.Payload, &msg); err != nil || msg.Body != "hi there" {
		t.Fatalf("sent payload = %s (%v)", sent.Payload, err)
	}

	frame := agent.expect(frameEvent)
	var ev realtime.Event
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		t.Fatalf("event: %v", err)
	}
	if ev.Kind != realtime.KindMessageAppended || ev.Message == nil || ev.Message.ID != msg.ID {
		t.Fatalf("event = %+v, want message.appended for %s", ev, msg.ID)
	}

	agent.write(frameRead, "r1", roomPayload{RoomID: room.ID})
	ack := agent.expect(frameReadAck)
	var receipt dto.ReadReceipt
	if err := json.Unmarshal(ack.Payload, &receipt); err != nil || receipt.Marked != 1 {
		t.Fatalf("read ack = %s (%v)", ack.Payload, err)
	}
}

func TestGatewayAuthorizesTopics(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, "cust-1")
	room := decode[dto.Room](t, s.do(t, http.MethodGet, "/api/v1/chat/room", owner, nil))

	stranger := dialWS(t, s, s.token(t, "cust-2"))
	stranger.write(frameSubscribe, "a", topicPayload{Topic: realtime.IndexTopic})
	assertErrorCode(t, stranger.expect(frameError), "forbidden")

	stranger.write(frameSubscribe, "b", topicPayload{Topic: realtime.RoomTopic(room.ID)})
	assertErrorCode(t, stranger.expect(frameError), "forbidden")

	stranger.write(frameSubscribe, "c", topicPayload{Topic: "bogus"})
	assertErrorCode(t, stranger.expect(frameError), "invalid")

	stranger.write(framePing, "p", nil)
	if frame := stranger.expect(framePong); frame.Ref != "p" {
		t.Fatalf("pong ref = %q", frame.Ref)
	}
}

func TestGatewayRequiresToken(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v, want 401", resp)
	}
}

func assertErrorCode(t *testing.T, frame wsFrame, want string) {
	t.Helper()
	var payload errorPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if payload.Code != want {
		t.Fatalf("error code = %q (%s), want %q", payload.Code, payload.Message, want)
	}
}
