package ginserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
	"supportchat/internal/app/services/support"
	"supportchat/internal/domain/chat"
	"supportchat/internal/infra/obs"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 16 * 1024
	sendQueue      = 256
	callTimeout    = 10 * time.Second
)

// Gateway serves the realtime WebSocket protocol on top of the chat service
// and the notifier.
type Gateway struct {
	Chat      support.Chat
	Notifier  realtime.Subscriber
	Logger    *slog.Logger
	SendRate  float64
	SendBurst int
	// CheckOrigin overrides the upgrader's origin check. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

// Serve upgrades the request and runs the connection until it closes.
func (g Gateway) Serve(c *gin.Context) {
	p, ok := requireRole(c, "")
	if !ok {
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger().Warn("websocket upgrade failed", "error", err, "user_id", p.ID)
		return
	}

	client := g.newClient(conn, p)
	obs.WSConnections.Inc()
	defer obs.WSConnections.Dec()

	go client.writePump()
	client.readPump()
}

func (g Gateway) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g Gateway) newClient(conn *websocket.Conn, p principal) *wsClient {
	limit := rate.Limit(g.SendRate)
	if g.SendRate <= 0 {
		limit = rate.Inf
	}
	burst := g.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return &wsClient{
		gateway: g,
		conn:    conn,
		who:     p,
		send:    make(chan []byte, sendQueue),
		done:    make(chan struct{}),
		subs:    make(map[realtime.Topic]realtime.Subscription),
		limiter: rate.NewLimiter(limit, burst),
		log:     g.logger().With("user_id", p.ID),
	}
}

type wsClient struct {
	gateway Gateway
	conn    *websocket.Conn
	who     principal
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	log     *slog.Logger

	mu       sync.Mutex
	subs     map[realtime.Topic]realtime.Subscription
	shutdown sync.Once
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("ws read error", "error", err)
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.fail("", "invalid", "malformed frame")
			continue
		}
		c.handle(frame)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsClient) handle(frame wsFrame) {
	switch frame.Type {
	case frameSubscribe:
		var payload topicPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.fail(frame.Ref, "invalid", "malformed subscribe payload")
			return
		}
		c.subscribe(frame.Ref, payload.Topic)
	case frameUnsubscribe:
		var payload topicPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.fail(frame.Ref, "invalid", "malformed unsubscribe payload")
			return
		}
		c.unsubscribe(payload.Topic)
		c.reply(frameUnsubscribed, frame.Ref, payload)
	case frameSend:
		var payload sendPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.fail(frame.Ref, "invalid", "malformed send payload")
			return
		}
		c.sendMessage(frame.Ref, payload)
	case frameRead:
		var payload roomPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.fail(frame.Ref, "invalid", "malformed read payload")
			return
		}
		c.markRead(frame.Ref, payload.RoomID)
	case framePing:
		c.reply(framePong, frame.Ref, nil)
	default:
		c.fail(frame.Ref, "invalid", "unknown frame type")
	}
}

func (c *wsClient) subscribe(ref string, topic realtime.Topic) {
	if !topic.Valid() {
		c.fail(ref, "invalid", "unknown topic")
		return
	}
	if err := c.authorizeTopic(topic); err != nil {
		c.failErr(ref, err)
		return
	}
	c.mu.Lock()
	_, exists := c.subs[topic]
	c.mu.Unlock()
	if !exists {
		if err := c.attach(topic); err != nil {
			c.failErr(ref, chat.TransportUnavailable("subscribe", err))
			return
		}
	}
	c.reply(frameSubscribed, ref, topicPayload{Topic: topic})
}

// attach subscribes to topic and keeps the subscription alive: when the
// notifier drops it, a fresh one is taken first and the client is then told to
// reload what it may have missed.
func (c *wsClient) attach(topic realtime.Topic) error {
	sub, err := c.gateway.Notifier.Subscribe(topic, func(ev realtime.Event) {
		data, err := encodeFrame(frameEvent, "", ev)
		if err != nil {
			c.log.Error("encode event", "error", err, "kind", ev.Kind)
			return
		}
		c.enqueue(data)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		sub.Close()
		return realtime.ErrClosed
	default:
	}
	c.subs[topic] = sub
	c.mu.Unlock()

	go func() {
		select {
		case <-sub.Lost():
		case <-c.done:
			return
		}
		c.mu.Lock()
		current, ok := c.subs[topic]
		if ok && current == sub {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		if !ok || current != sub {
			return
		}
		if err := c.attach(topic); err != nil {
			c.log.Warn("resubscribe failed", "topic", topic, "error", err)
			c.close()
			return
		}
		c.reply(frameResync, "", topicPayload{Topic: topic})
	}()
	return nil
}

func (c *wsClient) unsubscribe(topic realtime.Topic) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *wsClient) authorizeTopic(topic realtime.Topic) error {
	if topic == realtime.IndexTopic {
		if !c.who.IsStaff() {
			return chat.ErrForbidden
		}
		return nil
	}
	roomID, _ := topic.RoomID()
	_, err := c.room(roomID)
	return err
}

// room loads a room the caller may access.
func (c *wsClient) room(roomID string) (dto.Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return dto.Room{}, chat.ErrInvalidArgument
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	room, err := c.gateway.Chat.Room(ctx, roomID)
	if err != nil {
		return dto.Room{}, err
	}
	if !canAccessRoom(c.who, room) {
		return dto.Room{}, chat.ErrForbidden
	}
	return room, nil
}

func (c *wsClient) sendMessage(ref string, payload sendPayload) {
	if !c.limiter.Allow() {
		c.fail(ref, "rate_limited", "slow down")
		return
	}
	room, err := c.room(payload.RoomID)
	if err != nil {
		c.failErr(ref, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	msg, err := c.gateway.Chat.Send(ctx, dto.SendMessage{
		RoomID:   room.ID,
		SenderID: c.who.ID,
		Body:     payload.Body,
		ClientID: payload.ClientID,
	})
	if err != nil {
		c.failErr(ref, err)
		return
	}
	obs.MessagesSent.WithLabelValues(string(c.who.Role()), "ws").Inc()
	c.reply(frameSent, ref, msg)
}

func (c *wsClient) markRead(ref, roomID string) {
	room, err := c.room(roomID)
	if err != nil {
		c.failErr(ref, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	receipt, err := c.gateway.Chat.MarkRead(ctx, room.ID, c.who.ID)
	if err != nil {
		c.failErr(ref, err)
		return
	}
	c.reply(frameReadAck, ref, receipt)
}

func (c *wsClient) reply(kind, ref string, payload any) {
	data, err := encodeFrame(kind, ref, payload)
	if err != nil {
		c.log.Error("encode frame", "error", err, "type", kind)
		return
	}
	c.enqueue(data)
}

func (c *wsClient) fail(ref, code, message string) {
	c.reply(frameError, ref, errorPayload{Code: code, Message: message})
}

func (c *wsClient) failErr(ref string, err error) {
	status, code := classify(err)
	payload := errorPayload{Code: code, Message: publicMessage(err, status)}
	var open *chat.AlreadyOpenError
	if errors.As(err, &open) {
		payload.RoomID = string(open.Room.ID)
	}
	if status >= http.StatusInternalServerError {
		c.log.Error("ws call failed", "error", err, "code", code)
	}
	c.reply(frameError, ref, payload)
}

// enqueue never blocks the notifier. A client whose queue is full is
// disconnected; it reconnects and reloads.
func (c *wsClient) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn("ws client too slow, disconnecting")
		c.close()
	}
}

func (c *wsClient) close() {
	c.shutdown.Do(func() {
		c.mu.Lock()
		close(c.done)
		subs := c.subs
		c.subs = make(map[realtime.Topic]realtime.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
	})
}
