package ginserver

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gin "github.com/gin-gonic/gin"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/services/support"
	"supportchat/internal/domain/participant"
	"supportchat/internal/infra/obs"
)

// ChatHTTP exposes chat endpoints.
type ChatHTTP interface {
	MyRoom(c *gin.Context)
	SendAsCustomer(c *gin.Context)
	ListRooms(c *gin.Context)
	CreateRoom(c *gin.Context)
	GetRoom(c *gin.Context)
	CloseRoom(c *gin.Context)
	AssignRoom(c *gin.Context)
	ListMessages(c *gin.Context)
	SendMessage(c *gin.Context)
	MarkRead(c *gin.Context)
	UnreadCount(c *gin.Context)
}

// ChatHandler bridges HTTP with the support chat service.
type ChatHandler struct {
	Chat   support.Chat
	Logger *slog.Logger
}

type sendRequest struct {
	Body     string `json:"body"`
	ClientID string `json:"client_id"`
}

// MyRoom returns the caller's open room, opening one on first contact.
func (h ChatHandler) MyRoom(c *gin.Context) {
	p, ok := requireRole(c, "")
	if !ok {
		return
	}
	room, err := h.Chat.GetOrCreateOpenRoom(c.Request.Context(), p.ID)
	if err != nil {
		respondChatError(c, h.Logger, err, "get open room", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, room)
}

// SendAsCustomer posts into the caller's open room, creating it if needed.
func (h ChatHandler) SendAsCustomer(c *gin.Context) {
	p, ok := requireRole(c, "")
	if !ok {
		return
	}
	req, ok := bindSend(c)
	if !ok {
		return
	}
	msg, err := h.Chat.SendAsCustomer(c.Request.Context(), p.ID, req.Body, req.ClientID)
	if err != nil {
		respondChatError(c, h.Logger, err, "send as customer", "user_id", p.ID)
		return
	}
	obs.MessagesSent.WithLabelValues(string(participant.RoleCustomer), "http").Inc()
	c.JSON(http.StatusCreated, msg)
}

// ListRooms lists rooms for staff. Query: q, status, staff_id, limit.
func (h ChatHandler) ListRooms(c *gin.Context) {
	p, ok := requireRole(c, string(participant.RoleStaff))
	if !ok {
		return
	}
	list, err := h.Chat.ListRooms(c.Request.Context(), dto.RoomQuery{
		Search:  c.Query("q"),
		Status:  c.Query("status"),
		StaffID: c.Query("staff_id"),
		Viewer:  p.ID,
		Limit:   parsePositiveIntStrict(c.Query("limit"), 100),
	})
	if err != nil {
		respondChatError(c, h.Logger, err, "list rooms", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, list)
}

// CreateRoom lets staff start a conversation with a customer. A customer with
// an open room yields 409 and the room id to redirect to.
func (h ChatHandler) CreateRoom(c *gin.Context) {
	p, ok := requireRole(c, string(participant.RoleStaff))
	if !ok {
		return
	}
	var req struct {
		CustomerID string `json:"customer_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	room, err := h.Chat.CreateRoomForCustomer(c.Request.Context(), req.CustomerID, p.ID)
	if err != nil {
		respondChatError(c, h.Logger, err, "create room", "user_id", p.ID, "customer_id", req.CustomerID)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h ChatHandler) GetRoom(c *gin.Context) {
	p, room, ok := h.authorizeRoom(c)
	if !ok {
		return
	}
	if p.IsStaff() {
		if unread, err := h.Chat.UnreadCount(c.Request.Context(), room.ID, p.ID); err == nil {
			room.Unread = unread
		}
	}
	c.JSON(http.StatusOK, room)
}

func (h ChatHandler) CloseRoom(c *gin.Context) {
	p, ok := requireRole(c, string(participant.RoleStaff))
	if !ok {
		return
	}
	roomID := strings.TrimSpace(c.Param("id"))
	room, err := h.Chat.CloseRoom(c.Request.Context(), roomID)
	if err != nil {
		respondChatError(c, h.Logger, err, "close room", "user_id", p.ID, "room_id", roomID)
		return
	}
	obs.RoomsClosed.Inc()
	c.JSON(http.StatusOK, room)
}

// AssignRoom is called when staff opens a room; the first caller takes it.
func (h ChatHandler) AssignRoom(c *gin.Context) {
	p, ok := requireRole(c, string(participant.RoleStaff))
	if !ok {
		return
	}
	roomID := strings.TrimSpace(c.Param("id"))
	room, err := h.Chat.OpenAsStaff(c.Request.Context(), roomID, p.ID)
	if err != nil {
		respondChatError(c, h.Logger, err, "assign room", "user_id", p.ID, "room_id", roomID)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h ChatHandler) ListMessages(c *gin.Context) {
	p, room, ok := h.authorizeRoom(c)
	if !ok {
		return
	}
	limit := parsePositiveIntStrict(c.Query("limit"), 50)
	list, err := h.Chat.ListMessages(c.Request.Context(), room.ID, c.Query("cursor"), limit)
	if err != nil {
		respondChatError(c, h.Logger, err, "list messages", "user_id", p.ID, "room_id", room.ID)
		return
	}
	c.JSON(http.StatusOK, list)
}

// SendMessage appends to a room. The client id may come from the body or the
// Idempotency-Key header.
func (h ChatHandler) SendMessage(c *gin.Context) {
	p, room, ok := h.authorizeRoom(c)
	if !ok {
		return
	}
	req, ok := bindSend(c)
	if !ok {
		return
	}
	msg, err := h.Chat.Send(c.Request.Context(), dto.SendMessage{
		RoomID:   room.ID,
		SenderID: p.ID,
		Body:     req.Body,
		ClientID: req.ClientID,
	})
	if err != nil {
		respondChatError(c, h.Logger, err, "send message", "user_id", p.ID, "room_id", room.ID)
		return
	}
	obs.MessagesSent.WithLabelValues(string(p.Role()), "http").Inc()
	c.JSON(http.StatusCreated, msg)
}

func (h ChatHandler) MarkRead(c *gin.Context) {
	p, room, ok := h.authorizeRoom(c)
	if !ok {
		return
	}
	receipt, err := h.Chat.MarkRead(c.Request.Context(), room.ID, p.ID)
	if err != nil {
		respondChatError(c, h.Logger, err, "mark read", "user_id", p.ID, "room_id", room.ID)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (h ChatHandler) UnreadCount(c *gin.Context) {
	p, room, ok := h.authorizeRoom(c)
	if !ok {
		return
	}
	count, err := h.Chat.UnreadCount(c.Request.Context(), room.ID, p.ID)
	if err != nil {
		respondChatError(c, h.Logger, err, "unread count", "user_id", p.ID, "room_id", room.ID)
		return
	}
	c.JSON(http.StatusOK, dto.UnreadCount{RoomID: room.ID, ReaderID: p.ID, Count: count})
}

// authorizeRoom loads the :id room and checks the caller may see it.
func (h ChatHandler) authorizeRoom(c *gin.Context) (principal, dto.Room, bool) {
	p, ok := requireRole(c, "")
	if !ok {
		return principal{}, dto.Room{}, false
	}
	roomID := strings.TrimSpace(c.Param("id"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room id is required"})
		return principal{}, dto.Room{}, false
	}
	room, err := h.Chat.Room(c.Request.Context(), roomID)
	if err != nil {
		respondChatError(c, h.Logger, err, "load room", "user_id", p.ID, "room_id", roomID)
		return principal{}, dto.Room{}, false
	}
	if !canAccessRoom(p, room) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		return principal{}, dto.Room{}, false
	}
	return p, room, true
}

func canAccessRoom(p principal, room dto.Room) bool {
	return p.IsStaff() || room.CustomerID == p.ID
}

func bindSend(c *gin.Context) (sendRequest, bool) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return sendRequest{}, false
	}
	req.Body = strings.TrimSpace(req.Body)
	if req.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is required"})
		return sendRequest{}, false
	}
	if req.ClientID == "" {
		req.ClientID = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}
	return req, true
}

func parsePositiveIntStrict(raw string, def int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return def
	}
	return value
}
