package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	gin "github.com/gin-gonic/gin"

	"supportchat/internal/domain/chat"
)

// classify maps a chat error to an HTTP status and a stable code shared with
// the WebSocket protocol.
func classify(err error) (int, string) {
	var open *chat.AlreadyOpenError
	switch {
	case errors.As(err, &open):
		return http.StatusConflict, "already_open"
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, chat.ErrRoomClosed):
		return http.StatusConflict, "room_closed"
	case errors.Is(err, chat.ErrEmptyBody),
		errors.Is(err, chat.ErrBodyTooLong),
		errors.Is(err, chat.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case chat.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func respondChatError(c *gin.Context, logger *slog.Logger, err error, action string, attrs ...any) {
	status, code := classify(err)
	if logger != nil {
		fields := append([]any{"action", action, "error", err, "code", code}, attrs...)
		if status >= http.StatusInternalServerError {
			logger.Error("chat call failed", fields...)
		} else {
			logger.Debug("chat call rejected", fields...)
		}
	}
	body := gin.H{"error": publicMessage(err, status), "code": code}
	var open *chat.AlreadyOpenError
	if errors.As(err, &open) {
		body["room_id"] = string(open.Room.ID)
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, body)
}

func publicMessage(err error, status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusConflict:
		return err.Error()
	case http.StatusNotFound:
		return "not found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "temporarily unavailable, retry"
	default:
		return "internal error"
	}
}
