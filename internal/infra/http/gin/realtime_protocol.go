package ginserver

import (
	"encoding/json"

	"supportchat/internal/app/realtime"
)

// Frames a client may send.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameSend        = "send"
	frameRead        = "read"
	framePing        = "ping"
)

// Frames the server sends.
const (
	frameSubscribed   = "subscribed"
	frameUnsubscribed = "unsubscribed"
	frameEvent        = "event"
	frameResync       = "resync"
	frameSent         = "sent"
	frameReadAck      = "read"
	frameError        = "error"
	framePong         = "pong"
)

// wsFrame is the envelope for every WebSocket message. Ref echoes the
// client's correlation id on replies.
type wsFrame struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type topicPayload struct {
	Topic realtime.Topic `json:"topic"`
}

type sendPayload struct {
	RoomID   string `json:"room_id"`
	Body     string `json:"body"`
	ClientID string `json:"client_id,omitempty"`
}

type roomPayload struct {
	RoomID string `json:"room_id"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"room_id,omitempty"`
}

func encodeFrame(kind, ref string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(wsFrame{Type: kind, Ref: ref, Payload: raw})
}
