package realtime

import "strings"

// Topic names a notification channel.
type Topic string

const (
	// IndexTopic carries room-level changes for staff dashboards.
	IndexTopic Topic = "rooms:index"

	roomTopicPrefix = "room:"
)

func RoomTopic(roomID string) Topic {
	return Topic(roomTopicPrefix + roomID)
}

// RoomID extracts the room id from a room topic.
func (t Topic) RoomID() (string, bool) {
	s := string(t)
	if !strings.HasPrefix(s, roomTopicPrefix) || len(s) == len(roomTopicPrefix) {
		return "", false
	}
	return s[len(roomTopicPrefix):], true
}

func (t Topic) Valid() bool {
	if t == IndexTopic {
		return true
	}
	_, ok := t.RoomID()
	return ok
}
