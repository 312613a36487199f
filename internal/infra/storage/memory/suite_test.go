package memory

import (
	"testing"

	"supportchat/internal/domain/chat"
	"supportchat/internal/domain/chat/chattest"
)

func TestChatStoreSuite(t *testing.T) {
	chattest.Run(t, func(t *testing.T) chat.Store { return NewChatStore() })
}
