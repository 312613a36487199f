package scylla

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"

	"supportchat/internal/domain/chat"
	"supportchat/internal/domain/chat/chattest"
	"supportchat/internal/infra/config"
)

func TestStoreSuite(t *testing.T) {
	hosts := os.Getenv("SUPPORTCHAT_TEST_SCYLLA_HOSTS")
	if hosts == "" {
		t.Skip("SUPPORTCHAT_TEST_SCYLLA_HOSTS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	session, err := NewSession(ctx, config.ScyllaConfig{
		Hosts:       strings.Split(hosts, ","),
		Keyspace:    "supportchat_test",
		Consistency: "quorum",
		Timeout:     5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	t.Cleanup(session.Close)
	store := NewStore(session, nil)
	chattest.Run(t, func(t *testing.T) chat.Store { return store })
}

func TestNewSessionRejectsBadKeyspace(t *testing.T) {
	_, err := NewSession(context.Background(), config.ScyllaConfig{Keyspace: "drop table;", Consistency: "quorum"}, nil)
	if err == nil || !strings.Contains(err.Error(), "invalid keyspace") {
		t.Fatalf("err = %v, want keyspace validation error", err)
	}
}

func TestWrapErrClassifiesTransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"no connections", gocql.ErrNoConnections, true},
		{"timeout", gocql.ErrTimeoutNoResponse, true},
		{"write timeout", &gocql.RequestErrWriteTimeout{}, true},
		{"unavailable", &gocql.RequestErrUnavailable{}, true},
		{"not found", gocql.ErrNotFound, false},
		{"plain", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chat.IsTransient(wrapErr("op", tt.err)); got != tt.transient {
				t.Fatalf("IsTransient = %v, want %v", got, tt.transient)
			}
		})
	}
}
