package scylla

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/gocql/gocql"

	"supportchat/internal/infra/config"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// NewSession ensures the keyspace and tables exist and returns a session bound to the keyspace.
func NewSession(ctx context.Context, cfg config.ScyllaConfig, logger *slog.Logger) (*gocql.Session, error) {
	if !keyspacePattern.MatchString(cfg.Keyspace) {
		return nil, fmt.Errorf("invalid keyspace name: %s", cfg.Keyspace)
	}
	consistency, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
	if err != nil {
		return nil, fmt.Errorf("invalid consistency %q: %w", cfg.Consistency, err)
	}

	baseSession, err := newCluster(cfg, consistency, "").CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla: %w", err)
	}
	defer baseSession.Close()
	if err := ensureKeyspace(ctx, baseSession, cfg); err != nil {
		return nil, err
	}

	session, err := newCluster(cfg, consistency, cfg.Keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to keyspace %s: %w", cfg.Keyspace, err)
	}
	if err := ensureTables(ctx, session); err != nil {
		session.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("scylla connected", "hosts", cfg.Hosts, "keyspace", cfg.Keyspace)
	}
	return session, nil
}

func newCluster(cfg config.ScyllaConfig, consistency gocql.Consistency, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = consistency
	cluster.SerialConsistency = gocql.Serial
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return cluster
}

func ensureKeyspace(ctx context.Context, session *gocql.Session, cfg config.ScyllaConfig) error {
	rf := cfg.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}
	cql := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		cfg.Keyspace, rf,
	)
	if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}
	return nil
}

var tables = []struct {
	name string
	cql  string
}{
	{"rooms", `
CREATE TABLE IF NOT EXISTS rooms (
	id text PRIMARY KEY,
	customer_id text,
	staff_id text,
	status text,
	created_at bigint,
	last_activity_at bigint,
	closed_at bigint,
	append_lease text,
	lease_until bigint
)`},
	{"open_rooms", `
CREATE TABLE IF NOT EXISTS open_rooms (
	customer_id text PRIMARY KEY,
	room_id text
)`},
	{"room_messages", `
CREATE TABLE IF NOT EXISTS room_messages (
	room_id text,
	created_at bigint,
	id text,
	sender_id text,
	body text,
	read boolean,
	client_id text,
	PRIMARY KEY (room_id, created_at, id)
) WITH CLUSTERING ORDER BY (created_at ASC, id ASC)`},
}

func ensureTables(ctx context.Context, session *gocql.Session) error {
	for _, table := range tables {
		if err := session.Query(table.cql).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create %s table: %w", table.name, err)
		}
	}
	return nil
}
