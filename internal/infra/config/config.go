package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
	StoreScylla   = "scylla"

	RelayNone  = "none"
	RelayRedis = "redis"
	RelayKafka = "kafka"
)

// Config aggregates application configuration values loaded from environment variables.
type Config struct {
	Env      string
	LogLevel string
	NodeID   string
	HTTPAddr string
	GRPCAddr string

	StoreDriver  string
	StoreTimeout time.Duration
	MongoURI     string
	MongoDB      string
	DatabaseURL  string
	Scylla       ScyllaConfig

	RelayDriver  string
	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string
	RetryBackoff []time.Duration

	SendLogTTL       time.Duration
	SubscriberBuffer int

	JWTSecret   string
	JWTIssuer   string
	WSSendRate  float64
	WSSendBurst int
	CORSOrigins []string

	ArchiveEnabled bool
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UseSSL       bool
}

type ScyllaConfig struct {
	Hosts             []string
	Keyspace          string
	Username          string
	Password          string
	Consistency       string
	Timeout           time.Duration
	ReplicationFactor int
}

// Load parses configuration from the current environment. In dev and local
// environments a .env file in the working directory is read first.
func Load() (Config, error) {
	env := getEnv("APP_ENV", "dev")
	if env == "dev" || env == "local" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
		env = getEnv("APP_ENV", env)
	}
	cfg := Config{
		Env:         env,
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		NodeID:      getEnv("NODE_ID", hostname()),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:    getEnv("GRPC_ADDR", ":9090"),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreMemory)),
		MongoURI:    os.Getenv("MONGO_URI"),
		MongoDB:     getEnv("MONGO_DB", "supportchat"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Scylla: ScyllaConfig{
			Hosts:       splitAndTrim(getEnv("SCYLLA_HOSTS", "127.0.0.1")),
			Keyspace:    getEnv("SCYLLA_KEYSPACE", "supportchat"),
			Username:    os.Getenv("SCYLLA_USERNAME"),
			Password:    os.Getenv("SCYLLA_PASSWORD"),
			Consistency: getEnv("SCYLLA_CONSISTENCY", "quorum"),
		},
		RelayDriver: strings.ToLower(getEnv("RELAY_DRIVER", RelayNone)),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		KafkaTopic:  getEnv("KAFKA_TOPIC", "supportchat.events"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   getEnv("JWT_ISSUER", ""),
		CORSOrigins: splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		S3Endpoint:  getEnv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey: getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:    getEnv("S3_BUCKET", "support-transcripts"),
	}
	cfg.KafkaBrokers = splitAndTrim(getEnv("KAFKA_BROKERS", ""))

	var err error
	if cfg.StoreTimeout, err = parseDurationEnv("STORE_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Scylla.Timeout, err = parseDurationEnv("SCYLLA_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Scylla.ReplicationFactor, err = parseIntEnv("SCYLLA_REPLICATION_FACTOR", 1); err != nil {
		return Config{}, err
	}
	if cfg.SendLogTTL, err = parseDurationEnv("SEND_LOG_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SubscriberBuffer, err = parseIntEnv("SUBSCRIBER_BUFFER", 256); err != nil {
		return Config{}, err
	}
	if cfg.WSSendBurst, err = parseIntEnv("WS_SEND_BURST", 5); err != nil {
		return Config{}, err
	}
	rate := getEnv("WS_SEND_RATE", "2")
	if cfg.WSSendRate, err = strconv.ParseFloat(rate, 64); err != nil || cfg.WSSendRate <= 0 {
		return Config{}, fmt.Errorf("invalid WS_SEND_RATE %q", rate)
	}

	retryStr := getEnv("RETRY_BACKOFF", "200ms,1s,5s")
	for _, raw := range strings.Split(retryStr, ",") {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RETRY_BACKOFF component %q: %w", raw, err)
		}
		cfg.RetryBackoff = append(cfg.RetryBackoff, d)
	}

	if cfg.ArchiveEnabled, err = parseBoolEnv("ARCHIVE_ENABLED", false); err != nil {
		return Config{}, err
	}
	if cfg.S3UseSSL, err = parseBoolEnv("S3_USE_SSL", false); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for STORE_DRIVER=mongo")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	case StoreScylla:
		if len(c.Scylla.Hosts) == 0 {
			return fmt.Errorf("SCYLLA_HOSTS is required for STORE_DRIVER=scylla")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.RelayDriver {
	case RelayNone, RelayRedis:
	case RelayKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for RELAY_DRIVER=kafka")
		}
	default:
		return fmt.Errorf("unknown RELAY_DRIVER %q", c.RelayDriver)
	}
	if c.JWTSecret == "" && c.Env != "dev" && c.Env != "local" && c.Env != "test" {
		return fmt.Errorf("JWT_SECRET is required outside dev")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s integer: %w", key, err)
	}
	return v, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s boolean: %q", key, raw)
	}
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "supportchat"
	}
	return name
}
