package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != StoreMemory || cfg.RelayDriver != RelayNone {
		t.Fatalf("drivers = %s/%s", cfg.StoreDriver, cfg.RelayDriver)
	}
	if cfg.StoreTimeout != 5*time.Second || cfg.SubscriberBuffer != 256 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.RetryBackoff) != 3 || cfg.RetryBackoff[0] != 200*time.Millisecond {
		t.Fatalf("retry backoff = %v", cfg.RetryBackoff)
	}
}

func TestLoadValidatesDrivers(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"mongo without uri", map[string]string{"STORE_DRIVER": "mongo"}},
		{"postgres without dsn", map[string]string{"STORE_DRIVER": "postgres"}},
		{"unknown store", map[string]string{"STORE_DRIVER": "sqlite"}},
		{"kafka without brokers", map[string]string{"RELAY_DRIVER": "kafka"}},
		{"bad timeout", map[string]string{"STORE_TIMEOUT": "soon"}},
		{"bad backoff", map[string]string{"RETRY_BACKOFF": "1s,later"}},
		{"bad bool", map[string]string{"ARCHIVE_ENABLED": "maybe"}},
		{"bad rate", map[string]string{"WS_SEND_RATE": "-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("APP_ENV", "test")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadRequiresSecretOutsideDev(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected missing JWT_SECRET to fail")
	}
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("RELAY_DRIVER", "kafka")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
}
