package redisc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"supportchat/internal/app/realtime"
	"supportchat/internal/infra/obs"
)

const defaultPrefix = "supportchat:events:"

// Relay carries notifier events between nodes over Redis pub/sub. Every topic
// maps to its own channel, so per-topic order is kept by the single
// connection each node publishes on.
type Relay struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRelay(client *redis.Client, prefix string, logger *slog.Logger) *Relay {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, prefix: prefix, logger: logger}
}

func (r *Relay) channel(topic realtime.Topic) string {
	return r.prefix + string(topic)
}

func (r *Relay) Forward(ctx context.Context, ev realtime.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(ev.Topic), data).Err(); err != nil {
		obs.RelayFailures.WithLabelValues("redis", "publish").Inc()
		return err
	}
	return nil
}

// Run blocks until ctx is done or the subscription breaks.
func (r *Relay) Run(ctx context.Context, deliver func(realtime.Event)) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		obs.RelayFailures.WithLabelValues("redis", "subscribe").Inc()
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			var ev realtime.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				obs.RelayFailures.WithLabelValues("redis", "decode").Inc()
				r.logger.Warn("dropping undecodable event", "error", err, "channel", msg.Channel)
				continue
			}
			if topic := strings.TrimPrefix(msg.Channel, r.prefix); ev.Topic == "" {
				ev.Topic = realtime.Topic(topic)
			}
			deliver(ev)
		}
	}
}

// Close leaves the client open; its owner closes it.
func (r *Relay) Close() error {
	return nil
}

var _ realtime.Relay = (*Relay)(nil)
