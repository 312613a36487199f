package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"supportchat/internal/app/realtime"
	"supportchat/internal/infra/obs"
)

const (
	cloudEventType   = "supportchat.realtime.v1"
	cloudContentType = "application/cloudevents+json"
)

// EventPublisher is the producing half of the relay.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error
	Close() error
}

// RelayConfig configures a Kafka relay. Every node consumes the topic in its
// own consumer group so each node sees every event.
type RelayConfig struct {
	Brokers []string
	Topic   string
	NodeID  string
	Backoff []time.Duration
	Logger  *slog.Logger
}

// Relay forwards notifier events through one Kafka topic. Events are keyed by
// room id, so a room's events share a partition and keep their order.
type Relay struct {
	cfg      RelayConfig
	producer EventPublisher
	logger   *slog.Logger
}

func NewRelay(cfg RelayConfig, producer EventPublisher) (*Relay, error) {
	if producer == nil {
		return nil, errors.New("kafka relay: producer is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka relay: topic is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{cfg: cfg, producer: producer, logger: cfg.Logger}, nil
}

// Forward publishes ev, retrying on the configured backoff schedule.
func (r *Relay) Forward(ctx context.Context, ev realtime.Event) error {
	payload, err := encodeCloudEvent(ev, r.cfg.NodeID)
	if err != nil {
		return err
	}
	headers := map[string]string{"content-type": cloudContentType}
	key := partitionKey(ev)
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = r.producer.Publish(ctx, r.cfg.Topic, key, payload, headers)
		if lastErr == nil {
			return nil
		}
		obs.RelayFailures.WithLabelValues("kafka", "publish").Inc()
		if attempt >= len(r.cfg.Backoff) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(r.cfg.Backoff[attempt]):
		}
	}
}

// Run consumes remote events until ctx is done. New nodes start at the newest
// offset; anything older is recovered by clients through resync.
func (r *Relay) Run(ctx context.Context, deliver func(realtime.Event)) error {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaCfg.Consumer.Return.Errors = false
	consumer, err := NewConsumer(r.cfg.Brokers, "supportchat-"+r.cfg.NodeID, saramaCfg, MessageHandlerFunc(func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		ev, err := decodeCloudEvent(msg.Value)
		if err != nil {
			obs.RelayFailures.WithLabelValues("kafka", "decode").Inc()
			r.logger.Warn("dropping undecodable event", "error", err, "partition", msg.Partition, "offset", msg.Offset)
			return nil
		}
		deliver(ev)
		return nil
	}))
	if err != nil {
		obs.RelayFailures.WithLabelValues("kafka", "subscribe").Inc()
		return fmt.Errorf("kafka consumer: %w", err)
	}
	defer consumer.Close()
	return consumer.Run(ctx, []string{r.cfg.Topic})
}

func (r *Relay) Close() error {
	return r.producer.Close()
}

func partitionKey(ev realtime.Event) string {
	if ev.RoomID != "" {
		return ev.RoomID
	}
	return string(ev.Topic)
}

type cloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            realtime.Event `json:"data"`
}

func encodeCloudEvent(ev realtime.Event, node string) ([]byte, error) {
	return json.Marshal(cloudEvent{
		SpecVersion:     "1.0",
		ID:              ev.ID,
		Type:            cloudEventType,
		Source:          "supportchat/" + node,
		Subject:         string(ev.Topic),
		Time:            ev.OccurredAt,
		DataContentType: "application/json",
		Data:            ev,
	})
}

func decodeCloudEvent(raw []byte) (realtime.Event, error) {
	var ce cloudEvent
	if err := json.Unmarshal(raw, &ce); err != nil {
		return realtime.Event{}, err
	}
	if ce.SpecVersion != "1.0" || ce.Type != cloudEventType {
		return realtime.Event{}, fmt.Errorf("unexpected cloud event %q version %q", ce.Type, ce.SpecVersion)
	}
	return ce.Data, nil
}

var _ realtime.Relay = (*Relay)(nil)
