package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"supportchat/internal/app/dto"
	"supportchat/internal/app/realtime"
)

type flakyProducer struct {
	failures int
	calls    int
	keys     []string
	payloads [][]byte
}

func (p *flakyProducer) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, key)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *flakyProducer) Close() error { return nil }

func TestForwardRetriesOnBackoffSchedule(t *testing.T) {
	producer := &flakyProducer{failures: 2}
	relay, err := NewRelay(RelayConfig{Topic: "chat", NodeID: "n1", Backoff: []time.Duration{time.Millisecond, time.Millisecond}}, producer)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	ev := realtime.NewEvent(realtime.KindMessageAppended, realtime.RoomTopic("r1"), "r1", time.Now())
	if err := relay.Forward(context.Background(), ev); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if producer.calls != 3 || len(producer.keys) != 1 || producer.keys[0] != "r1" {
		t.Fatalf("calls=%d keys=%v, want 3 calls keyed by room", producer.calls, producer.keys)
	}
}

func TestForwardGivesUpAfterSchedule(t *testing.T) {
	producer := &flakyProducer{failures: 5}
	relay, _ := NewRelay(RelayConfig{Topic: "chat", NodeID: "n1", Backoff: []time.Duration{time.Millisecond}}, producer)
	ev := realtime.NewEvent(realtime.KindRoomOpened, realtime.IndexTopic, "", time.Now())
	if err := relay.Forward(context.Background(), ev); err == nil {
		t.Fatal("forward succeeded against a dead broker")
	}
	if producer.calls != 2 {
		t.Fatalf("calls = %d, want 2", producer.calls)
	}
}

func TestCloudEventRoundTripKeepsEvent(t *testing.T) {
	ev := realtime.NewEvent(realtime.KindMessageAppended, realtime.RoomTopic("r1"), "r1", time.Now())
	ev.Origin = "n1"
	ev.Message = &dto.ChatMessage{ID: "m1", RoomID: "r1", Body: "hello"}
	raw, err := encodeCloudEvent(ev, "n1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeCloudEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != ev.ID || got.Origin != "n1" || got.Topic != ev.Topic || got.Message == nil || got.Message.Body != "hello" {
		t.Fatalf("decoded = %+v", got)
	}
	if _, err := decodeCloudEvent([]byte(`{"specversion":"0.3","type":"other"}`)); err == nil {
		t.Fatal("foreign event accepted")
	}
}
