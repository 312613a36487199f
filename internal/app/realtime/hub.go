package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBuffer = 256

// Options configures a Hub.
type Options struct {
	NodeID string
	// Buffer bounds each subscriber's queue. A subscriber that falls this far
	// behind is dropped and told to resync.
	Buffer int
	Relay  Relay
	Logger *slog.Logger
	// OnSubscriptions observes changes in the number of live subscriptions.
	OnSubscriptions func(delta int)
}

// Hub fans events out to in-process subscribers and, when a Relay is
// configured, to the other nodes.
type Hub struct {
	nodeID   string
	buffer   int
	relay    Relay
	logger   *slog.Logger
	observer func(int)

	mu     sync.Mutex
	topics map[Topic]map[uint64]*subscription
	nextID uint64
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		nodeID:   opts.NodeID,
		buffer:   opts.Buffer,
		relay:    opts.Relay,
		logger:   opts.Logger,
		observer: opts.OnSubscriptions,
		topics:   make(map[Topic]map[uint64]*subscription),
	}
}

func (h *Hub) NodeID() string {
	return h.nodeID
}

// Start consumes remote events from the relay until ctx is done.
func (h *Hub) Start(ctx context.Context) {
	if h.relay == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		backoff := time.Second
		for {
			err := h.relay.Run(ctx, h.receive)
			if ctx.Err() != nil {
				return
			}
			h.logger.Error("relay consumer stopped", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
}

// Publish delivers ev to local subscribers of ev.Topic, then forwards it to
// the relay. Local delivery happens even when forwarding fails.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	if !ev.Topic.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, ev.Topic)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.Origin == "" {
		ev.Origin = h.nodeID
	}
	if err := h.deliver(ev); err != nil {
		return err
	}
	if h.relay == nil {
		return nil
	}
	if err := h.relay.Forward(ctx, ev); err != nil {
		return fmt.Errorf("realtime: forward %s: %w", ev.Kind, err)
	}
	return nil
}

func (h *Hub) receive(ev Event) {
	if ev.Origin == h.nodeID || !ev.Topic.Valid() {
		return
	}
	if err := h.deliver(ev); err != nil {
		h.logger.Debug("dropping remote event", "error", err, "event_id", ev.ID)
	}
}

func (h *Hub) deliver(ev Event) error {
	var overflowed []*subscription
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	for _, sub := range h.topics[ev.Topic] {
		select {
		case sub.queue <- ev:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range overflowed {
		h.logger.Warn("subscriber fell behind, dropping subscription", "topic", sub.topic, "subscription", sub.id)
		sub.markLost()
	}
	return nil
}

// Subscribe registers handler for topic. Events published after Subscribe
// returns are delivered in publish order.
func (h *Hub) Subscribe(topic Topic, handler Handler) (Subscription, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if handler == nil {
		return nil, fmt.Errorf("realtime: nil handler")
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	sub := &subscription{
		id:      h.nextID,
		topic:   topic,
		hub:     h,
		handler: handler,
		queue:   make(chan Event, h.buffer),
		done:    make(chan struct{}),
		lost:    make(chan struct{}),
	}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[uint64]*subscription)
		h.topics[topic] = subs
	}
	subs[sub.id] = sub
	h.mu.Unlock()

	h.observe(1)
	go sub.run()
	return sub, nil
}

// SubscriberCount returns the number of live subscriptions on topic.
func (h *Hub) SubscriberCount(topic Topic) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Close drops every subscription and stops the relay.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancel := h.cancel
	var all []*subscription
	for _, subs := range h.topics {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.markLost()
	}
	if cancel != nil {
		cancel()
	}
	var err error
	if h.relay != nil {
		err = h.relay.Close()
	}
	h.wg.Wait()
	return err
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	subs := h.topics[sub.topic]
	_, ok := subs[sub.id]
	if ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	h.mu.Unlock()
	if ok {
		h.observe(-1)
	}
}

func (h *Hub) observe(delta int) {
	if h.observer != nil {
		h.observer(delta)
	}
}

type subscription struct {
	id      uint64
	topic   Topic
	hub     *Hub
	handler Handler
	queue   chan Event
	done    chan struct{}
	lost    chan struct{}

	closeOnce sync.Once
	lostOnce  sync.Once
}

func (s *subscription) Topic() Topic { return s.topic }

func (s *subscription) Lost() <-chan struct{} { return s.lost }

func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

func (s *subscription) markLost() {
	s.lostOnce.Do(func() { close(s.lost) })
	s.Close()
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(ev)
		}
	}
}

var _ Notifier = (*Hub)(nil)
