package broadcast

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// Subscriber is one live listener on a topic. Messages land in Ch; a
// subscriber that cannot keep up misses messages rather than stalling the
// hub, and a disconnected subscriber simply re-subscribes and accepts the
// gap.
type Subscriber struct {
	Topic string
	Ch    chan []byte
}

// Feed supplies the hub with committed updates, one redis pub/sub
// subscription per hub
type Feed interface {
	Subscribe(ctx context.Context, patterns ...string) *redis.PubSub
}

// Hub fans committed updates out to live subscribers keyed by topic. The
// fan-out path carries no backpressure: a full subscriber buffer means that
// subscriber is skipped for this delivery pass.
type Hub struct {
	feed       Feed
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]bool
	dropped     func()
}

// NewHub creates a hub reading from the given feed. onDrop is invoked every
// time a message is dropped for a slow subscriber; pass nil to ignore.
func NewHub(feed Feed, bufferSize int, onDrop func()) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		feed:        feed,
		bufferSize:  bufferSize,
		subscribers: make(map[string]map[*Subscriber]bool),
		dropped:     onDrop,
	}
}

// Run consumes the feed until ctx is cancelled. Topics mirror the redis
// channel names (fleet:{tenant}:stream, vehicle:{vehicle}:stream).
func (h *Hub) Run(ctx context.Context) error {
	pubsub := h.feed.Subscribe(ctx, "fleet:*:stream", "vehicle:*:stream")
	if pubsub == nil {
		log.Warn().Msg("Broadcast feed unavailable, live subscriptions disabled")
		<-ctx.Done()
		return nil
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	log.Info().Msg("Broadcast hub started")

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.Dispatch(msg.Channel, []byte(msg.Payload))

		case <-ctx.Done():
			return nil
		}
	}
}

// Dispatch delivers a payload to every subscriber of a topic, dropping it
// for any subscriber whose buffer is full
func (h *Hub) Dispatch(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers[topic] {
		select {
		case sub.Ch <- payload:
		default:
			if h.dropped != nil {
				h.dropped()
			}
		}
	}
}

// Subscribe registers a new live listener on a topic
func (h *Hub) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{
		Topic: topic,
		Ch:    make(chan []byte, h.bufferSize),
	}

	h.mu.Lock()
	if h.subscribers[topic] == nil {
		h.subscribers[topic] = make(map[*Subscriber]bool)
	}
	h.subscribers[topic][sub] = true
	h.mu.Unlock()

	return sub
}

// Unsubscribe removes a listener and closes its channel
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if subs, ok := h.subscribers[sub.Topic]; ok {
		if subs[sub] {
			delete(subs, sub)
			close(sub.Ch)
		}
		if len(subs) == 0 {
			delete(h.subscribers, sub.Topic)
		}
	}
	h.mu.Unlock()
}

// SubscriberCount reports how many listeners a topic currently has
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}
