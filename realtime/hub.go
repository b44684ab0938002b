package realtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/fleetreplay/telemetry"
)

// Handler receives the events published on a topic.
type Handler func(topic string, events []SensorState)

// Hub fans sensor state events out to topic subscribers.
type Hub struct {
	logger    zerolog.Logger
	collector telemetry.Collector

	mu     sync.RWMutex
	topics map[string]map[uint64]Handler
	nextID uint64
	count  int
}

// Subscription is the handle of one topic registration.
type Subscription struct {
	hub   *Hub
	id    uint64
	topic string
	once  sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger, collector telemetry.Collector) *Hub {
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Hub{
		logger:    logger.With().Str("component", "realtime").Logger(),
		collector: collector,
		topics:    make(map[string]map[uint64]Handler),
	}
}

// Subscribe registers handler for topic.
func (h *Hub) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if !ValidTopic(topic) {
		return nil, fmt.Errorf("invalid topic %q", topic)
	}
	if handler == nil {
		return nil, errors.New("subscription handler must not be nil")
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	handlers, ok := h.topics[topic]
	if !ok {
		handlers = make(map[uint64]Handler)
		h.topics[topic] = handlers
	}
	handlers[id] = handler
	h.count++
	count := h.count
	h.mu.Unlock()

	h.collector.SetSubscriptions(count)
	h.logger.Debug().Str("topic", topic).Uint64("subscription", id).Msg("subscribed")
	return &Subscription{hub: h, id: id, topic: topic}, nil
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	if s == nil {
		return ""
	}
	return s.topic
}

// Close releases the subscription. Further calls do nothing.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.hub.release(s.topic, s.id)
	})
}

func (h *Hub) release(topic string, id uint64) {
	h.mu.Lock()
	handlers := h.topics[topic]
	if _, ok := handlers[id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(h.topics, topic)
	}
	h.count--
	count := h.count
	h.mu.Unlock()

	h.collector.SetSubscriptions(count)
	h.logger.Debug().Str("topic", topic).Uint64("subscription", id).Msg("unsubscribed")
}

// Publish delivers events to every subscriber of topic and returns the
// number of handlers reached. Handlers run on the calling goroutine and
// must not block.
func (h *Hub) Publish(topic string, events []SensorState) int {
	if len(events) == 0 {
		return 0
	}
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.topics[topic]))
	ids := make([]uint64, 0, len(h.topics[topic]))
	for id := range h.topics[topic] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, h.topics[topic][id])
	}
	h.mu.RUnlock()

	h.collector.IncRealtimeEvents(topic, len(events))
	for _, handler := range handlers {
		handler(topic, events)
	}
	return len(handlers)
}

// PublishStates groups events by topic and publishes each group.
func (h *Hub) PublishStates(events []SensorState) int {
	grouped := make(map[string][]SensorState)
	order := make([]string, 0)
	for _, event := range events {
		topic := event.Topic()
		if _, ok := grouped[topic]; !ok {
			order = append(order, topic)
		}
		grouped[topic] = append(grouped[topic], event)
	}
	delivered := 0
	for _, topic := range order {
		delivered += h.Publish(topic, grouped[topic])
	}
	return delivered
}

// Count returns the number of subscribers of topic.
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Subscriptions returns the number of active subscriptions over all topics.
func (h *Hub) Subscriptions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Topics returns the topics with at least one subscriber, sorted.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	topics := make([]string, 0, len(h.topics))
	for topic := range h.topics {
		topics = append(topics, topic)
	}
	h.mu.RUnlock()
	sort.Strings(topics)
	return topics
}
