package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/harun/drillops/internal/observability"
)

// Subscriber is one live connection attached to a topic.
type Subscriber interface {
	ID() string
	WriteMessage(data []byte) error
	Close() error
}

// Publisher sends a payload to every subscriber of a topic and returns the
// number of successful deliveries.
type Publisher interface {
	Publish(topic string, payload any) int
}

type subscription struct {
	sub      Subscriber
	failures atomic.Int32
}

// Hub is the topic registry. Topics are created on first subscribe and removed
// when their last subscriber leaves, the topic is closed, or a sweep finds it empty.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*subscription
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[string]*subscription),
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe attaches sub to topic. The returned function detaches it and is
// safe to call more than once.
func (h *Hub) Subscribe(topic string, sub Subscriber) func() {
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*subscription)
		h.topics[topic] = subs
	}
	subs[sub.ID()] = &subscription{sub: sub}
	total := h.totalLocked()
	h.mu.Unlock()

	observability.SetSubscribers(total)
	h.logger.Debug().Str("topic", topic).Str("subscriber", sub.ID()).Msg("Subscriber attached")

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(topic, sub.ID()) })
	}
}

func (h *Hub) unsubscribe(topic, id string) {
	h.mu.Lock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	total := h.totalLocked()
	h.mu.Unlock()

	observability.SetSubscribers(total)
}

// Publish marshals payload once and writes it to every subscriber of topic.
// Individual delivery failures are logged and counted, never returned.
func (h *Hub) Publish(topic string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return 0
	}

	h.mu.RLock()
	subs := make([]*subscription, 0, len(h.topics[topic]))
	for _, s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return 0
	}

	delivered := 0
	for _, s := range subs {
		if err := s.sub.WriteMessage(data); err != nil {
			s.failures.Add(1)
			observability.RecordBroadcastFailure()
			h.logger.Warn().
				Err(err).
				Str("topic", topic).
				Str("subscriber", s.sub.ID()).
				Msg("Failed to deliver event")
			continue
		}
		delivered++
	}

	h.logger.Debug().
		Str("topic", topic).
		Int("success", delivered).
		Int("failed", len(subs)-delivered).
		Msg("Event published")
	return delivered
}

// CloseTopic closes every subscriber connection on topic and forgets the topic.
func (h *Hub) CloseTopic(topic string) int {
	h.mu.Lock()
	subs := h.topics[topic]
	delete(h.topics, topic)
	total := h.totalLocked()
	h.mu.Unlock()

	observability.SetSubscribers(total)

	for _, s := range subs {
		if err := s.sub.Close(); err != nil {
			h.logger.Debug().Err(err).Str("topic", topic).Str("subscriber", s.sub.ID()).Msg("Close failed")
		}
	}
	return len(subs)
}

// Count returns the number of subscribers on topic.
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Topics returns the number of live topics.
func (h *Hub) Topics() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// Sweep evicts subscribers that failed a delivery and drops empty topics.
// It returns the number of evicted subscribers.
func (h *Hub) Sweep() int {
	var dead []Subscriber

	h.mu.Lock()
	for topic, subs := range h.topics {
		for id, s := range subs {
			if s.failures.Load() > 0 {
				dead = append(dead, s.sub)
				delete(subs, id)
			}
		}
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	total := h.totalLocked()
	h.mu.Unlock()

	observability.SetSubscribers(total)

	for _, sub := range dead {
		_ = sub.Close()
	}
	if len(dead) > 0 {
		h.logger.Info().Int("evicted", len(dead)).Msg("Swept failed subscribers")
	}
	return len(dead)
}

func (h *Hub) totalLocked() int {
	total := 0
	for _, subs := range h.topics {
		total += len(subs)
	}
	return total
}
