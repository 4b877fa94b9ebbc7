// Package broadcast fans domain events out to live client sessions grouped by
// topic. It is a notification channel only: sessions that (re)subscribe fetch
// a snapshot through the query API and then follow the events.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hackgods/clinic-queue/internal/events"
)

const DefaultSendBuffer = 64

// Session is one connected client. Events for the session are queued on
// Send in publish order.
type Session struct {
	ID   string
	Send chan []byte

	topics  map[string]struct{}
	dropped atomic.Int64
}

// NewSession creates a session with a bounded send buffer.
func NewSession(id string, buffer int) *Session {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Session{
		ID:     id,
		Send:   make(chan []byte, buffer),
		topics: make(map[string]struct{}),
	}
}

// Dropped returns how many events were discarded because Send was full.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

type topicSubs struct {
	sessions map[*Session]struct{}
	seq      uint64
}

// Hub tracks sessions and their topic subscriptions. Publish holds the hub
// lock for the whole fan-out, so every subscriber of a topic receives that
// topic's events in the order they were published.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topicSubs
	all    map[*Session]struct{}
}

func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]*topicSubs),
		all:    make(map[*Session]struct{}),
	}
}

// Register adds a session and subscribes it to the given topics.
func (h *Hub) Register(s *Session, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[s] = struct{}{}
	h.subscribeLocked(s, topics)
}

// Unregister removes the session from every topic and closes its Send
// channel. Calling it twice is harmless.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[s]; !ok {
		return
	}
	for topic := range s.topics {
		h.removeLocked(s, topic)
	}
	delete(h.all, s)
	close(s.Send)
}

// Subscribe adds topics to a registered session.
func (h *Hub) Subscribe(s *Session, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[s]; !ok {
		return
	}
	h.subscribeLocked(s, topics)
}

// Unsubscribe removes topics from a registered session.
func (h *Hub) Unsubscribe(s *Session, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		h.removeLocked(s, topic)
	}
}

// Publish stamps the next per-topic sequence number on ev and queues it to
// every subscriber. A subscriber whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[ev.Topic]
	if !ok {
		return nil
	}

	subs.seq++
	ev.Seq = subs.seq
	ev.Origin = ""

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	for s := range subs.sessions {
		select {
		case s.Send <- data:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.all)
}

// TopicCount returns the number of sessions subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		return len(subs.sessions)
	}
	return 0
}

func (h *Hub) subscribeLocked(s *Session, topics []string) {
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		subs, ok := h.topics[topic]
		if !ok {
			subs = &topicSubs{sessions: make(map[*Session]struct{})}
			h.topics[topic] = subs
		}
		subs.sessions[s] = struct{}{}
		s.topics[topic] = struct{}{}
	}
}

func (h *Hub) removeLocked(s *Session, topic string) {
	delete(s.topics, topic)
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs.sessions, s)
	if len(subs.sessions) == 0 {
		delete(h.topics, topic)
	}
}

// ValidTopic reports whether topic is a queue room or an appointment channel.
func ValidTopic(topic string) bool {
	return strings.HasPrefix(topic, "queue:") || strings.HasPrefix(topic, "appointment:")
}
