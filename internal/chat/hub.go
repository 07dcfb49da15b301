package chat

import (
	"log"
	"os"
	"sync"
)

// EventKind identifies what changed.
type EventKind int

const (
	EventConnState EventKind = iota + 1
	EventIdentity
	EventPeers
	EventPeerStatus
	EventGroups
	EventSelection
	EventTimelineReset
	EventMessage
	EventMessageReconciled
	EventTyping
	EventSessionEnded
	EventError
)

// Event is published by the client whenever local state changes. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind         EventKind
	State        ConnState
	Conversation Conversation
	Message      Message
	PeerID       int64
	Online       bool
	Typing       TypingState
	Err          error
}

// Subscriber receives events from a Hub.
type Subscriber struct {
	events chan Event
}

// Events returns the channel events are delivered on. It is closed when the
// subscriber is removed or the hub is closed.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Hub fans events out to every subscriber. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	subs   map[*Subscriber]bool
	mu     sync.RWMutex
	closed bool
	logger *log.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stdout, "[HUB] ", log.LstdFlags|log.Lshortfile)
	}
	return &Hub{
		subs:   make(map[*Subscriber]bool),
		logger: logger,
	}
}

// Subscribe registers a subscriber with the given buffer size.
func (h *Hub) Subscribe(buffer int) *Subscriber {
	s := &Subscriber{events: make(chan Event, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.events)
		return s
	}
	h.subs[s] = true
	return s
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.events)
	}
}

// Publish delivers ev to every subscriber that has room for it.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.events <- ev:
		default:
			h.logger.Printf("Subscriber buffer full, dropping event kind %d", ev.Kind)
		}
	}
}

// SubscriberCount returns the number of subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber. Later subscribers receive a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.events)
		delete(h.subs, s)
	}
}
