package session

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/valora-bridge/internal/domain"
)

// EventKind describes a same-origin session change.
type EventKind string

const (
	EventEstablished EventKind = "established"
	EventUpdated     EventKind = "updated"
	EventLoggedOut   EventKind = "logged_out"
)

// Event is the cross-tab notification for a session change. It never
// carries token material.
type Event struct {
	Kind         EventKind            `json:"kind"`
	SessionID    string               `json:"session_id,omitempty"`
	User         *domain.UserIdentity `json:"user,omitempty"`
	ExpiresAt    time.Time            `json:"expires_at,omitempty"`
	LastActivity time.Time            `json:"last_activity,omitempty"`
	Source       domain.Source        `json:"source,omitempty"`
	At           time.Time            `json:"at"`
}

// Channel is a publish/subscribe pipe for one origin and browser.
// Delivery is eventually consistent and unordered across publishers.
type Channel interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Hub hands out named channels.
type Hub interface {
	Channel(name string) Channel
}

// MemoryHub fans events out within the current process.
type MemoryHub struct {
	mu       sync.RWMutex
	channels map[string]*memoryChannel
}

var _ Hub = (*MemoryHub)(nil)

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{channels: make(map[string]*memoryChannel)}
}

// Channel returns the channel registered under name, creating it on first use.
func (h *MemoryHub) Channel(name string) Channel {
	h.mu.RLock()
	ch, ok := h.channels[name]
	h.mu.RUnlock()
	if ok {
		return ch
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok = h.channels[name]; ok {
		return ch
	}
	ch = &memoryChannel{listeners: make(map[int]func(Event))}
	h.channels[name] = ch
	return ch
}

type memoryChannel struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]func(Event)
}

func (c *memoryChannel) Publish(_ context.Context, event Event) error {
	c.mu.RLock()
	handlers := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		handlers = append(handlers, fn)
	}
	c.mu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
	return nil
}

func (c *memoryChannel) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// EventFor builds the notification for record. A nil record always yields
// a logout event.
func EventFor(kind EventKind, record *domain.SessionRecord, at time.Time) Event {
	if record == nil {
		return Event{Kind: EventLoggedOut, At: at}
	}
	return Event{
		Kind:         kind,
		SessionID:    record.SessionID,
		User:         record.User,
		ExpiresAt:    record.ExpiresAt,
		LastActivity: record.LastActivity,
		Source:       record.Source,
		At:           at,
	}
}
