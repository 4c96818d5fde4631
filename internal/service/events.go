package service

import "sync"

// EventType defines the type of event
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventWoTProgress    EventType = "wot_progress"
	EventWoTReady       EventType = "wot_ready"
	EventFeedUpdated    EventType = "feed_updated"
	EventCacheCleared   EventType = "cache_cleared"
	EventConfigReloaded EventType = "config_reloaded"
)

// Event represents an event that occurred in the system
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventBus allows publishing and subscribing to events. It is safe for
// concurrent use.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan<- Event
	next        int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan<- Event),
	}
}

// Subscribe adds a subscriber to receive events. The returned function
// removes it; ch is never closed by the bus.
func (eb *EventBus) Subscribe(ch chan<- Event) func() {
	eb.mu.Lock()
	id := eb.next
	eb.next++
	eb.subscribers[id] = ch
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subscribers, id)
			eb.mu.Unlock()
		})
	}
}

// Publish sends an event to all subscribers. Slow subscribers miss it.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
