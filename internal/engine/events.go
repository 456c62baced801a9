package engine

import (
	"sync"
	"time"
)

type EventType string

const (
	EventChatQueued        EventType = "chat_queued"
	EventChatRefused       EventType = "chat_refused"
	EventChatAssigned      EventType = "chat_assigned"
	EventChatCompleted     EventType = "chat_completed"
	EventChatEvicted       EventType = "chat_evicted"
	EventOverflowActivated EventType = "overflow_activated"
)

// Event is the envelope published for every routing decision. Observers
// (websocket monitor, logs) consume these instead of subscribing to
// in-process callbacks.
type Event struct {
	Type    EventType `json:"type"`
	ChatID  string    `json:"chat_id,omitempty"`
	AgentID int       `json:"agent_id,omitempty"`
	TeamID  string    `json:"team_id,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// that falls behind loses events rather than back-pressuring the engine.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered event channel. The returned cancel func
// unregisters and closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
