// Package eventbus implements the in-process publisher-to-many-subscribers
// bus that fans scheduler lifecycle events out to live SSE clients. A slow
// or stuck subscriber only ever loses its own events: publish never blocks
// the scheduler.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
)

// mailboxSize is the per-subscriber buffered channel capacity. Once full,
// further events for that subscriber are dropped rather than blocking the
// publisher.
const mailboxSize = 16

// Event is a transient lifecycle notification. Payload is an arbitrary
// JSON-able map, matching the node-graph worker-facing wire shapes used
// throughout the core.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Subscription is a live subscriber's mailbox.
type Subscription struct {
	ID uuid.UUID
	C  <-chan Event
}

// Bus is the event fan-out hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uuid.UUID]chan Event)}
}

// Subscribe registers a new bounded mailbox and returns it along with its id.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, mailboxSize)
	id := uuid.New()

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	return &Subscription{ID: id, C: ch}
}

// Unsubscribe removes and closes a subscriber's mailbox. Safe to call more
// than once.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish delivers ev to every current subscriber, dropping it silently for
// any subscriber whose mailbox is full. Publish does not encode the
// payload: each SSE stream JSON-encodes it when writing the frame, so an
// event is encoded once per receiving subscriber, not once per publish.
func (b *Bus) Publish(eventType string, payload map[string]any) {
	ev := Event{Type: eventType, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
