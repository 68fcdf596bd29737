// Package events implements the process-wide session.started/ended
// notifier (C11): the association registry publishes here, and any
// interested collaborator subscribes.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Kind distinguishes the two lifecycle events spec.md names explicitly.
type Kind string

const (
	SessionStarted Kind = "session.started"
	SessionEnded   Kind = "session.ended"
)

// Event is the payload pushed to subscribers.
type Event struct {
	Kind      Kind
	AssocID   uuid.UUID
	Reason    string // only meaningful for SessionEnded
	BytesTx   uint64
	BytesRx   uint64
}

// Bus is a fan-out publisher. Each subscriber gets its own buffered
// channel; a slow subscriber drops events rather than blocking
// publishers, since these are best-effort notifications (session list
// pushes), not an authoritative log.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a cancel function
// that must be called to release it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans ev out to every current subscriber, dropping it for any
// subscriber whose buffer is full.
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

// SubscriberCount reports how many subscribers are currently attached.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
