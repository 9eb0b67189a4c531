// Package eventbus implements a small fan-out pub/sub bus carrying run and
// dispatch events from the core loops to optional mirrors (MQTT, API push).
package eventbus

import (
	"sync"
	"time"

	"github.com/hemsd/hemsd/core/model"
)

// RunEvent is published whenever a run reaches a terminal status.
type RunEvent struct {
	Run  model.Run
	Time time.Time
}

// DispatchEvent is published for every dispatch ledger entry.
type DispatchEvent struct {
	Event model.OutputDispatchEvent
	Time  time.Time
}

// Event is either a RunEvent or a DispatchEvent.
type Event interface{}

// EventBus is a fan-out publish/subscribe bus.
type EventBus interface {
	Publish(Event)
	Subscribe() <-chan Event
	Unsubscribe(<-chan Event)
	Close()
}

// Bus is the default EventBus implementation using buffered channels.
// Delivery is non-blocking; a slow subscriber drops events.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

// New creates a new Bus.
func New() *Bus { return &Bus{} }

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs = append(b.subs, ch)
	}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subs {
		if ch == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			if !b.closed {
				close(ch)
			}
			return
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
