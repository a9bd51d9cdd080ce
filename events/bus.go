// Package events provides the publish/subscribe channel that components use
// to report lifecycle changes to each other and to the UI layer.
//
// A Bus delivers events on a single dispatcher goroutine in the order they
// were published, so events from one component are observed FIFO. No
// ordering is promised between components unless the publisher sequences
// them itself.
package events

import (
	"sync"
	"time"

	"github.com/yllada/vpn-core/common"
)

// Type identifies the kind of event fired on the bus.
type Type string

const (
	Connecting          Type = "connecting"
	Connected           Type = "connected"
	Disconnected        Type = "disconnected"
	Log                 Type = "log"
	Error               Type = "error"
	ConnectionLost      Type = "connection:lost"
	ReconnectAttempt    Type = "reconnect:attempt"
	Reconnected         Type = "reconnect:success"
	ReconnectMaxRetries Type = "reconnect:max_retries"
	ServersTested       Type = "servers:tested"
	KillSwitchChanged   Type = "killswitch:changed"
	SplitTunnelChanged  Type = "splittunnel:changed"
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Source  string    `json:"source,omitempty"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// Publisher is the narrow interface components depend on.
type Publisher interface {
	Publish(e Event)
}

type subscription struct {
	id int
	t  Type // empty means every type
	h  Handler
}

// Bus provides pub/sub between system components.
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	nextID int
	queue  []Event
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewBus creates a bus and starts its dispatcher.
func NewBus() *Bus {
	b := &Bus{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers h for events of type t and returns a function
// that removes the subscription.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	return b.add(t, h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.add("", h)
}

func (b *Bus) add(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, t: t, h: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues e for delivery. It never blocks on subscribers and is
// safe to call from inside a handler. Events published after Close are
// dropped.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Emit is shorthand for publishing an event with a message.
func (b *Bus) Emit(t Type, source, message string, data any) {
	b.Publish(Event{Type: t, Source: source, Message: message, Data: data})
}

// Close stops accepting events, delivers everything already queued,
// and waits for the dispatcher to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for range b.wake {
		for {
			b.mu.Lock()
			batch := b.queue
			b.queue = nil
			closed := b.closed
			subs := append([]subscription(nil), b.subs...)
			b.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, e := range batch {
				for _, s := range subs {
					if s.t == "" || s.t == e.Type {
						deliver(s.h, e)
					}
				}
			}
		}
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			common.LogError("event handler for %s panicked: %v", e.Type, r)
		}
	}()
	h(e)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
