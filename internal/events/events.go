// Package events fans engine notifications out to UI subscribers.
//
// Delivery is fire-and-forget: every subscriber has a bounded channel and
// an event that does not fit is dropped for that subscriber. Nothing is
// replayed to late subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Name identifies an event.
type Name string

const (
	MessageReceived   Name = "message_received"
	ClipboardReceived Name = "clipboard_received"
	FrontToBack       Name = "front-to-back"
	BackToFront       Name = "back-to-front"
	ConnectionChanged Name = "connection_changed"
	FatalError        Name = "fatal_error"
)

// Event is one notification. Payload is JSON-serializable.
type Event struct {
	Name    Name      `json:"name"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// PayloadJSON renders the payload for transports that carry raw JSON.
func (e Event) PayloadJSON() (json.RawMessage, error) {
	if e.Payload == nil {
		return nil, nil
	}
	return json.Marshal(e.Payload)
}

// DefaultBuffer is the per-subscriber queue used when Subscribe gets 0.
const DefaultBuffer = 32

type subscriber struct {
	id      uint64
	ch      chan Event
	dropped uint64
}

// Bridge is safe for concurrent use. The zero value is ready.
type Bridge struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	now    func() time.Time
}

// New returns a Bridge that stamps events with now (time.Now if nil).
func New(now func() time.Time) *Bridge {
	return &Bridge{now: now}
}

// Subscribe registers a subscriber with room for buf undelivered events.
// The returned cancel func unregisters it and closes the channel; it is
// safe to call more than once.
func (b *Bridge) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buf)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	if b.subs == nil {
		b.subs = make(map[uint64]*subscriber)
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() { b.remove(s.id) })
	}
}

func (b *Bridge) remove(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(s.ch)
	}
}

// Emit delivers an event to every subscriber without blocking and returns
// how many received it.
func (b *Bridge) Emit(name Name, payload any) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	ev := Event{Name: name, Payload: payload, At: b.stamp()}
	n := 0
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
			n++
		default:
			s.dropped++
			slog.Warn("event subscriber is full, dropping", "event", string(name), "subscriber", s.id, "dropped", s.dropped)
		}
	}
	return n
}

// Subscribers returns the current subscriber count.
func (b *Bridge) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later Emits are no-ops.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *Bridge) stamp() time.Time {
	if b.now != nil {
		return b.now().UTC()
	}
	return time.Now().UTC()
}
