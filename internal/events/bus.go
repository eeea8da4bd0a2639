package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels. Publishing never blocks: a
// subscriber that falls behind loses messages.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Event][]chan Envelope
	closed bool
}

// Envelope carries a payload together with its topic.
type Envelope struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope)}
}

// Subscribe registers one channel for the given topics and returns it with an
// unsubscribe function. The channel is closed by unsubscribe or Close.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	for _, e := range topics {
		b.subs[e] = append(b.subs[e], ch)
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, e := range topics {
				subs := b.subs[e]
				for i, c := range subs {
					if c == ch {
						b.subs[e] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsub
}

// Publish fans the payload out to subscribers of e.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	env := Envelope{Event: e, Payload: payload}
	for _, ch := range b.subs[e] {
		select {
		case ch <- env:
		default:
		}
	}
}

// Close closes every subscriber channel; later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[chan Envelope]struct{})
	for _, subs := range b.subs {
		for _, ch := range subs {
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			close(ch)
		}
	}
	b.subs = make(map[Event][]chan Envelope)
}
