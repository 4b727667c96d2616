package events

import (
	"context"
	"sync"
)

const defaultBuffer = 64

// Broker fans events out to in-process subscribers keyed by step.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

// NewBroker creates a Broker whose subscriber channels hold buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{subs: make(map[string]map[chan Event]struct{}), buffer: buffer}
}

// Subscribe returns a channel receiving the step's events and a cancel
// function that must be called to release it.
func (b *Broker) Subscribe(stepID string) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	if b.subs[stepID] == nil {
		b.subs[stepID] = make(map[chan Event]struct{})
	}
	b.subs[stepID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[stepID], ch)
			if len(b.subs[stepID]) == 0 {
				delete(b.subs, stepID)
			}
			close(ch)
		})
	}
}

// Publish delivers ev to the step's subscribers. A subscriber whose buffer
// is full misses the event.
func (b *Broker) Publish(_ context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.StepID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for a step.
func (b *Broker) Subscribers(stepID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[stepID])
}
