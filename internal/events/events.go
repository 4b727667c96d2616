// Package events publishes step progress to live subscribers.
package events

import (
	"context"
	"time"
)

// Kind classifies a progress event.
type Kind string

const (
	KindStatus   Kind = "status"
	KindLLM      Kind = "llm"
	KindCritic   Kind = "critic"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Event is one progress notification for a running step.
type Event struct {
	Kind      Kind      `json:"type"`
	ProjectID string    `json:"project_id"`
	StepID    string    `json:"step_id"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// Terminal reports whether no further events follow for the run.
func (e Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

// Publisher delivers events. Publish must not block the caller on slow
// consumers and never fails the run.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Fanout publishes to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, p := range f {
		p.Publish(ctx, ev)
	}
}
