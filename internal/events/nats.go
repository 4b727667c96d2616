package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Warn(msg string, args ...any)
}

// NATSPublisher forwards events to NATS on <prefix>.<project>.<step>.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger Logger
}

// Connect dials the NATS server at url.
func Connect(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("consultflow"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// NewNATSPublisher creates a NATSPublisher. prefix defaults to
// "consultflow.steps".
func NewNATSPublisher(conn Conn, prefix string, logger Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "consultflow.steps"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, ev.ProjectID, ev.StepID)
}

// Publish sends ev as JSON. Failures are logged and dropped.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("event encode failed", "kind", ev.Kind, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(ev), data); err != nil {
		p.logger.Warn("event publish failed", "subject", p.Subject(ev), "error", err)
	}
}
