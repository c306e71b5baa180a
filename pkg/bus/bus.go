// Package bus publishes task lifecycle events to NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	StreamName    = "PAGESMITH"
	SubjectPrefix = "pagesmith.tasks"
)

// Event is one lifecycle transition of a task run.
type Event struct {
	Type    string    `json:"type"`
	TaskID  string    `json:"task"`
	Round   int       `json:"round"`
	RunID   string    `json:"run_id"`
	Status  string    `json:"status,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Subject is the NATS subject an event of type eventType is published on.
func Subject(eventType string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, eventType)
}

// Bus wraps a NATS JetStream connection.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New connects to url and makes sure the event stream exists.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	if _, err := js.StreamInfo(StreamName); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     StreamName,
			Subjects: []string{SubjectPrefix + ".>"},
			MaxAge:   7 * 24 * time.Hour,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
		}
	} else if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close drains and shuts down the underlying connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes ev as JSON and publishes it on Subject(ev.Type).
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(Subject(ev.Type), data, nats.Context(ctx))
	return err
}
