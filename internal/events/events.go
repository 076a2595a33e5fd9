// Package events publishes instance lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// SubjectPrefix prefixes every event subject; the event type completes it.
const SubjectPrefix = "vmd.instance."

// Event types
const (
	Created   = "created"
	Started   = "started"
	Stopped   = "stopped"
	Suspended = "suspended"
	Restarted = "restarted"
	Deleted   = "deleted"
	Recovered = "recovered"
	Purged    = "purged"
)

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("events: nats not connected")

// Event describes one lifecycle transition.
type Event struct {
	Type     string    `json:"type"`
	Instance string    `json:"instance"`
	State    string    `json:"state,omitempty"`
	Time     time.Time `json:"time"`
}

// Subject returns the subject the event is published on.
func (e Event) Subject() string {
	return SubjectPrefix + e.Type
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() {}

// NATSPublisher publishes JSON-encoded events to a NATS server.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATS connects to url and reconnects forever on disconnect.
func NewNATS(url string, log logrus.FieldLogger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("vmd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.nc.Publish(e.Subject(), payload)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan Event
}

// NewRecorder returns a recorder buffering up to size events; further
// events are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	select {
	case r.ch <- e:
	default:
	}
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() {}

// Events returns the channel events are delivered on.
func (r *Recorder) Events() <-chan Event {
	return r.ch
}
