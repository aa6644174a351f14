// Package events fans out governance events (run seals, contradiction
// transitions, stage outcomes, publications) to NATS subscribers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Type names an event. It becomes the subject suffix.
type Type string

const (
	RunSealed              Type = "run.sealed"
	ContradictionOpened    Type = "contradiction.opened"
	ContradictionResolved  Type = "contradiction.resolved"
	ContradictionDismissed Type = "contradiction.dismissed"
	ContradictionReopened  Type = "contradiction.reopened"
	StageEvaluated         Type = "review.stage_evaluated"
	ContentPublished       Type = "review.published"
)

// Event is one governance notification. Ref names the entity it concerns.
type Event struct {
	Type       Type           `json:"type"`
	Ref        string         `json:"ref"`
	Attributes map[string]any `json:"attributes,omitempty"`
	At         time.Time      `json:"at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emit publishes ev and logs, rather than returns, a delivery failure.
// Governance writes are already durable when events go out.
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil {
		zap.L().Warn("events: publish failed",
			zap.String("type", string(ev.Type)),
			zap.String("ref", ev.Ref),
			zap.Error(err),
		)
	}
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATSPublisher publishes events as JSON on "<prefix>.<type>" subjects.
type NATSPublisher struct {
	nc     conn
	prefix string
}

// Connect dials NATS at url.
func Connect(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("evidence-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "events: connect %s", url)
	}
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(nc conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "evidence"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "events: marshal event")
	}
	if err := p.nc.Publish(p.Subject(ev.Type), data); err != nil {
		return eris.Wrapf(err, "events: publish %s", ev.Type)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// Recorder keeps published events in memory. Used by tests across packages.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
	return nil
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.Events))
	for i, ev := range r.Events {
		out[i] = ev.Type
	}
	return out
}
