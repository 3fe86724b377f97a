// Package events publishes encounter phase transitions to interested
// consumers (lab worklists, reporting) over RabbitMQ.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the durable queue phase changes are published to.
const DefaultQueue = "labflow_encounter_phase_changed"

// PhaseChanged is emitted after a transition has been committed.
type PhaseChanged struct {
	EncounterID string    `json:"encounter_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	ResourceID  string    `json:"resource_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

type Publisher interface {
	PublishPhaseChanged(ctx context.Context, ev PhaseChanged) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishPhaseChanged(context.Context, PhaseChanged) error { return nil }

// Fanout delivers every event to each publisher in order. All publishers
// are tried; their errors are joined.
type Fanout []Publisher

func (f Fanout) PublishPhaseChanged(ctx context.Context, ev PhaseChanged) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishPhaseChanged(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []PhaseChanged
}

func (r *Recorder) PublishPhaseChanged(_ context.Context, ev PhaseChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []PhaseChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PhaseChanged(nil), r.events...)
}

// AMQP publishes persistent messages and waits for the broker confirm.
type AMQP struct {
	ch       *amqp.Channel
	queue    string
	confirms chan amqp.Confirmation
	mu       sync.Mutex
}

// NewAMQP declares the durable queue on a fresh channel and enables
// publisher confirms.
func NewAMQP(conn *amqp.Connection, queue string) (*AMQP, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &AMQP{
		ch:       ch,
		queue:    queue,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (p *AMQP) PublishPhaseChanged(ctx context.Context, ev PhaseChanged) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Type:         "encounter.phase_changed",
		MessageId:    fmt.Sprintf("%s:%s:%d", ev.EncounterID, ev.To, ev.At.UnixNano()),
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}

	select {
	case c, ok := <-p.confirms:
		if !ok {
			return errors.New("confirm channel closed")
		}
		if !c.Ack {
			return fmt.Errorf("publish to %s not confirmed", p.queue)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *AMQP) Close() error {
	return p.ch.Close()
}
