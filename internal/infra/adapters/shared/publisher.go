package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/meltica-md/internal/domain/schema"
)

// Sink receives finished events. eventbus.Bus satisfies it.
type Sink interface {
	Publish(ctx context.Context, evt *schema.Event) error
}

// Publisher stamps canonical envelopes and hands them to the sink.
type Publisher struct {
	provider string
	sink     Sink
	clock    func() time.Time
}

// NewPublisher creates a publisher for the named provider. A nil clock uses time.Now.
func NewPublisher(provider string, sink Sink, clock func() time.Time) *Publisher {
	if clock == nil {
		clock = time.Now
	}
	return &Publisher{provider: provider, sink: sink, clock: clock}
}

// Provider returns the provider name stamped on every event.
func (p *Publisher) Provider() string { return p.provider }

// Now returns the publisher clock in UTC.
func (p *Publisher) Now() time.Time { return p.clock().UTC() }

// NewEvent builds an envelope. A zero tsEvent falls back to the ingest time.
func (p *Publisher) NewEvent(typ schema.EventType, instrument schema.InstrumentID, seq uint64, tsEvent time.Time, payload any) *schema.Event {
	now := p.Now()
	if tsEvent.IsZero() {
		tsEvent = now
	}
	return &schema.Event{
		EventID:    schema.NewEventID(),
		Provider:   p.provider,
		Instrument: instrument,
		Type:       typ,
		Sequence:   seq,
		TsEvent:    tsEvent.UTC(),
		TsInit:     now,
		Payload:    payload,
	}
}

// Emit hands a prepared event to the sink.
func (p *Publisher) Emit(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return nil
	}
	if p.sink == nil {
		return fmt.Errorf("publisher %s: nil sink", p.provider)
	}
	if err := p.sink.Publish(ctx, evt); err != nil {
		return fmt.Errorf("publish %s %s: %w", evt.Type, evt.Instrument, err)
	}
	return nil
}

// Publish builds and emits an event in one step.
func (p *Publisher) Publish(ctx context.Context, typ schema.EventType, instrument schema.InstrumentID, seq uint64, tsEvent time.Time, payload any) error {
	return p.Emit(ctx, p.NewEvent(typ, instrument, seq, tsEvent, payload))
}
