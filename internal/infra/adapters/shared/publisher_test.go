package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coachpo/meltica-md/internal/domain/schema"
)

type captureSink struct {
	events []*schema.Event
	err    error
}

func (s *captureSink) Publish(_ context.Context, evt *schema.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

func TestPublisherStampsEnvelope(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sink := &captureSink{}
	pub := NewPublisher("binance", sink, func() time.Time { return now })

	venueTime := now.Add(-time.Second)
	if err := pub.Publish(context.Background(), schema.EventTypeTrade, "BTCUSDT-PERP.BINANCE", 0, venueTime, schema.TradePayload{TradeID: "1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected one event, got %d", len(sink.events))
	}
	evt := sink.events[0]
	if evt.EventID == "" {
		t.Fatalf("expected event id")
	}
	if evt.Provider != "binance" || evt.Instrument != "BTCUSDT-PERP.BINANCE" {
		t.Fatalf("unexpected envelope %+v", evt)
	}
	if !evt.TsEvent.Equal(venueTime) || !evt.TsInit.Equal(now) {
		t.Fatalf("unexpected timestamps event=%s init=%s", evt.TsEvent, evt.TsInit)
	}
}

func TestPublisherZeroEventTimeUsesIngestTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pub := NewPublisher("binance", &captureSink{}, func() time.Time { return now })
	evt := pub.NewEvent(schema.EventTypeBookSnapshot, "X.BINANCE", 103, time.Time{}, nil)
	if !evt.TsEvent.Equal(now) {
		t.Fatalf("expected ingest time fallback, got %s", evt.TsEvent)
	}
	if evt.Sequence != 103 {
		t.Fatalf("expected sequence 103, got %d", evt.Sequence)
	}
}

func TestPublisherWrapsSinkError(t *testing.T) {
	boom := errors.New("boom")
	pub := NewPublisher("binance", &captureSink{err: boom}, nil)
	err := pub.Publish(context.Background(), schema.EventTypeQuote, "X.BINANCE", 0, time.Time{}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped sink error, got %v", err)
	}
	if err := NewPublisher("binance", nil, nil).Publish(context.Background(), schema.EventTypeQuote, "X.BINANCE", 0, time.Time{}, nil); err == nil {
		t.Fatalf("expected nil sink error")
	}
}
