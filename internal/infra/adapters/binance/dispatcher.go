package binance

import (
	"context"
	"time"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-md/internal/observability"
)

type bookSink interface {
	OnEvent(ctx context.Context, evt *schema.Event) error
}

// streamDispatcher turns combined-stream frames into canonical events. It is driven serially by
// the websocket read loop.
type streamDispatcher struct {
	resolver  *symbolResolver
	publisher *shared.Publisher
	books     bookSink
	registry  *shared.SubscriptionRegistry
	metrics   *adapterMetrics
	logger    observability.Logger
}

func newStreamDispatcher(resolver *symbolResolver, publisher *shared.Publisher, books bookSink, registry *shared.SubscriptionRegistry, metrics *adapterMetrics, logger observability.Logger) *streamDispatcher {
	return &streamDispatcher{
		resolver:  resolver,
		publisher: publisher,
		books:     books,
		registry:  registry,
		metrics:   metrics,
		logger:    observability.OrDefault(logger),
	}
}

// Dispatch decodes and routes one frame. Malformed or unrecognised frames are logged and
// dropped; the returned error is informational.
func (d *streamDispatcher) Dispatch(ctx context.Context, raw []byte) error {
	env, err := decodeEnvelope(raw)
	if err != nil {
		d.drop(ctx, topicUnknown, "", err)
		return err
	}
	kind := classifyTopic(env.Stream)
	d.metrics.recordFrame(ctx, kind)

	switch {
	case kind.isBook():
		err = d.handleDepth(ctx, kind, env.Data)
	case kind == topicBookTicker:
		err = d.handleBookTicker(ctx, env.Data)
	case kind == topicTrade:
		err = d.handleTrade(ctx, env.Data)
	case kind == topicTicker:
		err = d.handleTicker(ctx, env.Data)
	case kind == topicKline:
		err = d.handleKline(ctx, env.Data)
	case kind == topicMarkPrice:
		err = d.handleMarkPrice(ctx, env.Data)
	default:
		err = decodeError("unrecognised stream %q", env.Stream)
	}
	if err != nil {
		d.drop(ctx, kind, env.Stream, err)
	}
	return err
}

func (d *streamDispatcher) drop(ctx context.Context, kind topicKind, stream string, err error) {
	reason := "publish_error"
	if errs.Is(err, errs.CodeDecode) {
		reason = "decode_error"
	}
	d.metrics.recordDrop(ctx, kind, reason)
	d.logger.Error("binance frame dropped",
		observability.F("stream", stream),
		observability.F("kind", kind.String()),
		observability.Err(err))
}

func (d *streamDispatcher) instrument(symbol string) (schema.InstrumentID, error) {
	if symbol == "" {
		return "", decodeError("payload missing symbol")
	}
	return d.resolver.Resolve(symbol), nil
}

func (d *streamDispatcher) bookRouted(instrument schema.InstrumentID) bool {
	return d.registry.HasInstrument(shared.KindBookDeltas, instrument) ||
		d.registry.HasInstrument(shared.KindBookSnapshots, instrument)
}

// handleDepth routes diff and partial depth frames through the book coordinator. Frames for
// instruments without a book subscription are ignored.
func (d *streamDispatcher) handleDepth(ctx context.Context, kind topicKind, data []byte) error {
	msg, err := decodeData[depthMessage](kind, data)
	if err != nil {
		return err
	}
	instrument, err := d.instrument(msg.Symbol)
	if err != nil {
		return err
	}
	if !d.bookRouted(instrument) {
		return nil
	}
	typ := schema.EventTypeBookDelta
	var payload any
	if kind == topicPartialDepth {
		typ = schema.EventTypeBookSnapshot
		payload, err = depthToSnapshot(msg)
	} else {
		payload, err = depthToDelta(msg)
	}
	if err != nil {
		return err
	}
	evt := d.publisher.NewEvent(typ, instrument, msg.FinalUpdateID,
		resolveTimestamp(msg.EventTime, d.publisher.Now), payload)
	return d.books.OnEvent(ctx, evt)
}

func (d *streamDispatcher) handleBookTicker(ctx context.Context, data []byte) error {
	msg, err := decodeData[bookTickerMessage](topicBookTicker, data)
	if err != nil {
		return err
	}
	instrument, err := d.instrument(msg.Symbol)
	if err != nil {
		return err
	}
	if !d.registry.HasInstrument(shared.KindQuotes, instrument) {
		return nil
	}
	quote, err := bookTickerToQuote(msg)
	if err != nil {
		return err
	}
	ts := msg.TransactionTime
	if ts == 0 {
		ts = msg.EventTime
	}
	return d.publish(ctx, schema.EventTypeQuote, instrument, resolveTimestamp(ts, d.publisher.Now), quote)
}

func (d *streamDispatcher) handleTrade(ctx context.Context, data []byte) error {
	msg, err := decodeData[tradeMessage](topicTrade, data)
	if err != nil {
		return err
	}
	instrument, err := d.instrument(msg.Symbol)
	if err != nil {
		return err
	}
	if !d.registry.HasInstrument(shared.KindTrades, instrument) {
		return nil
	}
	trade, err := tradeToPayload(msg)
	if err != nil {
		return err
	}
	return d.publish(ctx, schema.EventTypeTrade, instrument, resolveTimestamp(msg.TradeTime, d.publisher.Now), trade)
}

func (d *streamDispatcher) handleTicker(ctx context.Context, data []byte) error {
	msg, err := decodeData[tickerMessage](topicTicker, data)
	if err != nil {
		return err
	}
	instrument, err := d.instrument(msg.Symbol)
	if err != nil {
		return err
	}
	if !d.registry.HasInstrument(shared.KindTicker, instrument) {
		return nil
	}
	ticker, err := tickerToPayload(msg)
	if err != nil {
		return err
	}
	return d.publish(ctx, schema.EventTypeTicker, instrument, resolveTimestamp(msg.EventTime, d.publisher.Now), ticker)
}

func (d *streamDispatcher) handleKline(ctx context.Context, data []byte) error {
	msg, err := decodeData[klineMessage](topicKline, data)
	if err != nil {
		return err
	}
	if !msg.Kline.Closed {
		return nil
	}
	symbol := msg.Symbol
	if symbol == "" {
		symbol = msg.Kline.Symbol
	}
	instrument, err := d.instrument(symbol)
	if err != nil {
		return err
	}
	if !d.registry.Contains(shared.SubscriptionKey{Kind: shared.KindBars, Instrument: instrument, Params: msg.Kline.Interval}) {
		return nil
	}
	spec, err := intervalToSpec(instrument, msg.Kline.Interval)
	if err != nil {
		return err
	}
	bar, err := klineToBar(spec, msg.Kline)
	if err != nil {
		return err
	}
	return d.publish(ctx, schema.EventTypeBar, instrument, resolveTimestamp(msg.Kline.CloseTime, d.publisher.Now), bar)
}

func (d *streamDispatcher) handleMarkPrice(ctx context.Context, data []byte) error {
	msg, err := decodeData[markPriceMessage](topicMarkPrice, data)
	if err != nil {
		return err
	}
	instrument, err := d.instrument(msg.Symbol)
	if err != nil {
		return err
	}
	if !d.registry.HasInstrument(shared.KindMarkPrices, instrument) {
		return nil
	}
	update, err := markPriceToUpdate(msg)
	if err != nil {
		return err
	}
	payload := schema.GenericPayload{
		DataType: schema.DataTypeMarkPrice,
		Metadata: map[string]string{schema.MetadataInstrumentID: instrument.String()},
		Data:     update,
	}
	return d.publish(ctx, schema.EventTypeGeneric, instrument, resolveTimestamp(msg.EventTime, d.publisher.Now), payload)
}

func (d *streamDispatcher) publish(ctx context.Context, typ schema.EventType, instrument schema.InstrumentID, ts time.Time, payload any) error {
	if err := d.publisher.Publish(ctx, typ, instrument, 0, ts, payload); err != nil {
		return err
	}
	d.metrics.recordEvent(ctx, string(typ), string(instrument))
	return nil
}
