package binance

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/infra/telemetry"
)

const meterName = "adapter.binance"

type adapterMetrics struct {
	environment string
	provider    string

	framesReceived  metric.Int64Counter
	framesDropped   metric.Int64Counter
	eventsPublished metric.Int64Counter
	bookSyncs       metric.Int64Counter
	bookSyncLatency metric.Float64Histogram
	bookBuffered    metric.Int64Histogram
	restCalls       metric.Int64Counter
	restLatency     metric.Float64Histogram
	requests        metric.Int64Counter
}

func newAdapterMetrics(provider string) *adapterMetrics {
	meter := otel.Meter(meterName)
	am := &adapterMetrics{
		environment: telemetry.Environment(),
		provider:    provider,
	}

	am.framesReceived, _ = meter.Int64Counter("meltica_md_frames_received",
		metric.WithDescription("Websocket frames received, by classified topic kind"),
		metric.WithUnit("{frame}"))
	am.framesDropped, _ = meter.Int64Counter("meltica_md_frames_dropped",
		metric.WithDescription("Websocket frames dropped during decode or routing"),
		metric.WithUnit("{frame}"))
	am.eventsPublished, _ = meter.Int64Counter("meltica_md_events_published",
		metric.WithDescription("Canonical events handed to the event bus"),
		metric.WithUnit("{event}"))
	am.bookSyncs, _ = meter.Int64Counter("meltica_md_book_syncs",
		metric.WithDescription("Order book reconciliations by outcome"),
		metric.WithUnit("{sync}"))
	am.bookSyncLatency, _ = meter.Float64Histogram("meltica_md_book_sync_duration",
		metric.WithDescription("Time from book subscribe to reconciled state"),
		metric.WithUnit("ms"))
	am.bookBuffered, _ = meter.Int64Histogram("meltica_md_book_sync_buffered",
		metric.WithDescription("Book events buffered while a snapshot was fetched"),
		metric.WithUnit("{event}"))
	am.restCalls, _ = meter.Int64Counter("meltica_md_rest_calls",
		metric.WithDescription("REST calls by endpoint and result"),
		metric.WithUnit("{call}"))
	am.restLatency, _ = meter.Float64Histogram("meltica_md_rest_latency",
		metric.WithDescription("REST round trip latency by endpoint"),
		metric.WithUnit("ms"))
	am.requests, _ = meter.Int64Counter("meltica_md_requests",
		metric.WithDescription("Historical and catalogue requests by operation and result"),
		metric.WithUnit("{request}"))

	return am
}

func (am *adapterMetrics) recordFrame(ctx context.Context, kind topicKind) {
	if am == nil || am.framesReceived == nil {
		return
	}
	am.framesReceived.Add(ensureContext(ctx), 1,
		metric.WithAttributes(telemetry.FrameAttributes(am.environment, am.provider, kind.String())...))
}

func (am *adapterMetrics) recordDrop(ctx context.Context, kind topicKind, reason string) {
	if am == nil || am.framesDropped == nil {
		return
	}
	attrs := append(telemetry.FrameAttributes(am.environment, am.provider, kind.String()),
		telemetry.AttrReason.String(reason))
	am.framesDropped.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (am *adapterMetrics) recordEvent(ctx context.Context, eventType, instrument string) {
	if am == nil || am.eventsPublished == nil {
		return
	}
	am.eventsPublished.Add(ensureContext(ctx), 1,
		metric.WithAttributes(telemetry.EventAttributes(am.environment, eventType, am.provider, instrument)...))
}

func (am *adapterMetrics) recordBookSync(ctx context.Context, result string, elapsed time.Duration, buffered int) {
	if am == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(am.environment, am.provider, "book_sync", result)...)
	if am.bookSyncs != nil {
		am.bookSyncs.Add(ctx, 1, attrs)
	}
	if result != "success" {
		return
	}
	if am.bookSyncLatency != nil {
		am.bookSyncLatency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
	if am.bookBuffered != nil {
		am.bookBuffered.Record(ctx, int64(buffered), attrs)
	}
}

func (am *adapterMetrics) recordREST(ctx context.Context, endpoint string, elapsed time.Duration, err error) {
	if am == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := metric.WithAttributes(telemetry.EndpointAttributes(am.environment, am.provider, endpoint, resultOf(err))...)
	if am.restCalls != nil {
		am.restCalls.Add(ctx, 1, attrs)
	}
	if am.restLatency != nil {
		am.restLatency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}

func (am *adapterMetrics) recordRequest(ctx context.Context, operation string, err error) {
	if am == nil || am.requests == nil {
		return
	}
	am.requests.Add(ensureContext(ctx), 1,
		metric.WithAttributes(telemetry.OperationResultAttributes(am.environment, am.provider, operation, resultOf(err))...))
}

type streamMetrics struct {
	environment string
	provider    string

	reconnects       metric.Int64Counter
	controlMessages  metric.Int64Counter
	messagesReceived metric.Int64Counter
	messageBytes     metric.Int64Histogram
	pingLatency      metric.Float64Histogram
}

func newStreamMetrics(provider string) *streamMetrics {
	meter := otel.Meter(meterName)
	sm := &streamMetrics{
		environment: telemetry.Environment(),
		provider:    provider,
	}

	sm.reconnects, _ = meter.Int64Counter("meltica_md_ws_reconnects",
		metric.WithDescription("Websocket dial attempts by result"),
		metric.WithUnit("{reconnect}"))
	sm.controlMessages, _ = meter.Int64Counter("meltica_md_ws_control_messages",
		metric.WithDescription("Streams carried by SUBSCRIBE/UNSUBSCRIBE frames and pings sent"),
		metric.WithUnit("{message}"))
	sm.messagesReceived, _ = meter.Int64Counter("meltica_md_ws_messages",
		metric.WithDescription("Text messages received on the websocket"),
		metric.WithUnit("{message}"))
	sm.messageBytes, _ = meter.Int64Histogram("meltica_md_ws_message_bytes",
		metric.WithDescription("Size of websocket messages"),
		metric.WithUnit("By"))
	sm.pingLatency, _ = meter.Float64Histogram("meltica_md_ws_ping_latency",
		metric.WithDescription("Websocket ping round trip"),
		metric.WithUnit("ms"))

	return sm
}

func (sm *streamMetrics) baseAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(sm.environment),
		telemetry.AttrProvider.String(sm.provider),
	}
}

func (sm *streamMetrics) recordReconnect(ctx context.Context, result string) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	attrs := append(sm.baseAttrs(), telemetry.AttrResult.String(result))
	sm.reconnects.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordControl(ctx context.Context, method string, count int) {
	if sm == nil || sm.controlMessages == nil || count == 0 {
		return
	}
	attrs := append(sm.baseAttrs(), telemetry.AttrCommandType.String(method))
	sm.controlMessages.Add(ensureContext(ctx), int64(count), metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordMessage(ctx context.Context, size int) {
	if sm == nil || sm.messagesReceived == nil || sm.messageBytes == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := metric.WithAttributes(sm.baseAttrs()...)
	sm.messagesReceived.Add(ctx, 1, attrs)
	sm.messageBytes.Record(ctx, int64(size), attrs)
}

func (sm *streamMetrics) recordPing(ctx context.Context, latency time.Duration, err error) {
	if sm == nil || sm.pingLatency == nil {
		return
	}
	attrs := append(sm.baseAttrs(), telemetry.AttrResult.String(resultOf(err)))
	sm.pingLatency.Record(ensureContext(ctx), float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// resultOf folds an error into a low-cardinality result label.
func resultOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	if code := errs.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}
