package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/infra/telemetry"
	"github.com/coachpo/meltica-md/internal/observability"
)

// MemoryBus is an in-memory implementation of the event bus.
// Each subscriber receives its own deep copy of every event.
type MemoryBus struct {
	cfg    MemoryConfig
	logger observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.EventType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublished metric.Int64Counter
	subscriberGauge metric.Int64UpDownCounter
	deliveryErrors  metric.Int64Counter
	fanoutHistogram metric.Int64Histogram
	deliveryDropped metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *schema.Event
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		logger:      cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[schema.EventType]map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublished, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryErrors, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of event delivery errors"),
		metric.WithUnit("{error}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryDropped, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Events evicted due to subscriber backpressure"),
		metric.WithUnit("{event}"))

	return bus
}

// Publish fans the event out to every subscriber of its type. It returns once each
// subscriber holds its copy, so per-subscriber order equals publish order.
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	b.mu.RLock()
	subMap := b.subscribers[evt.Type]
	subs := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Provider, string(evt.Instrument))
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(subs)), metric.WithAttributes(attrs...))
	}
	if len(subs) == 0 {
		return nil
	}

	if err := b.dispatch(ctx, subs, evt); err != nil {
		if b.deliveryErrors != nil {
			b.deliveryErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		return err
	}
	if b.eventsPublished != nil {
		b.eventsPublished.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return nil
}

// Subscribe registers for events of the given type and returns a subscription ID and channel.
// The channel closes when ctx is cancelled, Unsubscribe is called or the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan *schema.Event, error) {
	if typ == "" {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ctx:    subCtx,
		cancel: cancel,
		ch:     make(chan *schema.Event, b.cfg.BufferSize),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(subCtx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrEventType.String(string(typ))))
	}

	go b.observe(typ, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			b.removeLocked(typ, id)
			b.mu.Unlock()
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for typ, subs := range b.subscribers {
			for id, sub := range subs {
				sub.close()
				delete(subs, id)
			}
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
	})
}

func (b *MemoryBus) observe(typ schema.EventType, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	if stored, ok := b.subscribers[typ][id]; ok && stored == sub {
		b.removeLocked(typ, id)
	}
	b.mu.Unlock()
	sub.close()
}

func (b *MemoryBus) removeLocked(typ schema.EventType, id SubscriptionID) {
	subs := b.subscribers[typ]
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subscribers, typ)
	}
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrEventType.String(string(typ))))
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, evt *schema.Event) error {
	if len(subs) == 1 {
		return b.deliver(ctx, subs[0], schema.CloneEvent(evt))
	}

	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		sub := sub
		clone := schema.CloneEvent(evt)
		p.Go(func() error {
			return b.deliver(ctx, sub, clone)
		})
	}
	return p.Wait()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt *schema.Event) (err error) {
	// a concurrent Unsubscribe may close the channel between the ctx check and the send
	defer func() {
		if recover() != nil {
			err = nil
		}
	}()

	if sub.ctx.Err() != nil {
		return nil
	}

	select {
	case sub.ch <- evt:
		return nil
	default:
	}

	if b.cfg.Overflow == OverflowDropOldest {
		select {
		case <-sub.ch:
		default:
		}
		if b.deliveryDropped != nil {
			b.deliveryDropped.Add(ctx, 1, metric.WithAttributes(
				telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Provider, string(evt.Instrument))...))
		}
		b.logger.Warn("eventbus: subscriber buffer full; dropped oldest event",
			observability.F("type", evt.Type),
			observability.F("instrument", evt.Instrument))
		select {
		case sub.ch <- evt:
			return nil
		default:
			return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
		}
	}

	start := time.Now()
	select {
	case sub.ch <- evt:
		if waited := time.Since(start); waited > time.Second {
			b.logger.Warn("eventbus: slow subscriber", observability.F("type", evt.Type), observability.F("waited", waited))
		}
		return nil
	case <-sub.ctx.Done():
		return nil
	case <-b.ctx.Done():
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
