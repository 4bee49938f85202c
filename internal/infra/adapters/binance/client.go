// Package binance implements the Binance USDⓈ-M futures market-data client.
package binance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-md/internal/observability"
	"github.com/coachpo/meltica-md/lib/async"
)

// transport is the websocket surface used by the client; streamManager implements it.
type transport interface {
	streamArmer
	unsubscribe(ctx context.Context, streams []string) error
}

// DataClient streams and requests market data for Binance futures and publishes canonical
// events to the configured sink.
type DataClient struct {
	opts      Options
	publisher *shared.Publisher
	resolver  *symbolResolver
	registry  *shared.SubscriptionRegistry
	catalogue *instrumentCatalogue
	rest      *restClient
	books     *bookCoordinator
	dispatch  *streamDispatcher
	metrics   *adapterMetrics
	logger    observability.Logger

	transport transport
	stream    *streamManager
	scheduler *async.Scheduler

	// subMu serialises registry changes with the control frames they cause.
	subMu sync.Mutex

	runMu   sync.Mutex
	running bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDataClient builds a client; Start opens the websocket and the periodic jobs.
func NewDataClient(opts Options) (*DataClient, error) {
	if opts.Sink == nil {
		return nil, errs.New("binance", errs.CodeInvalid, errs.WithMessage("event sink required"))
	}
	opts = withDefaults(opts)
	switch opts.Config.DepthSpeed {
	case "100ms", "250ms", "500ms":
	default:
		return nil, errs.New(opts.Config.Name, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("depth speed %q must be 100ms, 250ms or 500ms", opts.Config.DepthSpeed)))
	}

	metrics := newAdapterMetrics(opts.Config.Name)
	ctx, cancel := context.WithCancel(context.Background())
	c := &DataClient{
		opts:      opts,
		publisher: shared.NewPublisher(opts.Config.Name, opts.Sink, opts.Clock),
		resolver:  newSymbolResolver(opts.metadata.venue),
		registry:  shared.NewSubscriptionRegistry(),
		catalogue: newInstrumentCatalogue(),
		metrics:   metrics,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.rest = newRESTClient(opts, metrics)
	c.stream = newStreamManager(ctx, opts.websocketURL(), opts.Config.MaxReconnectDelay,
		c.activeTopics, c.handleFrame, opts.Logger, newStreamMetrics(opts.Config.Name))
	c.transport = c.stream
	c.books = newBookCoordinator(opts.Config.Name, c.publisher, c.transport, c.rest, metrics, opts.Logger)
	c.dispatch = newStreamDispatcher(c.resolver, c.publisher, c.books, c.registry, metrics, opts.Logger)
	return c, nil
}

// Name returns the provider name stamped on events.
func (c *DataClient) Name() string { return c.opts.Config.Name }

// Start connects the websocket, loads the instrument catalogue and schedules the instrument
// refresh and listen key keep-alive jobs. ctx bounds the initial catalogue load only.
func (c *DataClient) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.closed {
		return errs.New(c.opts.Config.Name, errs.CodeUnavailable, errs.WithMessage("client closed"))
	}
	if c.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.stream.start()
	if err := c.LoadInstruments(ctx); err != nil {
		c.logger.Error("binance initial instrument load failed", observability.Err(err))
	}

	c.scheduler = async.NewScheduler(c.ctx, c.logger)
	if err := c.scheduler.Every("instrument_refresh", c.opts.Config.InstrumentRefresh, c.LoadInstruments); err != nil {
		return err
	}
	if c.opts.Config.ListenKey != "" && c.opts.Config.APIKey != "" {
		if err := c.scheduler.Every("listen_key_keepalive", c.opts.Config.KeepAliveInterval, c.keepAlive); err != nil {
			return err
		}
	}

	c.running = true
	c.logger.Info("binance data client started",
		observability.F("ws", c.opts.websocketURL()),
		observability.F("rest", c.opts.metadata.apiBaseURL))
	return nil
}

// Close stops the periodic jobs and the websocket. In-flight REST calls finish on their own
// contexts.
func (c *DataClient) Close() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if c.running {
		c.stream.stop()
	}
	c.cancel()
	c.running = false
	c.logger.Info("binance data client stopped")
	return nil
}

// Subscriptions lists the active subscription keys.
func (c *DataClient) Subscriptions() []shared.SubscriptionKey {
	return c.registry.List()
}

func (c *DataClient) keepAlive(ctx context.Context) error {
	if err := c.rest.keepAliveListenKey(ctx, c.opts.Config.ListenKey); err != nil {
		return fmt.Errorf("listen key keep-alive: %w", err)
	}
	c.logger.Debug("binance listen key extended")
	return nil
}

func (c *DataClient) handleFrame(ctx context.Context, raw []byte) {
	_ = c.dispatch.Dispatch(ctx, raw)
}

// activeTopics renders the registry as the stream names announced on each new connection.
func (c *DataClient) activeTopics() []string {
	keys := c.registry.List()
	seen := make(map[string]struct{}, len(keys))
	topics := make([]string, 0, len(keys))
	for _, key := range keys {
		topic, ok := topicForKey(key, c.resolver)
		if !ok {
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

func (c *DataClient) topicInUse(topic string) bool {
	for _, t := range c.activeTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

// SubscribeOrderBookDeltas streams reconciled L2 deltas, preceded by a REST snapshot.
func (c *DataClient) SubscribeOrderBookDeltas(ctx context.Context, instrument schema.InstrumentID, depth *int, bookType schema.BookType) error {
	return c.subscribeBook(ctx, shared.KindBookDeltas, instrument, depth, bookType)
}

// SubscribeOrderBookSnapshots streams top-N book snapshots, preceded by a REST snapshot.
func (c *DataClient) SubscribeOrderBookSnapshots(ctx context.Context, instrument schema.InstrumentID, depth *int, bookType schema.BookType) error {
	return c.subscribeBook(ctx, shared.KindBookSnapshots, instrument, depth, bookType)
}

// UnsubscribeOrderBookDeltas stops routing book deltas for the instrument.
func (c *DataClient) UnsubscribeOrderBookDeltas(ctx context.Context, instrument schema.InstrumentID) error {
	return c.unsubscribeBook(ctx, shared.KindBookDeltas, instrument)
}

// UnsubscribeOrderBookSnapshots stops routing book snapshots for the instrument.
func (c *DataClient) UnsubscribeOrderBookSnapshots(ctx context.Context, instrument schema.InstrumentID) error {
	return c.unsubscribeBook(ctx, shared.KindBookSnapshots, instrument)
}

func (c *DataClient) subscribeBook(ctx context.Context, kind shared.SubscriptionKind, instrument schema.InstrumentID, depth *int, bookType schema.BookType) error {
	instrument = c.resolver.Canonical(instrument)
	symbol := c.resolver.Symbol(instrument)
	plan, err := planBook(c.opts.Config.Name, instrument, symbol, depth, bookType, c.opts.Config.DepthSpeed)
	if err != nil {
		c.logger.Error("binance book subscription rejected",
			observability.F("instrument", instrument), observability.F("kind", kind), observability.Err(err))
		return err
	}

	c.subMu.Lock()
	key := shared.SubscriptionKey{Kind: kind, Instrument: instrument, Params: plan.topic}
	var stale []string
	for _, existing := range c.registry.List() {
		if existing.Kind == kind && existing.Instrument == instrument && existing != key {
			c.registry.Remove(existing)
			if !c.topicInUse(existing.Params) {
				stale = append(stale, existing.Params)
			}
		}
	}
	if err := c.admit(key); err != nil {
		c.subMu.Unlock()
		return err
	}
	c.registry.Add(key)
	c.subMu.Unlock()

	if len(stale) > 0 {
		if err := c.transport.unsubscribe(ctx, stale); err != nil {
			c.logger.Warn("binance stale book topic unsubscribe failed", observability.Err(err))
		}
	}
	if err := c.books.Subscribe(ctx, plan); err != nil {
		if errors.Is(err, ErrBookSyncSuperseded) {
			c.logger.Info("binance book subscription superseded",
				observability.F("instrument", instrument), observability.F("topic", plan.topic))
			return err
		}
		c.logger.Error("binance book subscription failed",
			observability.F("instrument", instrument), observability.F("topic", plan.topic), observability.Err(err))
		return err
	}
	return nil
}

func (c *DataClient) unsubscribeBook(ctx context.Context, kind shared.SubscriptionKind, instrument schema.InstrumentID) error {
	instrument = c.resolver.Canonical(instrument)
	c.subMu.Lock()
	var released []string
	found := false
	for _, key := range c.registry.List() {
		if key.Kind != kind || key.Instrument != instrument {
			continue
		}
		found = true
		c.registry.Remove(key)
		if !c.topicInUse(key.Params) {
			released = append(released, key.Params)
		}
	}
	if found && !c.registry.HasInstrument(shared.KindBookDeltas, instrument) &&
		!c.registry.HasInstrument(shared.KindBookSnapshots, instrument) {
		c.books.Cancel(instrument)
	}
	c.subMu.Unlock()

	if !found {
		c.logger.Warn("binance unsubscribe for unknown book subscription",
			observability.F("instrument", instrument), observability.F("kind", kind))
		return nil
	}
	return c.transport.unsubscribe(ctx, released)
}

// SubscribeQuotes streams best bid/offer updates.
func (c *DataClient) SubscribeQuotes(ctx context.Context, instrument schema.InstrumentID) error {
	return c.subscribeStream(ctx, shared.SubscriptionKey{Kind: shared.KindQuotes, Instrument: instrument})
}

// UnsubscribeQuotes stops best bid/offer updates.
func (c *DataClient) UnsubscribeQuotes(ctx context.Context, instrument schema.InstrumentID) error {
	return c.unsubscribeStream(ctx, shared.SubscriptionKey{Kind: shared.KindQuotes, Instrument: instrument})
}

// SubscribeTrades streams executed trades.
func (c *DataClient) SubscribeTrades(ctx context.Context, instrument schema.InstrumentID) error {
	return c.subscribeStream(ctx, shared.SubscriptionKey{Kind: shared.KindTrades, Instrument: instrument})
}

// UnsubscribeTrades stops executed trades.
func (c *DataClient) UnsubscribeTrades(ctx context.Context, instrument schema.InstrumentID) error {
	return c.unsubscribeStream(ctx, shared.SubscriptionKey{Kind: shared.KindTrades, Instrument: instrument})
}

// SubscribeTicker streams rolling 24h statistics.
func (c *DataClient) SubscribeTicker(ctx context.Context, instrument schema.InstrumentID) error {
	return c.subscribeStream(ctx, shared.SubscriptionKey{Kind: shared.KindTicker, Instrument: instrument})
}

// UnsubscribeTicker stops rolling 24h statistics.
func (c *DataClient) UnsubscribeTicker(ctx context.Context, instrument schema.InstrumentID) error {
	return c.unsubscribeStream(ctx, shared.SubscriptionKey{Kind: shared.KindTicker, Instrument: instrument})
}

// SubscribeMarkPrices streams mark price and funding updates as generic events.
func (c *DataClient) SubscribeMarkPrices(ctx context.Context, instrument schema.InstrumentID) error {
	return c.subscribeStream(ctx, shared.SubscriptionKey{Kind: shared.KindMarkPrices, Instrument: instrument})
}

// UnsubscribeMarkPrices stops mark price updates.
func (c *DataClient) UnsubscribeMarkPrices(ctx context.Context, instrument schema.InstrumentID) error {
	return c.unsubscribeStream(ctx, shared.SubscriptionKey{Kind: shared.KindMarkPrices, Instrument: instrument})
}

// SubscribeBars streams closed venue klines for the spec.
func (c *DataClient) SubscribeBars(ctx context.Context, spec schema.BarSpec) error {
	if err := validateBarSpec(c.opts.Config.Name, spec); err != nil {
		c.logger.Error("binance bar subscription rejected", observability.F("spec", spec.String()), observability.Err(err))
		return err
	}
	return c.subscribeStream(ctx, shared.SubscriptionKey{Kind: shared.KindBars, Instrument: spec.Instrument, Params: barInterval(spec)})
}

// UnsubscribeBars stops klines for the spec.
func (c *DataClient) UnsubscribeBars(ctx context.Context, spec schema.BarSpec) error {
	if err := validateBarSpec(c.opts.Config.Name, spec); err != nil {
		c.logger.Warn("binance unsubscribe for unsupported bar spec", observability.F("spec", spec.String()))
		return nil
	}
	return c.unsubscribeStream(ctx, shared.SubscriptionKey{Kind: shared.KindBars, Instrument: spec.Instrument, Params: barInterval(spec)})
}

func (c *DataClient) subscribeStream(ctx context.Context, key shared.SubscriptionKey) error {
	key.Instrument = c.resolver.Canonical(key.Instrument)
	topic, _ := topicForKey(key, c.resolver)

	c.subMu.Lock()
	if c.registry.Contains(key) {
		c.subMu.Unlock()
		c.logger.Debug("binance subscription already active", observability.F("topic", topic))
		return nil
	}
	if err := c.admit(key); err != nil {
		c.subMu.Unlock()
		return err
	}
	c.registry.Add(key)
	c.subMu.Unlock()

	if err := c.transport.subscribe(ctx, []string{topic}); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *DataClient) unsubscribeStream(ctx context.Context, key shared.SubscriptionKey) error {
	key.Instrument = c.resolver.Canonical(key.Instrument)
	topic, _ := topicForKey(key, c.resolver)

	c.subMu.Lock()
	removed := c.registry.Remove(key)
	inUse := removed && c.topicInUse(topic)
	c.subMu.Unlock()

	if !removed {
		c.logger.Warn("binance unsubscribe for unknown subscription",
			observability.F("kind", key.Kind), observability.F("instrument", key.Instrument))
		return nil
	}
	if inUse {
		return nil
	}
	if err := c.transport.unsubscribe(ctx, []string{topic}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// admit enforces the per-connection stream cap. Callers hold subMu.
func (c *DataClient) admit(key shared.SubscriptionKey) error {
	if c.registry.Contains(key) {
		return nil
	}
	if c.registry.Len() >= c.opts.Config.MaxStreams {
		return errs.New(c.opts.Config.Name, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("stream limit %d reached", c.opts.Config.MaxStreams)),
			errs.WithVenueField("instrument", key.Instrument.String()))
	}
	return nil
}
