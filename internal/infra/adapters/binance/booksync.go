package binance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-md/internal/observability"
)

// Depths published on the partial depth stream; anything else up to maxPartialDepth is rejected.
var partialDepths = map[int]struct{}{5: {}, 10: {}, 20: {}}

const (
	defaultBookDepth = 20
	maxPartialDepth  = 20
)

// ErrBookSyncSuperseded is the cause returned by a Subscribe whose session was replaced by a
// newer Subscribe for the same instrument before its snapshot arrived.
var ErrBookSyncSuperseded = errors.New("book sync superseded by a newer subscribe")

// Limits accepted by GET /fapi/v1/depth.
var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000}

// bookPlan is a validated book subscription: which topic to arm and how deep a snapshot to fetch.
type bookPlan struct {
	instrument schema.InstrumentID
	symbol     VenueSymbol
	topic      string
	limit      int
	partial    bool
}

// planBook validates depth and book type for a book subscription.
func planBook(exchange string, instrument schema.InstrumentID, symbol VenueSymbol, depth *int, bookType schema.BookType, speed string) (bookPlan, error) {
	if bookType == schema.BookTypeL3 {
		return bookPlan{}, errs.New(exchange, errs.CodeUnsupportedBookType,
			errs.WithMessage("L3_MBO data is not published by Binance; valid book types are L1_TBBO, L2_MBP"),
			errs.WithCanonicalCode(errs.CanonicalCapabilityMissing))
	}
	d := defaultBookDepth
	if depth != nil && *depth != 0 {
		d = *depth
	}
	plan := bookPlan{instrument: instrument, symbol: symbol}
	switch {
	case depth == nil || *depth == 0:
		plan.topic = diffDepthTopic(symbol, speed)
		plan.limit = d
	case d < 0:
		return bookPlan{}, errs.New(exchange, errs.CodeInvalidDepth,
			errs.WithMessage(fmt.Sprintf("invalid depth %d", d)))
	case d <= maxPartialDepth:
		if _, ok := partialDepths[d]; !ok {
			return bookPlan{}, errs.New(exchange, errs.CodeInvalidDepth,
				errs.WithMessage(fmt.Sprintf("invalid depth %d; valid depths are 5, 10 or 20", d)))
		}
		plan.topic = partialDepthTopic(symbol, d, speed)
		plan.limit = d
		plan.partial = true
	default:
		plan.topic = diffDepthTopic(symbol, speed)
		plan.limit = snapshotLimit(d)
	}
	return plan, nil
}

// snapshotLimit rounds depth up to the nearest limit the depth endpoint accepts.
func snapshotLimit(depth int) int {
	for _, limit := range depthLimits {
		if depth <= limit {
			return limit
		}
	}
	return depthLimits[len(depthLimits)-1]
}

type syncState int

const (
	stateBuffering syncState = iota
	stateReconciled
)

func (s syncState) String() string {
	if s == stateReconciled {
		return "RECONCILED"
	}
	return "BUFFERING"
}

// bookSession buffers book events for one instrument until its REST snapshot is published.
type bookSession struct {
	plan      bookPlan
	state     syncState
	buffer    []*schema.Event
	fetching  bool
	cancelled bool
	opened    time.Time
}

// streamArmer is the transport surface the coordinator needs.
type streamArmer interface {
	subscribe(ctx context.Context, streams []string) error
	waitConnected(ctx context.Context) error
}

type depthFetcher interface {
	fetchDepth(ctx context.Context, symbol VenueSymbol, limit int) (depthResponse, error)
}

// bookCoordinator runs the BUFFERING -> RECONCILED state machine per instrument. All session
// mutation and every book publish happen under mu, so a drain can never interleave with a
// live event for the same instrument.
type bookCoordinator struct {
	exchange  string
	publisher *shared.Publisher
	transport streamArmer
	rest      depthFetcher
	metrics   *adapterMetrics
	logger    observability.Logger

	mu       sync.Mutex
	sessions map[schema.InstrumentID]*bookSession
}

func newBookCoordinator(exchange string, publisher *shared.Publisher, transport streamArmer, rest depthFetcher, metrics *adapterMetrics, logger observability.Logger) *bookCoordinator {
	return &bookCoordinator{
		exchange:  exchange,
		publisher: publisher,
		transport: transport,
		rest:      rest,
		metrics:   metrics,
		logger:    observability.OrDefault(logger),
		sessions:  make(map[schema.InstrumentID]*bookSession),
	}
}

// Subscribe arms the book topic and reconciles it against a REST snapshot. A failed snapshot
// leaves the session buffering; calling Subscribe again retries with the buffer intact. A
// Subscribe that arrives while another fetch is in flight starts a fresh session; the older
// call returns an error wrapping ErrBookSyncSuperseded.
func (c *bookCoordinator) Subscribe(ctx context.Context, plan bookPlan) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sess := c.open(plan)

	if err := c.transport.subscribe(ctx, []string{plan.topic}); err != nil {
		c.park(sess)
		c.metrics.recordBookSync(ctx, "subscribe_error", 0, 0)
		return fmt.Errorf("arm %s: %w", plan.topic, err)
	}
	if err := c.transport.waitConnected(ctx); err != nil {
		c.park(sess)
		c.metrics.recordBookSync(ctx, resultOf(err), 0, 0)
		return fmt.Errorf("await connection for %s: %w", plan.instrument, err)
	}

	snapshot, err := c.rest.fetchDepth(ctx, plan.symbol, plan.limit)
	if err != nil {
		c.park(sess)
		c.metrics.recordBookSync(ctx, "snapshot_error", 0, 0)
		c.logger.Warn("binance book snapshot failed; session left buffering",
			observability.F("instrument", plan.instrument),
			observability.Err(err))
		return transportError(c.exchange, plan, err)
	}
	return c.reconcile(ctx, sess, snapshot)
}

// Cancel drops a parked session for the instrument together with its buffer. A session whose
// snapshot is in flight is only marked: it still reconciles and drains what it buffered, and
// is dropped instead of parked if the fetch fails.
func (c *bookCoordinator) Cancel(instrument schema.InstrumentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[instrument]
	if !ok {
		return
	}
	if sess.fetching {
		sess.cancelled = true
		return
	}
	delete(c.sessions, instrument)
}

// OnEvent accepts a book event from the dispatcher. It is buffered while the instrument has a
// session and published otherwise.
func (c *bookCoordinator) OnEvent(ctx context.Context, evt *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[evt.Instrument]; ok && sess.state == stateBuffering {
		sess.buffer = append(sess.buffer, evt)
		return nil
	}
	return c.emitLocked(ctx, evt)
}

// State reports the sync state of the instrument and whether a session exists.
func (c *bookCoordinator) State(instrument schema.InstrumentID) (syncState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[instrument]
	if !ok {
		return stateReconciled, false
	}
	return sess.state, true
}

// Buffered returns how many events the instrument's session holds.
func (c *bookCoordinator) Buffered(instrument schema.InstrumentID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[instrument]; ok {
		return len(sess.buffer)
	}
	return 0
}

func (c *bookCoordinator) open(plan bookPlan) *bookSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[plan.instrument]
	if ok && !sess.fetching && sess.plan.topic == plan.topic {
		// parked after a failed snapshot: keep what was buffered and fetch again
		sess.plan = plan
		sess.fetching = true
		return sess
	}
	sess = &bookSession{
		plan:     plan,
		state:    stateBuffering,
		fetching: true,
		opened:   time.Now(),
	}
	c.sessions[plan.instrument] = sess
	return sess
}

func (c *bookCoordinator) park(sess *bookSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[sess.plan.instrument] != sess {
		return
	}
	if sess.cancelled {
		delete(c.sessions, sess.plan.instrument)
		return
	}
	sess.fetching = false
}

func (c *bookCoordinator) reconcile(ctx context.Context, sess *bookSession, snapshot depthResponse) error {
	bids, err := levelsToPriceLevels(snapshot.Bids)
	if err != nil {
		c.park(sess)
		return transportError(c.exchange, sess.plan, err)
	}
	asks, err := levelsToPriceLevels(snapshot.Asks)
	if err != nil {
		c.park(sess)
		return transportError(c.exchange, sess.plan, err)
	}
	last := snapshot.LastUpdateID
	evt := c.publisher.NewEvent(schema.EventTypeBookSnapshot, sess.plan.instrument, last, snapshot.EventTime.Time(),
		schema.BookSnapshotPayload{BookType: schema.BookTypeL2, Bids: bids, Asks: asks, LastUpdateID: last})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[sess.plan.instrument] != sess {
		c.logger.Debug("binance book snapshot superseded by a newer subscribe",
			observability.F("instrument", sess.plan.instrument))
		c.metrics.recordBookSync(ctx, "superseded", 0, 0)
		return errs.New(c.exchange, errs.CodeUnavailable,
			errs.WithMessage("order book sync superseded"),
			errs.WithVenueField("symbol", string(sess.plan.symbol)),
			errs.WithCause(ErrBookSyncSuperseded))
	}

	if err := c.emitLocked(ctx, evt); err != nil {
		c.logger.Error("binance book snapshot publish failed",
			observability.F("instrument", sess.plan.instrument), observability.Err(err))
	}
	pending := sess.buffer
	sess.buffer = nil
	sess.state = stateReconciled
	delete(c.sessions, sess.plan.instrument)

	replayed := 0
	for _, buffered := range pending {
		if buffered.Sequence <= last {
			continue
		}
		if err := c.emitLocked(ctx, buffered); err != nil {
			c.logger.Error("binance buffered book event publish failed",
				observability.F("instrument", sess.plan.instrument),
				observability.F("sequence", buffered.Sequence),
				observability.Err(err))
			continue
		}
		replayed++
	}
	c.metrics.recordBookSync(ctx, "success", time.Since(sess.opened), len(pending))
	c.logger.Info("binance book reconciled",
		observability.F("instrument", sess.plan.instrument),
		observability.F("last_update_id", last),
		observability.F("buffered", len(pending)),
		observability.F("replayed", replayed))
	return nil
}

func (c *bookCoordinator) emitLocked(ctx context.Context, evt *schema.Event) error {
	if err := c.publisher.Emit(ctx, evt); err != nil {
		return err
	}
	c.metrics.recordEvent(ctx, string(evt.Type), string(evt.Instrument))
	return nil
}

func transportError(exchange string, plan bookPlan, err error) error {
	if code := errs.CodeOf(err); code == errs.CodeExchange || code == errs.CodeNetwork {
		return err
	}
	return errs.New(exchange, errs.CodeNetwork,
		errs.WithMessage("order book snapshot failed"),
		errs.WithVenueField("symbol", string(plan.symbol)),
		errs.WithCause(err))
}
