package binance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/infra/adapters/shared"
)

const btc = schema.InstrumentID("BTCUSDT-PERP.BINANCE")

func newTestCoordinator(sink shared.Sink, tr streamArmer, rest depthFetcher) *bookCoordinator {
	pub := shared.NewPublisher("binance", sink, testClock)
	return newBookCoordinator("binance", pub, tr, rest, nil, nil)
}

func deltaEvent(seq uint64) *schema.Event {
	return &schema.Event{
		Type:       schema.EventTypeBookDelta,
		Instrument: btc,
		Sequence:   seq,
		Payload:    schema.BookDeltaPayload{FinalUpdateID: seq},
	}
}

func btcPlan(t *testing.T, depth *int) bookPlan {
	t.Helper()
	plan, err := planBook("binance", btc, "BTCUSDT", depth, schema.BookTypeL2, "100ms")
	require.NoError(t, err)
	return plan
}

func waitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("snapshot fetch not started")
	}
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatalf("subscribe did not return")
		return nil
	}
}

func TestBookSyncDropsBufferedDeltasCoveredBySnapshot(t *testing.T) {
	sink := &recordingSink{}
	fetcher := &gatedFetcher{
		responses: []depthResponse{{LastUpdateID: 103, Bids: [][]string{{"100", "1"}}, Asks: [][]string{{"101", "2"}}}},
		started:   make(chan struct{}, 1),
		gate:      make(chan struct{}),
	}
	coord := newTestCoordinator(sink, &fakeTransport{}, fetcher)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- coord.Subscribe(ctx, btcPlan(t, nil)) }()
	waitStarted(t, fetcher.started)

	for _, seq := range []uint64{101, 105, 110} {
		require.NoError(t, coord.OnEvent(ctx, deltaEvent(seq)))
	}
	state, ok := coord.State(btc)
	require.True(t, ok)
	require.Equal(t, stateBuffering, state)
	require.Equal(t, 3, coord.Buffered(btc))
	require.Empty(t, sink.snapshot(), "nothing may publish while buffering")

	close(fetcher.gate)
	require.NoError(t, waitResult(t, done))

	events := sink.snapshot()
	require.Len(t, events, 3)
	require.Equal(t, schema.EventTypeBookSnapshot, events[0].Type)
	require.Equal(t, []uint64{103, 105, 110}, sink.sequences())
	snap, ok := events[0].Payload.(schema.BookSnapshotPayload)
	require.True(t, ok)
	require.Equal(t, uint64(103), snap.LastUpdateID)
	require.Len(t, snap.Bids, 1)
	require.Equal(t, "100", snap.Bids[0].Price.String())

	_, ok = coord.State(btc)
	require.False(t, ok, "session should be gone after reconcile")

	require.NoError(t, coord.OnEvent(ctx, deltaEvent(111)))
	require.Equal(t, []uint64{103, 105, 110, 111}, sink.sequences())
}

func TestBookSyncFailedSnapshotKeepsBufferForRetry(t *testing.T) {
	sink := &recordingSink{}
	fetcher := &gatedFetcher{
		responses: []depthResponse{{}, {LastUpdateID: 200}},
		errs:      []error{errs.New("binance", errs.CodeNetwork, errs.WithMessage("boom")), nil},
	}
	coord := newTestCoordinator(sink, &fakeTransport{}, fetcher)
	ctx := context.Background()
	plan := btcPlan(t, nil)

	err := coord.Subscribe(ctx, plan)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeNetwork))

	state, ok := coord.State(btc)
	require.True(t, ok)
	require.Equal(t, stateBuffering, state)

	require.NoError(t, coord.OnEvent(ctx, deltaEvent(199)))
	require.NoError(t, coord.OnEvent(ctx, deltaEvent(201)))
	require.Empty(t, sink.snapshot())

	require.NoError(t, coord.Subscribe(ctx, plan))
	require.Equal(t, []uint64{200, 201}, sink.sequences())
	require.Equal(t, []int{20, 20}, fetcher.limits())
}

func TestBookSyncRetryAfterGatedFailureReplaysBufferOnce(t *testing.T) {
	sink := &recordingSink{}
	fetcher := &gatedFetcher{
		responses: []depthResponse{{}, {LastUpdateID: 200}, {LastUpdateID: 200}},
		errs:      []error{errs.New("binance", errs.CodeNetwork, errs.WithMessage("boom")), nil, nil},
		started:   make(chan struct{}, 3),
		gate:      make(chan struct{}),
	}
	coord := newTestCoordinator(sink, &fakeTransport{}, fetcher)
	ctx := context.Background()
	plan := btcPlan(t, nil)

	done := make(chan error, 1)
	go func() { done <- coord.Subscribe(ctx, plan) }()
	waitStarted(t, fetcher.started)

	// diffs that arrive while the first fetch is outstanding
	require.NoError(t, coord.OnEvent(ctx, deltaEvent(199)))
	require.NoError(t, coord.OnEvent(ctx, deltaEvent(201)))
	close(fetcher.gate)

	err := waitResult(t, done)
	require.True(t, errs.Is(err, errs.CodeNetwork))
	require.Equal(t, 2, coord.Buffered(btc), "failed fetch keeps the buffer")
	require.Empty(t, sink.snapshot())

	require.NoError(t, coord.Subscribe(ctx, plan))
	require.Equal(t, []uint64{200, 201}, sink.sequences())
	_, ok := coord.State(btc)
	require.False(t, ok)

	// a fresh sync starts from an empty buffer, so 201 is not replayed again
	require.NoError(t, coord.Subscribe(ctx, plan))
	require.Equal(t, []uint64{200, 201, 200}, sink.sequences())
}

func TestBookSyncCancelDuringFetchStillReconciles(t *testing.T) {
	sink := &recordingSink{}
	fetcher := &gatedFetcher{
		responses: []depthResponse{{LastUpdateID: 100}},
		started:   make(chan struct{}, 1),
		gate:      make(chan struct{}),
	}
	coord := newTestCoordinator(sink, &fakeTransport{}, fetcher)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- coord.Subscribe(ctx, btcPlan(t, nil)) }()
	waitStarted(t, fetcher.started)
	require.NoError(t, coord.OnEvent(ctx, deltaEvent(105)))

	coord.Cancel(btc)
	_, ok := coord.State(btc)
	require.True(t, ok, "an in-flight session survives cancel")

	close(fetcher.gate)
	require.NoError(t, waitResult(t, done))
	require.Equal(t, []uint64{100, 105}, sink.sequences())
	_, ok = coord.State(btc)
	require.False(t, ok)
}

func TestBookSyncCancelDuringFailedFetchDropsSession(t *testing.T) {
	sink := &recordingSink{}
	fetcher := &gatedFetcher{
		responses: []depthResponse{{}},
		errs:      []error{errors.New("down")},
		started:   make(chan struct{}, 1),
		gate:      make(chan struct{}),
	}
	coord := newTestCoordinator(sink, &fakeTransport{}, fetcher)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- coord.Subscribe(ctx, btcPlan(t, nil)) }()
	waitStarted(t, fetcher.started)
	require.NoError(t, coord.OnEvent(ctx, deltaEvent(9)))
	coord.Cancel(btc)

	close(fetcher.gate)
	require.Error(t, waitResult(t, done))
	_, ok := coord.State(btc)
	require.False(t, ok, "a cancelled session is not parked")
	require.Empty(t, sink.snapshot())
}

func TestBookSyncResubscribeDuringFetchSupersedesOlderSession(t *testing.T) {
	sink := &recordingSink{}
	fetcher := &gatedFetcher{
		responses: []depthResponse{{LastUpdateID: 50}, {LastUpdateID: 60}},
		started:   make(chan struct{}, 2),
		gate:      make(chan struct{}, 2),
	}
	coord := newTestCoordinator(sink, &fakeTransport{}, fetcher)
	ctx := context.Background()
	plan := btcPlan(t, nil)

	first := make(chan error, 1)
	go func() { first <- coord.Subscribe(ctx, plan) }()
	waitStarted(t, fetcher.started)
	require.NoError(t, coord.OnEvent(ctx, deltaEvent(55)))

	second := make(chan error, 1)
	go func() { second <- coord.Subscribe(ctx, plan) }()
	waitStarted(t, fetcher.started)
	require.Equal(t, 0, coord.Buffered(btc), "restart starts with an empty buffer")
	require.NoError(t, coord.OnEvent(ctx, deltaEvent(61)))

	fetcher.gate <- struct{}{}
	fetcher.gate <- struct{}{}
	err := waitResult(t, first)
	require.ErrorIs(t, err, ErrBookSyncSuperseded)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.NoError(t, waitResult(t, second))

	// only the newest session reconciles; the superseded fetch publishes nothing
	events := sink.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, schema.EventTypeBookSnapshot, events[0].Type)
	require.Equal(t, []uint64{60, 61}, sink.sequences())
}

func TestBookSyncCancelDiscardsBuffer(t *testing.T) {
	sink := &recordingSink{}
	fetcher := &gatedFetcher{errs: []error{errors.New("down")}, responses: []depthResponse{{}}}
	coord := newTestCoordinator(sink, &fakeTransport{}, fetcher)
	ctx := context.Background()

	require.Error(t, coord.Subscribe(ctx, btcPlan(t, nil)))
	require.NoError(t, coord.OnEvent(ctx, deltaEvent(7)))
	require.Equal(t, 1, coord.Buffered(btc))

	coord.Cancel(btc)
	_, ok := coord.State(btc)
	require.False(t, ok)
	require.Empty(t, sink.snapshot())
}

func TestBookSyncTransportFailureLeavesSessionParked(t *testing.T) {
	sink := &recordingSink{}
	tr := &fakeTransport{subErr: errors.New("socket gone")}
	fetcher := &gatedFetcher{responses: []depthResponse{{LastUpdateID: 1}}}
	coord := newTestCoordinator(sink, tr, fetcher)

	err := coord.Subscribe(context.Background(), btcPlan(t, nil))
	require.Error(t, err)
	require.Empty(t, fetcher.limits(), "no snapshot before the topic is armed")

	state, ok := coord.State(btc)
	require.True(t, ok)
	require.Equal(t, stateBuffering, state)
}

func TestBookSyncPartialTopicUsesSnapshotFrames(t *testing.T) {
	sink := &recordingSink{}
	tr := &fakeTransport{}
	fetcher := &gatedFetcher{responses: []depthResponse{{LastUpdateID: 10}}}
	coord := newTestCoordinator(sink, tr, fetcher)
	ctx := context.Background()

	plan := btcPlan(t, intPtr(5))
	require.True(t, plan.partial)
	require.NoError(t, coord.Subscribe(ctx, plan))
	require.Equal(t, []string{"btcusdt@depth5@100ms"}, tr.subscribedTopics())
	require.Equal(t, []int{5}, fetcher.limits())

	frame := &schema.Event{Type: schema.EventTypeBookSnapshot, Instrument: btc, Sequence: 12,
		Payload: schema.BookSnapshotPayload{LastUpdateID: 12}}
	require.NoError(t, coord.OnEvent(ctx, frame))
	require.Equal(t, []uint64{10, 12}, sink.sequences())
}

func TestPlanBook(t *testing.T) {
	tests := []struct {
		name     string
		depth    *int
		bookType schema.BookType
		topic    string
		limit    int
		partial  bool
		wantCode errs.Code
	}{
		{name: "default", depth: nil, topic: "btcusdt@depth@100ms", limit: 20},
		{name: "zero", depth: intPtr(0), topic: "btcusdt@depth@100ms", limit: 20},
		{name: "five", depth: intPtr(5), topic: "btcusdt@depth5@100ms", limit: 5, partial: true},
		{name: "ten", depth: intPtr(10), topic: "btcusdt@depth10@100ms", limit: 10, partial: true},
		{name: "twenty", depth: intPtr(20), topic: "btcusdt@depth20@100ms", limit: 20, partial: true},
		{name: "deep", depth: intPtr(50), topic: "btcusdt@depth@100ms", limit: 50},
		{name: "deep rounds up", depth: intPtr(300), topic: "btcusdt@depth@100ms", limit: 500},
		{name: "unsupported partial", depth: intPtr(7), wantCode: errs.CodeInvalidDepth},
		{name: "negative", depth: intPtr(-1), wantCode: errs.CodeInvalidDepth},
		{name: "l3", bookType: schema.BookTypeL3, wantCode: errs.CodeUnsupportedBookType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bookType := tc.bookType
			if bookType == "" {
				bookType = schema.BookTypeL2
			}
			plan, err := planBook("binance", btc, "BTCUSDT", tc.depth, bookType, "100ms")
			if tc.wantCode != "" {
				require.Error(t, err)
				require.Equal(t, tc.wantCode, errs.CodeOf(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.topic, plan.topic)
			require.Equal(t, tc.limit, plan.limit)
			require.Equal(t, tc.partial, plan.partial)
		})
	}
}

func TestSnapshotLimit(t *testing.T) {
	cases := map[int]int{21: 50, 50: 50, 51: 100, 1000: 1000, 5000: 1000}
	for depth, want := range cases {
		if got := snapshotLimit(depth); got != want {
			t.Fatalf("snapshotLimit(%d) = %d, want %d", depth, got, want)
		}
	}
}
