package binance

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/infra/adapters/shared"
)

func depthHandler(lastUpdateID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/depth" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"lastUpdateId":` + lastUpdateID + `,"bids":[["100","1"]],"asks":[["101","1"]]}`))
	}
}

func TestNewDataClientValidation(t *testing.T) {
	_, err := NewDataClient(Options{})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	_, err = NewDataClient(Options{Sink: &recordingSink{}, Config: Config{DepthSpeed: "1s"}})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	client, err := NewDataClient(Options{Sink: &recordingSink{}})
	require.NoError(t, err)
	require.Equal(t, "binance", client.Name())
	require.NoError(t, client.Close())
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(client.Start(context.Background())))
}

func TestSubscribeStreamIsIdempotent(t *testing.T) {
	client, _, tr := newTestClient(t, nil)
	ctx := context.Background()

	require.NoError(t, client.SubscribeTrades(ctx, btc))
	require.NoError(t, client.SubscribeTrades(ctx, btc))
	require.NoError(t, client.SubscribeQuotes(ctx, btc))
	require.NoError(t, client.SubscribeMarkPrices(ctx, btc))
	require.NoError(t, client.SubscribeTicker(ctx, btc))

	require.Equal(t, []string{"btcusdt@trade", "btcusdt@bookTicker", "btcusdt@markPrice@1s", "btcusdt@ticker"}, tr.subscribedTopics())
	require.Len(t, client.Subscriptions(), 4)
	require.ElementsMatch(t, tr.subscribedTopics(), client.activeTopics())
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	client, _, tr := newTestClient(t, nil)
	ctx := context.Background()

	require.NoError(t, client.UnsubscribeTrades(ctx, btc))
	require.NoError(t, client.UnsubscribeOrderBookDeltas(ctx, btc))
	require.Empty(t, tr.unsubscribedTopics())

	require.NoError(t, client.SubscribeTrades(ctx, btc))
	require.NoError(t, client.UnsubscribeTrades(ctx, btc))
	require.Equal(t, []string{"btcusdt@trade"}, tr.unsubscribedTopics())
	require.Empty(t, client.Subscriptions())
}

func TestSubscribeBarsUsesIntervalKey(t *testing.T) {
	client, _, tr := newTestClient(t, nil)
	ctx := context.Background()
	spec := minuteSpec()
	spec.Step, spec.Aggregation = 4, schema.BarAggregationHour

	require.NoError(t, client.SubscribeBars(ctx, spec))
	require.Equal(t, []string{"btcusdt@kline_4h"}, tr.subscribedTopics())
	require.True(t, client.registry.Contains(shared.SubscriptionKey{Kind: shared.KindBars, Instrument: btc, Params: "4h"}))

	internal := spec
	internal.Source = schema.AggregationSourceInternal
	require.Equal(t, errs.CodeUnsupportedBarSpec, errs.CodeOf(client.SubscribeBars(ctx, internal)))

	require.NoError(t, client.UnsubscribeBars(ctx, spec))
	require.Equal(t, []string{"btcusdt@kline_4h"}, tr.unsubscribedTopics())
}

func TestStreamCapRejectsNewKeys(t *testing.T) {
	client, _, _ := newTestClient(t, nil)
	client.opts.Config.MaxStreams = 2
	ctx := context.Background()

	require.NoError(t, client.SubscribeTrades(ctx, btc))
	require.NoError(t, client.SubscribeQuotes(ctx, btc))
	require.NoError(t, client.SubscribeQuotes(ctx, btc), "existing key is not counted again")

	err := client.SubscribeTicker(ctx, btc)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	require.Len(t, client.Subscriptions(), 2)
}

func TestSubscribeOrderBookDeltasReconciles(t *testing.T) {
	client, sink, tr := newTestClient(t, depthHandler("500"))
	ctx := context.Background()

	require.NoError(t, client.SubscribeOrderBookDeltas(ctx, btc, nil, schema.BookTypeL2))
	require.Equal(t, []string{"btcusdt@depth@100ms"}, tr.subscribedTopics())

	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, schema.EventTypeBookSnapshot, events[0].Type)
	require.Equal(t, uint64(500), events[0].Sequence)

	frame := `{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1714564800000,"s":"BTCUSDT","U":499,"u":501,"pu":498,"b":[["100","2"]],"a":[]}}`
	client.handleFrame(ctx, []byte(frame))
	require.Equal(t, []uint64{500, 501}, sink.sequences())
}

func TestSubscribeOrderBookRejectsBadDepth(t *testing.T) {
	client, _, tr := newTestClient(t, depthHandler("1"))
	ctx := context.Background()

	err := client.SubscribeOrderBookSnapshots(ctx, btc, intPtr(7), schema.BookTypeL2)
	require.Equal(t, errs.CodeInvalidDepth, errs.CodeOf(err))
	err = client.SubscribeOrderBookDeltas(ctx, btc, nil, schema.BookTypeL3)
	require.Equal(t, errs.CodeUnsupportedBookType, errs.CodeOf(err))
	require.Empty(t, tr.subscribedTopics())
	require.Empty(t, client.Subscriptions())
}

func TestSubscribeOrderBookDepthChangeReleasesOldTopic(t *testing.T) {
	client, _, tr := newTestClient(t, depthHandler("10"))
	ctx := context.Background()

	require.NoError(t, client.SubscribeOrderBookSnapshots(ctx, btc, intPtr(5), schema.BookTypeL2))
	require.NoError(t, client.SubscribeOrderBookSnapshots(ctx, btc, intPtr(10), schema.BookTypeL2))

	require.Equal(t, []string{"btcusdt@depth5@100ms", "btcusdt@depth10@100ms"}, tr.subscribedTopics())
	require.Equal(t, []string{"btcusdt@depth5@100ms"}, tr.unsubscribedTopics())
	require.Equal(t, []string{"btcusdt@depth10@100ms"}, client.activeTopics())
}

func TestUnsubscribeBookKeepsSharedTopic(t *testing.T) {
	client, _, tr := newTestClient(t, depthHandler("10"))
	ctx := context.Background()

	require.NoError(t, client.SubscribeOrderBookDeltas(ctx, btc, nil, schema.BookTypeL2))
	require.NoError(t, client.SubscribeOrderBookSnapshots(ctx, btc, nil, schema.BookTypeL2))
	require.Equal(t, []string{"btcusdt@depth@100ms"}, client.activeTopics())

	require.NoError(t, client.UnsubscribeOrderBookDeltas(ctx, btc))
	require.Empty(t, tr.unsubscribedTopics(), "snapshots still use the diff topic")

	require.NoError(t, client.UnsubscribeOrderBookSnapshots(ctx, btc))
	require.Equal(t, []string{"btcusdt@depth@100ms"}, tr.unsubscribedTopics())
	_, ok := client.books.State(btc)
	require.False(t, ok)
}

func TestSubscribeRequestRouting(t *testing.T) {
	client, _, tr := newTestClient(t, nil)
	ctx := context.Background()

	require.NoError(t, client.Subscribe(ctx, SubscriptionRequest{Kind: shared.KindBars, Instrument: btc, Bar: "5-MINUTE-LAST"}))
	require.NoError(t, client.Subscribe(ctx, SubscriptionRequest{Kind: shared.KindTicker, Instrument: btc}))
	require.Equal(t, []string{"btcusdt@kline_5m", "btcusdt@ticker"}, tr.subscribedTopics())

	err := client.Subscribe(ctx, SubscriptionRequest{Kind: shared.KindBars, Instrument: btc, Bar: "five minutes"})
	require.Equal(t, errs.CodeUnsupportedBarSpec, errs.CodeOf(err))
	err = client.Subscribe(ctx, SubscriptionRequest{Kind: "liquidations", Instrument: btc})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	err = client.Subscribe(ctx, SubscriptionRequest{Kind: shared.KindTrades})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	require.NoError(t, client.Unsubscribe(ctx, SubscriptionRequest{Kind: shared.KindBars, Instrument: btc, Bar: "5-MINUTE-LAST"}))
	require.Equal(t, []string{"btcusdt@kline_5m"}, tr.unsubscribedTopics())
}

func TestUnsubscribeDuringBookFetchCompletesSync(t *testing.T) {
	client, sink, tr := newTestClient(t, nil)
	fetcher := &gatedFetcher{
		responses: []depthResponse{{LastUpdateID: 100}},
		started:   make(chan struct{}, 1),
		gate:      make(chan struct{}),
	}
	client.books.rest = fetcher
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- client.SubscribeOrderBookDeltas(ctx, btc, nil, schema.BookTypeL2) }()
	waitStarted(t, fetcher.started)

	diff := `{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1714564800000,"s":"BTCUSDT","U":101,"u":105,"pu":100,"b":[["100","2"]],"a":[]}}`
	client.handleFrame(ctx, []byte(diff))
	require.Equal(t, 1, client.books.Buffered(btc))

	require.NoError(t, client.UnsubscribeOrderBookDeltas(ctx, btc))
	require.Empty(t, client.Subscriptions())
	require.Equal(t, []string{"btcusdt@depth@100ms"}, tr.unsubscribedTopics())
	_, ok := client.books.State(btc)
	require.True(t, ok, "the in-flight sync is not cancelled")

	close(fetcher.gate)
	require.NoError(t, waitResult(t, done))
	require.Equal(t, []uint64{100, 105}, sink.sequences())
	_, ok = client.books.State(btc)
	require.False(t, ok)

	// routing stopped with the unsubscribe
	late := `{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1714564800001,"s":"BTCUSDT","U":106,"u":106,"pu":105,"b":[],"a":[]}}`
	client.handleFrame(ctx, []byte(late))
	require.Equal(t, []uint64{100, 105}, sink.sequences())
}

func TestUnsubscribeDropsParkedBookSession(t *testing.T) {
	client, sink, _ := newTestClient(t, nil)
	client.books.rest = &gatedFetcher{
		responses: []depthResponse{{}},
		errs:      []error{errs.New("binance", errs.CodeNetwork, errs.WithMessage("down"))},
	}
	ctx := context.Background()

	err := client.SubscribeOrderBookDeltas(ctx, btc, nil, schema.BookTypeL2)
	require.True(t, errs.Is(err, errs.CodeNetwork))
	_, ok := client.books.State(btc)
	require.True(t, ok, "failed snapshot parks the session")

	require.NoError(t, client.UnsubscribeOrderBookDeltas(ctx, btc))
	_, ok = client.books.State(btc)
	require.False(t, ok)
	require.Empty(t, sink.snapshot())
}

func TestBookSubscriptionCanonicalisesInstrument(t *testing.T) {
	client, sink, tr := newTestClient(t, depthHandler("500"))
	ctx := context.Background()

	require.NoError(t, client.SubscribeOrderBookDeltas(ctx, "BTCUSDT.BINANCE", nil, schema.BookTypeL2))
	require.Equal(t, []shared.SubscriptionKey{{Kind: shared.KindBookDeltas, Instrument: btc, Params: "btcusdt@depth@100ms"}},
		client.Subscriptions())
	require.Equal(t, btc, sink.snapshot()[0].Instrument)

	frame := `{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1714564800000,"s":"BTCUSDT","U":499,"u":501,"pu":498,"b":[["100","2"]],"a":[]}}`
	client.handleFrame(ctx, []byte(frame))
	require.Equal(t, []uint64{500, 501}, sink.sequences())

	require.NoError(t, client.UnsubscribeOrderBookDeltas(ctx, "btcusdt-PERP.BINANCE"))
	require.Empty(t, client.Subscriptions())
	require.Equal(t, []string{"btcusdt@depth@100ms"}, tr.unsubscribedTopics())
}

func TestStreamSubscriptionCanonicalisesInstrument(t *testing.T) {
	client, _, tr := newTestClient(t, nil)
	ctx := context.Background()

	require.NoError(t, client.SubscribeTrades(ctx, "BTCUSDT.BINANCE"))
	require.NoError(t, client.SubscribeTrades(ctx, btc))
	require.Len(t, client.Subscriptions(), 1)
	require.Equal(t, []string{"btcusdt@trade"}, tr.subscribedTopics())
}
