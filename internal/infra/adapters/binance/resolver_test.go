package binance

import (
	"sync"
	"testing"

	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/infra/adapters/shared"
)

func TestSymbolResolver(t *testing.T) {
	r := newSymbolResolver("BINANCE")

	if got := r.Resolve("btcusdt"); got != btc {
		t.Fatalf("expected %s, got %s", btc, got)
	}
	if got := r.Resolve("BTCUSDT_250926"); got != "BTCUSDT_250926.BINANCE" {
		t.Fatalf("dated contract should keep its symbol, got %s", got)
	}
	if got := r.Symbol(btc); got != "BTCUSDT" {
		t.Fatalf("expected BTCUSDT, got %s", got)
	}
	if got := r.Symbol("ETHUSDT-PERP.BINANCE"); got != "ETHUSDT" {
		t.Fatalf("unresolved id should strip the perpetual suffix, got %s", got)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 memoized symbols, got %d", r.Len())
	}
}

func TestSymbolResolverCanonical(t *testing.T) {
	r := newSymbolResolver("BINANCE")
	cases := map[schema.InstrumentID]schema.InstrumentID{
		"BTCUSDT.BINANCE":        btc,
		"btcusdt-PERP.BINANCE":   btc,
		btc:                      btc,
		"BTCUSDT_250926.BINANCE": "BTCUSDT_250926.BINANCE",
		"":                       "",
	}
	for in, want := range cases {
		if got := r.Canonical(in); got != want {
			t.Fatalf("Canonical(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSymbolResolverConcurrentResolve(t *testing.T) {
	r := newSymbolResolver("BINANCE")
	var wg sync.WaitGroup
	results := make([]schema.InstrumentID, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve("ETHUSDT")
		}(i)
	}
	wg.Wait()
	for _, id := range results {
		if id != "ETHUSDT-PERP.BINANCE" {
			t.Fatalf("unexpected id %s", id)
		}
	}
	if r.Len() != 1 {
		t.Fatalf("expected a single memoized entry, got %d", r.Len())
	}
}

func TestTopicForKey(t *testing.T) {
	r := newSymbolResolver("BINANCE")
	cases := []struct {
		key  shared.SubscriptionKey
		want string
		ok   bool
	}{
		{shared.SubscriptionKey{Kind: shared.KindQuotes, Instrument: btc}, "btcusdt@bookTicker", true},
		{shared.SubscriptionKey{Kind: shared.KindTrades, Instrument: btc}, "btcusdt@trade", true},
		{shared.SubscriptionKey{Kind: shared.KindTicker, Instrument: btc}, "btcusdt@ticker", true},
		{shared.SubscriptionKey{Kind: shared.KindMarkPrices, Instrument: btc}, "btcusdt@markPrice@1s", true},
		{shared.SubscriptionKey{Kind: shared.KindBars, Instrument: btc, Params: "15m"}, "btcusdt@kline_15m", true},
		{shared.SubscriptionKey{Kind: shared.KindBars, Instrument: btc}, "", false},
		{shared.SubscriptionKey{Kind: shared.KindBookDeltas, Instrument: btc, Params: "btcusdt@depth@250ms"}, "btcusdt@depth@250ms", true},
		{shared.SubscriptionKey{Kind: "funding", Instrument: btc}, "", false},
	}
	for _, tc := range cases {
		got, ok := topicForKey(tc.key, r)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("topicForKey(%+v) = %q, %v; want %q, %v", tc.key, got, ok, tc.want, tc.ok)
		}
	}
}
