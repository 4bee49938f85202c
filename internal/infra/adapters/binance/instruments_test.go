package binance

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
)

func tradingSymbol(symbol, contract, status string) exchangeSymbol {
	return exchangeSymbol{
		Symbol:            symbol,
		ContractType:      contract,
		Status:            status,
		BaseAsset:         "BTC",
		QuoteAsset:        "USDT",
		MarginAsset:       "USDT",
		PricePrecision:    2,
		QuantityPrecision: 3,
		Filters: []symbolFilter{
			{FilterType: "PRICE_FILTER", TickSize: "0.10"},
			{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001", MaxQty: "1000"},
			{FilterType: "MIN_NOTIONAL", Notional: "100"},
		},
	}
}

func TestBuildInstrumentsFiltersContracts(t *testing.T) {
	broken := tradingSymbol("ETHUSDT", contractPerpetual, statusTrading)
	broken.Filters = nil
	info := exchangeInfoResponse{Symbols: []exchangeSymbol{
		tradingSymbol("BTCUSDT", contractPerpetual, statusTrading),
		tradingSymbol("BTCUSDT_250926", "CURRENT_QUARTER", statusTrading),
		tradingSymbol("XRPUSDT", contractPerpetual, "SETTLING"),
		broken,
	}}

	instruments, problems := buildInstruments(info, newSymbolResolver("BINANCE"))
	require.Len(t, instruments, 1)
	require.Len(t, problems, 1, "instrument without filters fails validation")

	inst := instruments[0]
	require.Equal(t, btc, inst.ID)
	require.Equal(t, "BTCUSDT", inst.RawSymbol)
	require.Equal(t, schema.InstrumentTypePerp, inst.Type)
	require.Equal(t, "0.1", inst.TickSize.String())
	require.Equal(t, "0.001", inst.StepSize.String())
	require.Equal(t, "1000", inst.MaxQuantity.String())
	require.Equal(t, "100", inst.MinNotional.String())
}

type memoryStore struct {
	mu      sync.Mutex
	saved   []schema.Instrument
	loadErr error
}

func (s *memoryStore) SaveInstruments(_ context.Context, instruments []schema.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append([]schema.Instrument(nil), instruments...)
	return nil
}

func (s *memoryStore) LoadInstruments(_ context.Context, venue string) ([]schema.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	var out []schema.Instrument
	for _, inst := range s.saved {
		if inst.ID.Venue() == venue {
			out = append(out, inst)
		}
	}
	return out, nil
}

func exchangeInfoHandler(t *testing.T) http.HandlerFunc {
	body, err := json.Marshal(exchangeInfoResponse{Symbols: []exchangeSymbol{
		tradingSymbol("BTCUSDT", contractPerpetual, statusTrading),
	}})
	if err != nil {
		t.Fatalf("marshal exchange info: %v", err)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/exchangeInfo" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}
}

func TestLoadInstrumentsPublishesAndPersists(t *testing.T) {
	client, sink, _ := newTestClient(t, exchangeInfoHandler(t))
	store := &memoryStore{}
	client.opts.Store = store

	require.NoError(t, client.LoadInstruments(context.Background()))

	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, schema.EventTypeInstrument, events[0].Type)
	require.Equal(t, btc, events[0].Payload.(schema.InstrumentPayload).Instrument.ID)
	require.Len(t, store.saved, 1)

	inst, ok := client.Instrument(btc)
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", inst.RawSymbol)
}

func TestLoadInstrumentsFallsBackToStore(t *testing.T) {
	client, sink, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	info := exchangeInfoResponse{Symbols: []exchangeSymbol{tradingSymbol("BTCUSDT", contractPerpetual, statusTrading)}}
	stored, problems := buildInstruments(info, newSymbolResolver("BINANCE"))
	require.Empty(t, problems)
	client.opts.Store = &memoryStore{saved: stored}

	require.NoError(t, client.LoadInstruments(context.Background()))
	require.Len(t, sink.snapshot(), 1)
	_, ok := client.Instrument(btc)
	require.True(t, ok)
}

func TestLoadInstrumentsFailsWithoutFallback(t *testing.T) {
	client, sink, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	dbDown := errors.New("db down")
	client.opts.Store = &memoryStore{loadErr: dbDown}

	err := client.LoadInstruments(context.Background())
	require.ErrorIs(t, err, dbDown)
	require.Contains(t, err.Error(), "load instruments: 2 of 2 failed")
	require.Empty(t, sink.snapshot())

	// an empty store is no fallback either
	client.opts.Store = &memoryStore{}
	err = client.LoadInstruments(context.Background())
	require.Contains(t, err.Error(), "no stored catalogue")
}

func TestRequestInstrument(t *testing.T) {
	client, sink, _ := newTestClient(t, exchangeInfoHandler(t))
	ctx := context.Background()
	require.NoError(t, client.LoadInstruments(ctx))

	require.NoError(t, client.RequestInstrument(ctx, btc))
	require.Len(t, sink.snapshot(), 2)

	err := client.RequestInstrument(ctx, "DOGEUSDT-PERP.BINANCE")
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
	require.Len(t, sink.snapshot(), 2)

	require.NoError(t, client.RequestInstruments(ctx))
	require.Len(t, sink.snapshot(), 3)
}
