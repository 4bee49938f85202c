package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/observability"
)

const (
	maxErrorBody     = 4 << 10
	breakerTimeout   = 30 * time.Second
	breakerInterval  = time.Minute
	breakerTripAfter = 5
)

type depthResponse struct {
	LastUpdateID uint64           `json:"lastUpdateId"`
	EventTime    binanceTimestamp `json:"E"`
	Bids         [][]string       `json:"bids"`
	Asks         [][]string       `json:"asks"`
}

type restTrade struct {
	ID           int64            `json:"id"`
	Price        string           `json:"price"`
	Qty          string           `json:"qty"`
	QuoteQty     string           `json:"quoteQty"`
	Time         binanceTimestamp `json:"time"`
	IsBuyerMaker bool             `json:"isBuyerMaker"`
}

// restKline is one row of /fapi/v1/klines, which Binance encodes as a positional array.
type restKline struct {
	OpenTime    binanceTimestamp
	Open        string
	High        string
	Low         string
	Close       string
	Volume      string
	CloseTime   binanceTimestamp
	QuoteVolume string
	TradeCount  int64
}

func (k *restKline) UnmarshalJSON(data []byte) error {
	var row []json.RawMessage
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	fields := []any{&k.OpenTime, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &k.CloseTime, &k.QuoteVolume, &k.TradeCount}
	if len(row) < len(fields) {
		return fmt.Errorf("kline row has %d fields, want at least %d", len(row), len(fields))
	}
	for i, field := range fields {
		if err := json.Unmarshal(row[i], field); err != nil {
			return fmt.Errorf("kline field %d: %w", i, err)
		}
	}
	return nil
}

type exchangeInfoResponse struct {
	ServerTime binanceTimestamp `json:"serverTime"`
	Symbols    []exchangeSymbol `json:"symbols"`
}

type exchangeSymbol struct {
	Symbol            string         `json:"symbol"`
	Pair              string         `json:"pair"`
	ContractType      string         `json:"contractType"`
	Status            string         `json:"status"`
	BaseAsset         string         `json:"baseAsset"`
	QuoteAsset        string         `json:"quoteAsset"`
	MarginAsset       string         `json:"marginAsset"`
	PricePrecision    int32          `json:"pricePrecision"`
	QuantityPrecision int32          `json:"quantityPrecision"`
	Filters           []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	MaxQty     string `json:"maxQty"`
	Notional   string `json:"notional"`
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// restClient issues rate limited, circuit-broken calls against the futures REST API.
type restClient struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	metrics *adapterMetrics
	logger  observability.Logger
}

func newRESTClient(opts Options, metrics *adapterMetrics) *restClient {
	c := &restClient{
		opts:    opts,
		client:  opts.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(opts.Config.RequestsPerSecond), 1),
		metrics: metrics,
		logger:  opts.Logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:     opts.Config.Name + "-rest",
		Interval: breakerInterval,
		Timeout:  breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("binance rest breaker state change",
				observability.F("breaker", name),
				observability.F("from", from.String()),
				observability.F("to", to.String()))
		},
	})
	return c
}

// breakerSuccess keeps request-shaped rejections (bad symbol, bad limit) from opening the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var e *errs.E
	if errors.As(err, &e) && e.Code == errs.CodeExchange && e.Canonical != errs.CanonicalRateLimited {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func (c *restClient) fetchExchangeInfo(ctx context.Context) (exchangeInfoResponse, error) {
	var out exchangeInfoResponse
	err := c.getJSON(ctx, c.opts.metadata.exchangeInfoPath, nil, &out)
	return out, err
}

func (c *restClient) fetchDepth(ctx context.Context, symbol VenueSymbol, limit int) (depthResponse, error) {
	params := url.Values{}
	params.Set("symbol", string(symbol))
	params.Set("limit", strconv.Itoa(limit))
	var out depthResponse
	err := c.getJSON(ctx, c.opts.metadata.depthPath, params, &out)
	return out, err
}

func (c *restClient) fetchTrades(ctx context.Context, symbol VenueSymbol, limit int) ([]restTrade, error) {
	params := url.Values{}
	params.Set("symbol", string(symbol))
	params.Set("limit", strconv.Itoa(limit))
	var out []restTrade
	err := c.getJSON(ctx, c.opts.metadata.tradesPath, params, &out)
	return out, err
}

func (c *restClient) fetchKlines(ctx context.Context, symbol VenueSymbol, interval string, limit int, start, end *time.Time) ([]restKline, error) {
	params := url.Values{}
	params.Set("symbol", string(symbol))
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if start != nil {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if end != nil {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}
	var out []restKline
	err := c.getJSON(ctx, c.opts.metadata.klinesPath, params, &out)
	return out, err
}

// keepAliveListenKey extends the validity of the configured listen key.
func (c *restClient) keepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	if listenKey != "" {
		params.Set("listenKey", listenKey)
	}
	headers := http.Header{}
	headers.Set("X-MBX-APIKEY", c.opts.Config.APIKey)
	_, err := c.do(ctx, http.MethodPut, c.opts.metadata.listenKeyPath, params, headers)
	return err
}

func (c *restClient) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.New(c.opts.Config.Name, errs.CodeDecode,
			errs.WithMessage("decode response"),
			errs.WithVenueField("endpoint", path),
			errs.WithCause(err))
	}
	return nil
}

func (c *restClient) do(ctx context.Context, method, path string, params url.Values, headers http.Header) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance rest %s: %w", path, err)
	}

	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, params, headers)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = errs.New(c.opts.Config.Name, errs.CodeUnavailable,
			errs.WithMessage("rest circuit open"),
			errs.WithVenueField("endpoint", path),
			errs.WithCause(err))
	}
	c.metrics.recordREST(ctx, path, time.Since(start), err)
	return body, err
}

func (c *restClient) roundTrip(ctx context.Context, method, path string, params url.Values, headers http.Header) ([]byte, error) {
	endpoint := c.opts.restEndpoint(path)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("binance rest request %s: %w", path, err)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("binance rest %s: %w", path, ctx.Err())
		}
		return nil, errs.New(c.opts.Config.Name, errs.CodeNetwork,
			errs.WithMessage("rest transport failure"),
			errs.WithVenueField("endpoint", path),
			errs.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(c.opts.Config.Name, path, resp.StatusCode, raw)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(c.opts.Config.Name, errs.CodeNetwork,
			errs.WithMessage("read response body"),
			errs.WithVenueField("endpoint", path),
			errs.WithCause(err))
	}
	return body, nil
}

func statusError(exchange, path string, status int, raw []byte) error {
	code := errs.CodeExchange
	if status >= http.StatusInternalServerError {
		code = errs.CodeNetwork
	}
	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithMessage(fmt.Sprintf("binance http %d", status)),
		errs.WithVenueField("endpoint", path),
	}
	var venueErr binanceError
	if err := json.Unmarshal(raw, &venueErr); err == nil && venueErr.Msg != "" {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(venueErr.Code)), errs.WithRawMessage(venueErr.Msg))
	} else if len(raw) > 0 {
		opts = append(opts, errs.WithRawMessage(strings.TrimSpace(string(raw))))
	}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalRateLimited))
	case venueErr.Code == -1121:
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	return errs.New(exchange, code, opts...)
}
