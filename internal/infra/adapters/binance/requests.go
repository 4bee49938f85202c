package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/observability"
)

const maxRequestLimit = 1000

// TimeRange bounds a historical request. Either end may be nil.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxRequestLimit {
		return maxRequestLimit
	}
	return limit
}

// HistoricalTrades returns the most recent trades for the instrument, oldest first. The venue
// endpoint only serves the latest trades, so a time range is ignored.
func (c *DataClient) HistoricalTrades(ctx context.Context, instrument schema.InstrumentID, limit int, window *TimeRange) ([]*schema.Event, error) {
	limit = clampLimit(limit)
	if window != nil && (window.Start != nil || window.End != nil) {
		c.logger.Warn("binance trade history ignores time range; using latest trades",
			observability.F("instrument", instrument),
			observability.F("limit", limit))
	}
	symbol := c.resolver.Symbol(instrument)
	rows, err := c.rest.fetchTrades(ctx, symbol, limit)
	c.metrics.recordRequest(ctx, "historical_trades", err)
	if err != nil {
		return nil, fmt.Errorf("historical trades %s: %w", instrument, err)
	}

	out := make([]*schema.Event, 0, len(rows))
	for _, row := range rows {
		var r decimalReader
		payload := schema.TradePayload{
			TradeID:   strconv.FormatInt(row.ID, 10),
			Price:     r.read("price", row.Price),
			Quantity:  r.read("qty", row.Qty),
			Aggressor: aggressorFromMaker(row.IsBuyerMaker),
		}
		if r.err != nil {
			return nil, fmt.Errorf("historical trades %s: %w", instrument, r.err)
		}
		out = append(out, c.publisher.NewEvent(schema.EventTypeTrade, instrument, 0,
			resolveTimestamp(row.Time, c.publisher.Now), payload))
	}
	return out, nil
}

// HistoricalBars returns venue-aggregated bars. The last bar returned by the venue is still
// forming and comes back separately as partial; the rest are closed.
func (c *DataClient) HistoricalBars(ctx context.Context, spec schema.BarSpec, limit int, window *TimeRange) ([]*schema.Event, *schema.Event, error) {
	if err := validateBarSpec(c.opts.Config.Name, spec); err != nil {
		c.logger.Error("binance bar request rejected", observability.F("spec", spec.String()), observability.Err(err))
		c.metrics.recordRequest(ctx, "historical_bars", err)
		return nil, nil, err
	}
	limit = clampLimit(limit)
	interval := barInterval(spec)

	var start, end *time.Time
	if window != nil {
		start, end = window.Start, window.End
	}
	rows, err := c.rest.fetchKlines(ctx, c.resolver.Symbol(spec.Instrument), interval, limit, start, end)
	c.metrics.recordRequest(ctx, "historical_bars", err)
	if err != nil {
		return nil, nil, fmt.Errorf("historical bars %s: %w", spec, err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	bars := make([]*schema.Event, 0, len(rows))
	for i, row := range rows {
		var r decimalReader
		payload := schema.BarPayload{
			Spec:        spec,
			Open:        r.read("open", row.Open),
			High:        r.read("high", row.High),
			Low:         r.read("low", row.Low),
			Close:       r.read("close", row.Close),
			Volume:      r.read("volume", row.Volume),
			QuoteVolume: r.read("quoteVolume", row.QuoteVolume),
			TradeCount:  row.TradeCount,
			OpenTime:    row.OpenTime.Time(),
			CloseTime:   row.CloseTime.Time(),
			Partial:     i == len(rows)-1,
		}
		if r.err != nil {
			return nil, nil, fmt.Errorf("historical bars %s: %w", spec, r.err)
		}
		bars = append(bars, c.publisher.NewEvent(schema.EventTypeBar, spec.Instrument, 0,
			resolveTimestamp(row.CloseTime, c.publisher.Now), payload))
	}
	return bars[:len(bars)-1], bars[len(bars)-1], nil
}

// HistoricalQuotes is not served: Binance has no quote history endpoint.
func (c *DataClient) HistoricalQuotes(ctx context.Context, instrument schema.InstrumentID, limit int, window *TimeRange) ([]*schema.Event, error) {
	err := errs.NotSupported(c.opts.Config.Name, "quote history is not published by Binance; subscribe to quotes instead")
	c.logger.Error("binance quote request rejected", observability.F("instrument", instrument), observability.Err(err))
	c.metrics.recordRequest(ctx, "historical_quotes", err)
	return nil, err
}

func validateBarSpec(exchange string, spec schema.BarSpec) error {
	reject := func(msg string) error {
		return errs.New(exchange, errs.CodeUnsupportedBarSpec,
			errs.WithMessage(msg),
			errs.WithVenueField("bar_spec", spec.String()))
	}
	switch {
	case spec.Source == schema.AggregationSourceInternal:
		return reject("internally aggregated bars are not served by the venue")
	case !spec.Aggregation.IsTimeBased():
		return reject("only time bars are published by Binance")
	case spec.Aggregation.IsSubMinute():
		return reject("sub-minute bars are not published by Binance")
	case spec.PriceType != schema.PriceTypeLast:
		return reject("only LAST price bars are published by Binance")
	case spec.Step <= 0:
		return reject("bar step must be positive")
	}
	return nil
}

// barInterval renders a validated spec as a kline interval. Callers validate first, so an
// unmapped aggregation is a programming error.
func barInterval(spec schema.BarSpec) string {
	var unit string
	switch spec.Aggregation {
	case schema.BarAggregationMinute:
		unit = "m"
	case schema.BarAggregationHour:
		unit = "h"
	case schema.BarAggregationDay:
		unit = "d"
	case schema.BarAggregationWeek:
		unit = "w"
	case schema.BarAggregationMonth:
		unit = "M"
	default:
		panic(fmt.Sprintf("binance: no kline interval for aggregation %s", spec.Aggregation))
	}
	return strconv.Itoa(spec.Step) + unit
}
