package binance

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
)

// binanceTimestamp accepts millisecond timestamps encoded as numbers or quoted strings.
type binanceTimestamp int64

func (ts *binanceTimestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}
	if parsed, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		*ts = binanceTimestamp(parsed)
		return nil
	}
	if parsed, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		*ts = binanceTimestamp(int64(parsed))
		return nil
	}
	return fmt.Errorf("binance: invalid timestamp %q", string(data))
}

func (ts binanceTimestamp) Time() time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ts)).UTC()
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthMessage struct {
	EventType         string           `json:"e"`
	EventTime         binanceTimestamp `json:"E"`
	TransactionTime   binanceTimestamp `json:"T"`
	Symbol            string           `json:"s"`
	FirstUpdateID     uint64           `json:"U"`
	FinalUpdateID     uint64           `json:"u"`
	PrevFinalUpdateID uint64           `json:"pu"`
	Bids              [][]string       `json:"b"`
	Asks              [][]string       `json:"a"`
}

type bookTickerMessage struct {
	EventType       string           `json:"e"`
	UpdateID        uint64           `json:"u"`
	EventTime       binanceTimestamp `json:"E"`
	TransactionTime binanceTimestamp `json:"T"`
	Symbol          string           `json:"s"`
	BidPrice        string           `json:"b"`
	BidQty          string           `json:"B"`
	AskPrice        string           `json:"a"`
	AskQty          string           `json:"A"`
}

type tradeMessage struct {
	EventType    string           `json:"e"`
	EventTime    binanceTimestamp `json:"E"`
	TradeTime    binanceTimestamp `json:"T"`
	Symbol       string           `json:"s"`
	TradeID      int64            `json:"t"`
	Price        string           `json:"p"`
	Quantity     string           `json:"q"`
	OrderType    string           `json:"X"`
	IsBuyerMaker bool             `json:"m"`
}

type tickerMessage struct {
	EventType          string           `json:"e"`
	EventTime          binanceTimestamp `json:"E"`
	Symbol             string           `json:"s"`
	PriceChange        string           `json:"p"`
	PriceChangePercent string           `json:"P"`
	WeightedAvgPrice   string           `json:"w"`
	LastPrice          string           `json:"c"`
	LastQuantity       string           `json:"Q"`
	OpenPrice          string           `json:"o"`
	HighPrice          string           `json:"h"`
	LowPrice           string           `json:"l"`
	Volume             string           `json:"v"`
	QuoteVolume        string           `json:"q"`
	OpenTime           binanceTimestamp `json:"O"`
	CloseTime          binanceTimestamp `json:"C"`
	FirstTradeID       int64            `json:"F"`
	LastTradeID        int64            `json:"L"`
	TradeCount         int64            `json:"n"`
}

type klineMessage struct {
	EventType string           `json:"e"`
	EventTime binanceTimestamp `json:"E"`
	Symbol    string           `json:"s"`
	Kline     klineBody        `json:"k"`
}

type klineBody struct {
	OpenTime            binanceTimestamp `json:"t"`
	CloseTime           binanceTimestamp `json:"T"`
	Symbol              string           `json:"s"`
	Interval            string           `json:"i"`
	FirstTradeID        int64            `json:"f"`
	LastTradeID         int64            `json:"L"`
	Open                string           `json:"o"`
	Close               string           `json:"c"`
	High                string           `json:"h"`
	Low                 string           `json:"l"`
	Volume              string           `json:"v"`
	TradeCount          int64            `json:"n"`
	Closed              bool             `json:"x"`
	QuoteVolume         string           `json:"q"`
	TakerBuyBaseVolume  string           `json:"V"`
	TakerBuyQuoteVolume string           `json:"Q"`
	Ignore              string           `json:"B"`
}

type markPriceMessage struct {
	EventType       string           `json:"e"`
	EventTime       binanceTimestamp `json:"E"`
	Symbol          string           `json:"s"`
	MarkPrice       string           `json:"p"`
	IndexPrice      string           `json:"i"`
	EstimatedSettle string           `json:"P"`
	FundingRate     string           `json:"r"`
	NextFundingTime binanceTimestamp `json:"T"`
}

func decodeError(format string, args ...any) error {
	return errs.New(futuresMetadata.identifier, errs.CodeDecode, errs.WithMessage(fmt.Sprintf(format, args...)))
}

func decodeEnvelope(raw []byte) (streamEnvelope, error) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, errs.New(futuresMetadata.identifier, errs.CodeDecode, errs.WithMessage("malformed envelope"), errs.WithCause(err))
	}
	if env.Stream == "" || len(env.Data) == 0 {
		return env, decodeError("envelope missing stream or data")
	}
	return env, nil
}

func decodeData[T any](kind topicKind, data []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, errs.New(futuresMetadata.identifier, errs.CodeDecode,
			errs.WithMessage("malformed "+kind.String()+" payload"), errs.WithCause(err))
	}
	return msg, nil
}

// decimalReader parses a run of decimal fields and remembers the first failure.
type decimalReader struct {
	err error
}

func (r *decimalReader) read(field, value string) decimal.Decimal {
	if r.err != nil {
		return decimal.Zero
	}
	dec, ok := parseDecimal(value)
	if !ok {
		r.err = decodeError("field %s: invalid decimal %q", field, value)
		return decimal.Zero
	}
	return dec
}

func parseDecimal(value string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, false
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, false
	}
	return dec, true
}

func levelsToPriceLevels(levels [][]string) ([]schema.PriceLevel, error) {
	out := make([]schema.PriceLevel, 0, len(levels))
	var r decimalReader
	for _, lvl := range levels {
		if len(lvl) < 2 {
			return nil, decodeError("price level needs price and quantity, got %d fields", len(lvl))
		}
		out = append(out, schema.PriceLevel{
			Price:    r.read("price", lvl[0]),
			Quantity: r.read("quantity", lvl[1]),
		})
	}
	return out, r.err
}

func levelsToChanges(side schema.BookSide, levels [][]string, into []schema.BookChange) ([]schema.BookChange, error) {
	parsed, err := levelsToPriceLevels(levels)
	if err != nil {
		return into, err
	}
	for _, lvl := range parsed {
		action := schema.BookActionUpdate
		if lvl.Quantity.IsZero() {
			action = schema.BookActionDelete
		}
		into = append(into, schema.BookChange{Side: side, Action: action, Price: lvl.Price, Quantity: lvl.Quantity})
	}
	return into, nil
}

func depthToDelta(msg depthMessage) (schema.BookDeltaPayload, error) {
	changes := make([]schema.BookChange, 0, len(msg.Bids)+len(msg.Asks))
	changes, err := levelsToChanges(schema.BookSideBid, msg.Bids, changes)
	if err != nil {
		return schema.BookDeltaPayload{}, err
	}
	changes, err = levelsToChanges(schema.BookSideAsk, msg.Asks, changes)
	if err != nil {
		return schema.BookDeltaPayload{}, err
	}
	return schema.BookDeltaPayload{
		FirstUpdateID:     msg.FirstUpdateID,
		FinalUpdateID:     msg.FinalUpdateID,
		PrevFinalUpdateID: msg.PrevFinalUpdateID,
		Changes:           changes,
	}, nil
}

// depthToSnapshot reads a partial depth frame as a full top-N baseline.
func depthToSnapshot(msg depthMessage) (schema.BookSnapshotPayload, error) {
	bids, err := levelsToPriceLevels(msg.Bids)
	if err != nil {
		return schema.BookSnapshotPayload{}, err
	}
	asks, err := levelsToPriceLevels(msg.Asks)
	if err != nil {
		return schema.BookSnapshotPayload{}, err
	}
	return schema.BookSnapshotPayload{
		BookType:     schema.BookTypeL2,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: msg.FinalUpdateID,
	}, nil
}

func bookTickerToQuote(msg bookTickerMessage) (schema.QuotePayload, error) {
	var r decimalReader
	quote := schema.QuotePayload{
		BidPrice: r.read("b", msg.BidPrice),
		BidSize:  r.read("B", msg.BidQty),
		AskPrice: r.read("a", msg.AskPrice),
		AskSize:  r.read("A", msg.AskQty),
		UpdateID: msg.UpdateID,
	}
	return quote, r.err
}

func aggressorFromMaker(isBuyerMaker bool) schema.AggressorSide {
	if isBuyerMaker {
		return schema.AggressorSeller
	}
	return schema.AggressorBuyer
}

func tradeToPayload(msg tradeMessage) (schema.TradePayload, error) {
	var r decimalReader
	trade := schema.TradePayload{
		TradeID:   strconv.FormatInt(msg.TradeID, 10),
		Price:     r.read("p", msg.Price),
		Quantity:  r.read("q", msg.Quantity),
		Aggressor: aggressorFromMaker(msg.IsBuyerMaker),
	}
	return trade, r.err
}

func tickerToPayload(msg tickerMessage) (schema.TickerPayload, error) {
	var r decimalReader
	ticker := schema.TickerPayload{
		PriceChange:        r.read("p", msg.PriceChange),
		PriceChangePercent: r.read("P", msg.PriceChangePercent),
		WeightedAvgPrice:   r.read("w", msg.WeightedAvgPrice),
		LastPrice:          r.read("c", msg.LastPrice),
		LastQuantity:       r.read("Q", msg.LastQuantity),
		OpenPrice:          r.read("o", msg.OpenPrice),
		HighPrice:          r.read("h", msg.HighPrice),
		LowPrice:           r.read("l", msg.LowPrice),
		Volume:             r.read("v", msg.Volume),
		QuoteVolume:        r.read("q", msg.QuoteVolume),
		OpenTime:           msg.OpenTime.Time(),
		CloseTime:          msg.CloseTime.Time(),
		FirstTradeID:       msg.FirstTradeID,
		LastTradeID:        msg.LastTradeID,
		TradeCount:         msg.TradeCount,
	}
	return ticker, r.err
}

func klineToBar(spec schema.BarSpec, k klineBody) (schema.BarPayload, error) {
	var r decimalReader
	bar := schema.BarPayload{
		Spec:        spec,
		Open:        r.read("o", k.Open),
		High:        r.read("h", k.High),
		Low:         r.read("l", k.Low),
		Close:       r.read("c", k.Close),
		Volume:      r.read("v", k.Volume),
		QuoteVolume: r.read("q", k.QuoteVolume),
		TradeCount:  k.TradeCount,
		OpenTime:    k.OpenTime.Time(),
		CloseTime:   k.CloseTime.Time(),
		Partial:     !k.Closed,
	}
	return bar, r.err
}

func markPriceToUpdate(msg markPriceMessage) (schema.MarkPriceUpdate, error) {
	var r decimalReader
	update := schema.MarkPriceUpdate{
		Mark:            r.read("p", msg.MarkPrice),
		Index:           r.read("i", msg.IndexPrice),
		EstimatedSettle: r.read("P", msg.EstimatedSettle),
		FundingRate:     r.read("r", msg.FundingRate),
		NextFundingTime: msg.NextFundingTime.Time(),
	}
	return update, r.err
}

// intervalToSpec reads a kline interval ("1m", "4h", "1M") back into a bar spec.
func intervalToSpec(instrument schema.InstrumentID, interval string) (schema.BarSpec, error) {
	if len(interval) < 2 {
		return schema.BarSpec{}, decodeError("invalid kline interval %q", interval)
	}
	step, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || step <= 0 {
		return schema.BarSpec{}, decodeError("invalid kline interval %q", interval)
	}
	var agg schema.BarAggregation
	switch interval[len(interval)-1] {
	case 'm':
		agg = schema.BarAggregationMinute
	case 'h':
		agg = schema.BarAggregationHour
	case 'd':
		agg = schema.BarAggregationDay
	case 'w':
		agg = schema.BarAggregationWeek
	case 'M':
		agg = schema.BarAggregationMonth
	default:
		return schema.BarSpec{}, decodeError("invalid kline interval %q", interval)
	}
	return schema.BarSpec{
		Instrument:  instrument,
		Step:        step,
		Aggregation: agg,
		PriceType:   schema.PriceTypeLast,
		Source:      schema.AggregationSourceExternal,
	}, nil
}

func resolveTimestamp(ts binanceTimestamp, clock func() time.Time) time.Time {
	if t := ts.Time(); !t.IsZero() {
		return t
	}
	if clock != nil {
		return clock().UTC()
	}
	return time.Now().UTC()
}
