// Package schema defines the canonical market events published by the gateway.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates canonical event categories.
type EventType string

const (
	// EventTypeInstrument carries an instrument definition.
	EventTypeInstrument EventType = "Instrument"
	// EventTypeQuote carries best bid/ask updates.
	EventTypeQuote EventType = "Quote"
	// EventTypeTrade carries executed trades.
	EventTypeTrade EventType = "Trade"
	// EventTypeBar carries candlesticks; see BarPayload.Partial.
	EventTypeBar EventType = "Bar"
	// EventTypeBookSnapshot carries a full depth baseline at a venue sequence id.
	EventTypeBookSnapshot EventType = "BookSnapshot"
	// EventTypeBookDelta carries incremental level changes.
	EventTypeBookDelta EventType = "BookDelta"
	// EventTypeTicker carries rolling 24h statistics.
	EventTypeTicker EventType = "Ticker"
	// EventTypeGeneric carries venue-specific payloads tagged by GenericPayload.DataType.
	EventTypeGeneric EventType = "Generic"
)

// EventTypes lists every published event type.
func EventTypes() []EventType {
	return []EventType{
		EventTypeInstrument, EventTypeQuote, EventTypeTrade, EventTypeBar,
		EventTypeBookSnapshot, EventTypeBookDelta, EventTypeTicker, EventTypeGeneric,
	}
}

// Event is the envelope handed to the bus. Sequence is the venue sequence id for book events and zero otherwise.
type Event struct {
	EventID    string       `json:"event_id"`
	Provider   string       `json:"provider"`
	Instrument InstrumentID `json:"instrument"`
	Type       EventType    `json:"type"`
	Sequence   uint64       `json:"sequence,omitempty"`
	TsEvent    time.Time    `json:"ts_event"`
	TsInit     time.Time    `json:"ts_init"`
	Payload    any          `json:"payload"`
}

// PriceLevel is a single price/size pair.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookSnapshotPayload is a full depth baseline.
type BookSnapshotPayload struct {
	BookType     BookType     `json:"book_type"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID uint64       `json:"last_update_id"`
}

// BookSide identifies the side of a level change.
type BookSide string

const (
	BookSideBid BookSide = "BID"
	BookSideAsk BookSide = "ASK"
)

// BookAction identifies how a level change applies.
type BookAction string

const (
	BookActionUpdate BookAction = "UPDATE"
	BookActionDelete BookAction = "DELETE"
)

// BookChange is one level mutation. Zero quantity deletes the level.
type BookChange struct {
	Side     BookSide        `json:"side"`
	Action   BookAction      `json:"action"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookDeltaPayload is an incremental update covering venue ids [FirstUpdateID, FinalUpdateID].
type BookDeltaPayload struct {
	FirstUpdateID     uint64       `json:"first_update_id"`
	FinalUpdateID     uint64       `json:"final_update_id"`
	PrevFinalUpdateID uint64       `json:"prev_final_update_id"`
	Changes           []BookChange `json:"changes"`
}

// QuotePayload is a best bid/offer update.
type QuotePayload struct {
	BidPrice decimal.Decimal `json:"bid_price"`
	BidSize  decimal.Decimal `json:"bid_size"`
	AskPrice decimal.Decimal `json:"ask_price"`
	AskSize  decimal.Decimal `json:"ask_size"`
	UpdateID uint64          `json:"update_id"`
}

// AggressorSide captures which side lifted liquidity.
type AggressorSide string

const (
	AggressorBuyer  AggressorSide = "BUYER"
	AggressorSeller AggressorSide = "SELLER"
)

// TradePayload represents an executed trade.
type TradePayload struct {
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Aggressor AggressorSide   `json:"aggressor"`
}

// BarPayload is a candlestick. Partial marks a candle still forming at the venue.
type BarPayload struct {
	Spec        BarSpec         `json:"spec"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	TradeCount  int64           `json:"trade_count"`
	OpenTime    time.Time       `json:"open_time"`
	CloseTime   time.Time       `json:"close_time"`
	Partial     bool            `json:"partial"`
}

// TickerPayload carries rolling 24h statistics.
type TickerPayload struct {
	PriceChange        decimal.Decimal `json:"price_change"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	WeightedAvgPrice   decimal.Decimal `json:"weighted_avg_price"`
	LastPrice          decimal.Decimal `json:"last_price"`
	LastQuantity       decimal.Decimal `json:"last_quantity"`
	OpenPrice          decimal.Decimal `json:"open_price"`
	HighPrice          decimal.Decimal `json:"high_price"`
	LowPrice           decimal.Decimal `json:"low_price"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quote_volume"`
	OpenTime           time.Time       `json:"open_time"`
	CloseTime          time.Time       `json:"close_time"`
	FirstTradeID       int64           `json:"first_trade_id"`
	LastTradeID        int64           `json:"last_trade_id"`
	TradeCount         int64           `json:"trade_count"`
}

// InstrumentPayload advertises an instrument definition.
type InstrumentPayload struct {
	Instrument Instrument `json:"instrument"`
}

// MetadataInstrumentID is the GenericPayload metadata key carrying the instrument id.
const MetadataInstrumentID = "instrument_id"

// GenericPayload wraps a venue-specific value. Subscribers filter on DataType and Metadata
// without knowing the concrete type of Data.
type GenericPayload struct {
	DataType string            `json:"data_type"`
	Metadata map[string]string `json:"metadata"`
	Data     any               `json:"data"`
}

// DataTypeMarkPrice tags GenericPayload values holding a MarkPriceUpdate.
const DataTypeMarkPrice = "BinanceFuturesMarkPriceUpdate"

// MarkPriceUpdate is the futures mark/index/funding update.
type MarkPriceUpdate struct {
	Mark            decimal.Decimal `json:"mark"`
	Index           decimal.Decimal `json:"index"`
	EstimatedSettle decimal.Decimal `json:"estimated_settle"`
	FundingRate     decimal.Decimal `json:"funding_rate"`
	NextFundingTime time.Time       `json:"next_funding_time"`
}
