package schema

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-md/errs"
)

// InstrumentID identifies an instrument as "<SYMBOL>.<VENUE>", e.g. "BTCUSDT-PERP.BINANCE".
type InstrumentID string

// NewInstrumentID joins a symbol and venue into an identifier.
func NewInstrumentID(symbol, venue string) InstrumentID {
	return InstrumentID(strings.TrimSpace(symbol) + "." + strings.ToUpper(strings.TrimSpace(venue)))
}

func (id InstrumentID) String() string { return string(id) }

// Symbol returns the symbol segment of the identifier.
func (id InstrumentID) Symbol() string {
	s := string(id)
	if idx := strings.LastIndexByte(s, '.'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// Venue returns the venue segment of the identifier, or "" when absent.
func (id InstrumentID) Venue() string {
	s := string(id)
	if idx := strings.LastIndexByte(s, '.'); idx >= 0 {
		return s[idx+1:]
	}
	return ""
}

// InstrumentType identifies the market structure for an instrument.
type InstrumentType string

const (
	// InstrumentTypePerp represents perpetual swap markets.
	InstrumentTypePerp InstrumentType = "perp"
	// InstrumentTypeFutures represents dated futures markets.
	InstrumentTypeFutures InstrumentType = "futures"
)

// Instrument describes a tradable contract as published by the venue's exchange info.
type Instrument struct {
	ID             InstrumentID    `json:"id"`
	RawSymbol      string          `json:"raw_symbol"`
	Type           InstrumentType  `json:"type"`
	BaseAsset      string          `json:"base_asset"`
	QuoteAsset     string          `json:"quote_asset"`
	MarginAsset    string          `json:"margin_asset"`
	PricePrecision int32           `json:"price_precision"`
	SizePrecision  int32           `json:"size_precision"`
	TickSize       decimal.Decimal `json:"tick_size"`
	StepSize       decimal.Decimal `json:"step_size"`
	MinQuantity    decimal.Decimal `json:"min_quantity"`
	MaxQuantity    decimal.Decimal `json:"max_quantity"`
	MinNotional    decimal.Decimal `json:"min_notional"`
	Status         string          `json:"status"`
}

// Validate checks the fields downstream consumers rely on.
func (i *Instrument) Validate() error {
	if i == nil {
		return instrumentError("instrument payload required")
	}
	if i.ID == "" || i.ID.Venue() == "" {
		return instrumentError("instrument.id must be <symbol>.<venue>")
	}
	if strings.TrimSpace(i.RawSymbol) == "" {
		return instrumentError("instrument.raw_symbol required")
	}
	switch i.Type {
	case InstrumentTypePerp, InstrumentTypeFutures:
	default:
		return instrumentError("instrument.type invalid")
	}
	if i.BaseAsset == "" || i.QuoteAsset == "" {
		return instrumentError("instrument assets required")
	}
	if !i.TickSize.IsPositive() {
		return instrumentError("instrument.tick_size must be > 0")
	}
	if !i.StepSize.IsPositive() {
		return instrumentError("instrument.step_size must be > 0")
	}
	if i.PricePrecision < 0 || i.SizePrecision < 0 {
		return instrumentError("instrument precision must be >= 0")
	}
	if i.MaxQuantity.IsPositive() && i.MinQuantity.GreaterThan(i.MaxQuantity) {
		return instrumentError("instrument.min_quantity exceeds max_quantity")
	}
	return nil
}

func instrumentError(msg string) error {
	return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage(msg))
}
