package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coachpo/meltica-md/errs"
)

// BarAggregation enumerates the units a bar may be aggregated over.
type BarAggregation string

const (
	BarAggregationTick        BarAggregation = "TICK"
	BarAggregationVolume      BarAggregation = "VOLUME"
	BarAggregationValue       BarAggregation = "VALUE"
	BarAggregationMillisecond BarAggregation = "MILLISECOND"
	BarAggregationSecond      BarAggregation = "SECOND"
	BarAggregationMinute      BarAggregation = "MINUTE"
	BarAggregationHour        BarAggregation = "HOUR"
	BarAggregationDay         BarAggregation = "DAY"
	BarAggregationWeek        BarAggregation = "WEEK"
	BarAggregationMonth       BarAggregation = "MONTH"
)

// IsTimeBased reports whether the aggregation is a clock interval.
func (a BarAggregation) IsTimeBased() bool {
	switch a {
	case BarAggregationMillisecond, BarAggregationSecond, BarAggregationMinute,
		BarAggregationHour, BarAggregationDay, BarAggregationWeek, BarAggregationMonth:
		return true
	default:
		return false
	}
}

// IsSubMinute reports whether the aggregation resolves below one minute.
func (a BarAggregation) IsSubMinute() bool {
	return a == BarAggregationMillisecond || a == BarAggregationSecond
}

// PriceType selects which price a bar is built from.
type PriceType string

const (
	PriceTypeBid  PriceType = "BID"
	PriceTypeAsk  PriceType = "ASK"
	PriceTypeMid  PriceType = "MID"
	PriceTypeLast PriceType = "LAST"
)

// AggregationSource states who builds the bar: the venue (EXTERNAL) or the gateway (INTERNAL).
type AggregationSource string

const (
	AggregationSourceExternal AggregationSource = "EXTERNAL"
	AggregationSourceInternal AggregationSource = "INTERNAL"
)

// BarSpec describes a bar series for one instrument, e.g. 1-MINUTE-LAST-EXTERNAL.
type BarSpec struct {
	Instrument  InstrumentID      `json:"instrument"`
	Step        int               `json:"step"`
	Aggregation BarAggregation    `json:"aggregation"`
	PriceType   PriceType         `json:"price_type"`
	Source      AggregationSource `json:"source"`
}

func (s BarSpec) String() string {
	source := s.Source
	if source == "" {
		source = AggregationSourceExternal
	}
	return fmt.Sprintf("%s-%d-%s-%s-%s", s.Instrument, s.Step, s.Aggregation, s.PriceType, source)
}

// Key returns the spec without its instrument, used as a subscription parameter.
func (s BarSpec) Key() string {
	return strings.ToLower(fmt.Sprintf("%d-%s-%s", s.Step, s.Aggregation, s.PriceType))
}

// ParseBarSpec parses "<step>-<AGGREGATION>-<PRICE>[-<SOURCE>]" for the instrument.
// The source defaults to EXTERNAL.
func ParseBarSpec(instrument InstrumentID, text string) (BarSpec, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(text)), "-")
	if len(parts) != 3 && len(parts) != 4 {
		return BarSpec{}, barSpecError("bar spec %q must be <step>-<aggregation>-<price>[-<source>]", text)
	}
	step, err := strconv.Atoi(parts[0])
	if err != nil || step <= 0 {
		return BarSpec{}, barSpecError("bar spec %q: step must be a positive integer", text)
	}
	spec := BarSpec{
		Instrument:  instrument,
		Step:        step,
		Aggregation: BarAggregation(parts[1]),
		PriceType:   PriceType(parts[2]),
		Source:      AggregationSourceExternal,
	}
	switch spec.Aggregation {
	case BarAggregationTick, BarAggregationVolume, BarAggregationValue, BarAggregationMillisecond,
		BarAggregationSecond, BarAggregationMinute, BarAggregationHour, BarAggregationDay,
		BarAggregationWeek, BarAggregationMonth:
	default:
		return BarSpec{}, barSpecError("bar spec %q: unknown aggregation %s", text, parts[1])
	}
	switch spec.PriceType {
	case PriceTypeBid, PriceTypeAsk, PriceTypeMid, PriceTypeLast:
	default:
		return BarSpec{}, barSpecError("bar spec %q: unknown price type %s", text, parts[2])
	}
	if len(parts) == 4 {
		spec.Source = AggregationSource(parts[3])
		if spec.Source != AggregationSourceExternal && spec.Source != AggregationSourceInternal {
			return BarSpec{}, barSpecError("bar spec %q: unknown source %s", text, parts[3])
		}
	}
	return spec, nil
}

func barSpecError(format string, args ...any) error {
	return errs.New("schema/bar", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf(format, args...)))
}

// BookType selects the order book granularity.
type BookType string

const (
	// BookTypeL1 is top of book only.
	BookTypeL1 BookType = "L1_TBBO"
	// BookTypeL2 aggregates orders by price level.
	BookTypeL2 BookType = "L2_MBP"
	// BookTypeL3 is market-by-order.
	BookTypeL3 BookType = "L3_MBO"
)
