package binance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/observability"
)

// InstrumentStore persists the instrument catalogue. postgres.InstrumentStore satisfies it.
type InstrumentStore interface {
	SaveInstruments(ctx context.Context, instruments []schema.Instrument) error
	LoadInstruments(ctx context.Context, venue string) ([]schema.Instrument, error)
}

const (
	contractPerpetual = "PERPETUAL"
	statusTrading     = "TRADING"
)

type instrumentCatalogue struct {
	mu   sync.RWMutex
	byID map[schema.InstrumentID]schema.Instrument
}

func newInstrumentCatalogue() *instrumentCatalogue {
	return &instrumentCatalogue{byID: make(map[schema.InstrumentID]schema.Instrument)}
}

func (c *instrumentCatalogue) replace(instruments []schema.Instrument) {
	next := make(map[schema.InstrumentID]schema.Instrument, len(instruments))
	for _, inst := range instruments {
		next[inst.ID] = inst
	}
	c.mu.Lock()
	c.byID = next
	c.mu.Unlock()
}

func (c *instrumentCatalogue) get(id schema.InstrumentID) (schema.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.byID[id]
	return inst, ok
}

func (c *instrumentCatalogue) all() []schema.Instrument {
	c.mu.RLock()
	out := make([]schema.Instrument, 0, len(c.byID))
	for _, inst := range c.byID {
		out = append(out, inst)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// buildInstruments keeps trading perpetual contracts and maps their filters. Contracts that do
// not validate are skipped and reported.
func buildInstruments(info exchangeInfoResponse, resolver *symbolResolver) ([]schema.Instrument, []error) {
	var (
		out      []schema.Instrument
		problems []error
	)
	for _, sym := range info.Symbols {
		if sym.ContractType != contractPerpetual || sym.Status != statusTrading {
			continue
		}
		inst := schema.Instrument{
			ID:             resolver.Resolve(sym.Symbol),
			RawSymbol:      sym.Symbol,
			Type:           schema.InstrumentTypePerp,
			BaseAsset:      sym.BaseAsset,
			QuoteAsset:     sym.QuoteAsset,
			MarginAsset:    sym.MarginAsset,
			PricePrecision: sym.PricePrecision,
			SizePrecision:  sym.QuantityPrecision,
			Status:         sym.Status,
		}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				inst.TickSize, _ = parseDecimal(f.TickSize)
			case "LOT_SIZE":
				inst.StepSize, _ = parseDecimal(f.StepSize)
				inst.MinQuantity, _ = parseDecimal(f.MinQty)
				inst.MaxQuantity, _ = parseDecimal(f.MaxQty)
			case "MIN_NOTIONAL":
				inst.MinNotional, _ = parseDecimal(f.Notional)
			}
		}
		if err := inst.Validate(); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", sym.Symbol, err))
			continue
		}
		out = append(out, inst)
	}
	return out, problems
}

// LoadInstruments refreshes the catalogue from exchange info, persists it when a store is
// configured and publishes every instrument. When exchange info is unreachable the last
// persisted catalogue is used instead.
func (c *DataClient) LoadInstruments(ctx context.Context) error {
	instruments, err := c.fetchInstruments(ctx)
	if err != nil {
		if c.opts.Store == nil {
			c.metrics.recordRequest(ctx, "load_instruments", err)
			return err
		}
		stored, loadErr := c.opts.Store.LoadInstruments(ctx, c.opts.metadata.venue)
		if loadErr == nil && len(stored) == 0 {
			loadErr = errors.New("no stored catalogue")
		}
		if loadErr != nil {
			c.metrics.recordRequest(ctx, "load_instruments", err)
			return observability.BatchError(c.logger, "load instruments", 2, []error{err, loadErr},
				observability.F("venue", c.opts.metadata.venue))
		}
		c.logger.Warn("binance exchange info unavailable; using stored catalogue",
			observability.F("instruments", len(stored)), observability.Err(err))
		for _, inst := range stored {
			c.resolver.Resolve(inst.RawSymbol)
		}
		instruments = stored
	} else if c.opts.Store != nil {
		if err := c.opts.Store.SaveInstruments(ctx, instruments); err != nil {
			c.logger.Error("binance instrument persist failed", observability.Err(err))
		}
	}
	c.metrics.recordRequest(ctx, "load_instruments", nil)

	c.catalogue.replace(instruments)
	c.logger.Info("binance instruments loaded", observability.F("instruments", len(instruments)))
	return c.publishInstruments(ctx, instruments)
}

func (c *DataClient) fetchInstruments(ctx context.Context) ([]schema.Instrument, error) {
	info, err := c.rest.fetchExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	instruments, problems := buildInstruments(info, c.resolver)
	for _, problem := range problems {
		c.logger.Warn("binance instrument skipped", observability.Err(problem))
	}
	return instruments, nil
}

// RequestInstrument publishes one instrument from the catalogue.
func (c *DataClient) RequestInstrument(ctx context.Context, id schema.InstrumentID) error {
	inst, ok := c.catalogue.get(id)
	if !ok {
		err := errs.New(c.opts.Config.Name, errs.CodeNotFound,
			errs.WithMessage("instrument not in catalogue"),
			errs.WithVenueField("instrument", id.String()),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
		c.logger.Warn("binance instrument request rejected", observability.Err(err))
		c.metrics.recordRequest(ctx, "request_instrument", err)
		return err
	}
	c.metrics.recordRequest(ctx, "request_instrument", nil)
	return c.publishInstruments(ctx, []schema.Instrument{inst})
}

// RequestInstruments publishes the whole catalogue.
func (c *DataClient) RequestInstruments(ctx context.Context) error {
	c.metrics.recordRequest(ctx, "request_instruments", nil)
	return c.publishInstruments(ctx, c.catalogue.all())
}

// Instrument returns the catalogue entry for id.
func (c *DataClient) Instrument(id schema.InstrumentID) (schema.Instrument, bool) {
	return c.catalogue.get(id)
}

func (c *DataClient) publishInstruments(ctx context.Context, instruments []schema.Instrument) error {
	var failures []error
	for _, inst := range instruments {
		err := c.publisher.Publish(ctx, schema.EventTypeInstrument, inst.ID, 0, c.publisher.Now(),
			schema.InstrumentPayload{Instrument: inst})
		if err != nil {
			failures = append(failures, err)
			continue
		}
		c.metrics.recordEvent(ctx, string(schema.EventTypeInstrument), string(inst.ID))
	}
	return observability.BatchError(c.logger, "publish instruments", len(instruments), failures,
		observability.F("venue", c.opts.metadata.venue))
}
