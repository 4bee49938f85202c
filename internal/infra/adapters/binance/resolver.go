package binance

import (
	"strings"
	"sync"

	"github.com/coachpo/meltica-md/internal/domain/schema"
)

// VenueSymbol is a contract symbol exactly as Binance spells it, e.g. "BTCUSDT".
type VenueSymbol string

func normalizeVenueSymbol(symbol string) VenueSymbol {
	return VenueSymbol(strings.ToUpper(strings.TrimSpace(symbol)))
}

const perpetualSuffix = "-PERP"

// symbolResolver memoizes venue symbol to instrument id translation. Once a symbol is
// resolved the id never changes for the lifetime of the resolver.
type symbolResolver struct {
	venue string

	mu      sync.RWMutex
	ids     map[VenueSymbol]schema.InstrumentID
	symbols map[schema.InstrumentID]VenueSymbol
}

func newSymbolResolver(venue string) *symbolResolver {
	return &symbolResolver{
		venue:   venue,
		ids:     make(map[VenueSymbol]schema.InstrumentID),
		symbols: make(map[schema.InstrumentID]VenueSymbol),
	}
}

// Resolve returns the instrument id for the venue symbol. Perpetual symbols carry no
// delivery suffix on the wire so they gain "-PERP"; dated contracts ("BTCUSDT_250926")
// keep their symbol.
func (r *symbolResolver) Resolve(symbol string) schema.InstrumentID {
	key := normalizeVenueSymbol(symbol)

	r.mu.RLock()
	id, ok := r.ids[key]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok = r.ids[key]; ok {
		return id
	}
	name := string(key)
	if !strings.Contains(name, "_") {
		name += perpetualSuffix
	}
	id = schema.NewInstrumentID(name, r.venue)
	r.ids[key] = id
	r.symbols[id] = key
	return id
}

// Symbol returns the venue symbol behind an instrument id. Ids that were never resolved
// fall back to stripping the perpetual suffix.
func (r *symbolResolver) Symbol(id schema.InstrumentID) VenueSymbol {
	r.mu.RLock()
	sym, ok := r.symbols[id]
	r.mu.RUnlock()
	if ok {
		return sym
	}
	return normalizeVenueSymbol(strings.TrimSuffix(id.Symbol(), perpetualSuffix))
}

// Canonical maps any spelling of an instrument id ("BTCUSDT.BINANCE", "btcusdt-PERP.BINANCE")
// to the id Resolve assigns its venue symbol.
func (r *symbolResolver) Canonical(id schema.InstrumentID) schema.InstrumentID {
	sym := r.Symbol(id)
	if sym == "" {
		return id
	}
	return r.Resolve(string(sym))
}

// Len returns the number of memoized symbols.
func (r *symbolResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}
