// Package shared provides venue-independent building blocks for market-data adapters.
package shared

import (
	"sort"
	"sync"

	"github.com/coachpo/meltica-md/internal/domain/schema"
)

// SubscriptionKind names the stream family a subscription belongs to.
type SubscriptionKind string

const (
	KindBookDeltas    SubscriptionKind = "book_deltas"
	KindBookSnapshots SubscriptionKind = "book_snapshots"
	KindQuotes        SubscriptionKind = "quotes"
	KindTrades        SubscriptionKind = "trades"
	KindTicker        SubscriptionKind = "ticker"
	KindBars          SubscriptionKind = "bars"
	KindMarkPrices    SubscriptionKind = "mark_prices"
)

// SubscriptionKey identifies one active subscription. Params carries kind-specific
// settings such as book depth or bar spec key; it is part of the identity.
type SubscriptionKey struct {
	Kind       SubscriptionKind
	Instrument schema.InstrumentID
	Params     string
}

// SubscriptionRegistry is the durable record of what the gateway is subscribed to.
// The transport's own subscription state is rebuilt from List after a reconnect.
type SubscriptionRegistry struct {
	mu     sync.Mutex
	active map[SubscriptionKey]struct{}
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{active: make(map[SubscriptionKey]struct{})}
}

// Add records key and reports whether it was newly added.
func (r *SubscriptionRegistry) Add(key SubscriptionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[key]; ok {
		return false
	}
	r.active[key] = struct{}{}
	return true
}

// Remove drops key and reports whether it was present.
func (r *SubscriptionRegistry) Remove(key SubscriptionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[key]; !ok {
		return false
	}
	delete(r.active, key)
	return true
}

// Contains reports whether key is active.
func (r *SubscriptionRegistry) Contains(key SubscriptionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[key]
	return ok
}

// HasInstrument reports whether any key of kind is active for the instrument.
func (r *SubscriptionRegistry) HasInstrument(kind SubscriptionKind, instrument schema.InstrumentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.active {
		if key.Kind == kind && key.Instrument == instrument {
			return true
		}
	}
	return false
}

// Len returns the number of active keys.
func (r *SubscriptionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// List returns the active keys ordered by kind, instrument and params.
func (r *SubscriptionRegistry) List() []SubscriptionKey {
	r.mu.Lock()
	keys := make([]SubscriptionKey, 0, len(r.active))
	for key := range r.active {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		if keys[i].Instrument != keys[j].Instrument {
			return keys[i].Instrument < keys[j].Instrument
		}
		return keys[i].Params < keys[j].Params
	})
	return keys
}
