package config

import "strings"

// Environment identifies the runtime environment where the gateway operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// SubscriptionKind names a startup subscription in the config file.
type SubscriptionKind string

const (
	SubscriptionBookDeltas    SubscriptionKind = "book_deltas"
	SubscriptionBookSnapshots SubscriptionKind = "book_snapshots"
	SubscriptionQuotes        SubscriptionKind = "quotes"
	SubscriptionTrades        SubscriptionKind = "trades"
	SubscriptionTicker        SubscriptionKind = "ticker"
	SubscriptionBars          SubscriptionKind = "bars"
	SubscriptionMarkPrices    SubscriptionKind = "mark_prices"
)

func normalizeKind(kind SubscriptionKind) SubscriptionKind {
	return SubscriptionKind(strings.ToLower(strings.TrimSpace(string(kind))))
}

func (k SubscriptionKind) valid() bool {
	switch k {
	case SubscriptionBookDeltas, SubscriptionBookSnapshots, SubscriptionQuotes, SubscriptionTrades,
		SubscriptionTicker, SubscriptionBars, SubscriptionMarkPrices:
		return true
	default:
		return false
	}
}
