package binance

import (
	"fmt"
	"strings"

	"github.com/coachpo/meltica-md/internal/infra/adapters/shared"
)

type topicKind int

const (
	topicUnknown topicKind = iota
	topicDiffDepth
	topicPartialDepth
	topicBookTicker
	topicTrade
	topicTicker
	topicKline
	topicMarkPrice
)

func (k topicKind) String() string {
	switch k {
	case topicDiffDepth:
		return "diff_depth"
	case topicPartialDepth:
		return "partial_depth"
	case topicBookTicker:
		return "book_ticker"
	case topicTrade:
		return "trade"
	case topicTicker:
		return "ticker"
	case topicKline:
		return "kline"
	case topicMarkPrice:
		return "mark_price"
	default:
		return "unknown"
	}
}

// isBook reports whether frames of this kind are routed through the book coordinator.
func (k topicKind) isBook() bool {
	return k == topicDiffDepth || k == topicPartialDepth
}

// topicMatchers is evaluated in order. "@depth@" must precede "@depth" and
// "@bookTicker" must precede "@ticker"-style tokens.
var topicMatchers = []struct {
	token string
	kind  topicKind
}{
	{"@depth@", topicDiffDepth},
	{"@depth", topicPartialDepth},
	{"@bookTicker", topicBookTicker},
	{"@trade", topicTrade},
	{"@ticker", topicTicker},
	{"@kline", topicKline},
	{"@markPrice", topicMarkPrice},
}

func classifyTopic(stream string) topicKind {
	for _, m := range topicMatchers {
		if strings.Contains(stream, m.token) {
			return m.kind
		}
	}
	return topicUnknown
}

func streamSymbol(sym VenueSymbol) string {
	return strings.ToLower(string(sym))
}

func diffDepthTopic(sym VenueSymbol, speed string) string {
	return fmt.Sprintf("%s@depth@%s", streamSymbol(sym), speed)
}

func partialDepthTopic(sym VenueSymbol, depth int, speed string) string {
	return fmt.Sprintf("%s@depth%d@%s", streamSymbol(sym), depth, speed)
}

func bookTickerTopic(sym VenueSymbol) string { return streamSymbol(sym) + "@bookTicker" }

func tradeTopic(sym VenueSymbol) string { return streamSymbol(sym) + "@trade" }

func tickerTopic(sym VenueSymbol) string { return streamSymbol(sym) + "@ticker" }

func klineTopic(sym VenueSymbol, interval string) string {
	return streamSymbol(sym) + "@kline_" + interval
}

func markPriceTopic(sym VenueSymbol) string { return streamSymbol(sym) + "@markPrice@1s" }

// topicForKey maps a registry entry back to the stream name announced on the socket.
// Book keys carry their resolved topic in Params.
func topicForKey(key shared.SubscriptionKey, resolver *symbolResolver) (string, bool) {
	sym := resolver.Symbol(key.Instrument)
	switch key.Kind {
	case shared.KindBookDeltas, shared.KindBookSnapshots:
		return key.Params, key.Params != ""
	case shared.KindQuotes:
		return bookTickerTopic(sym), true
	case shared.KindTrades:
		return tradeTopic(sym), true
	case shared.KindTicker:
		return tickerTopic(sym), true
	case shared.KindBars:
		return klineTopic(sym, key.Params), key.Params != ""
	case shared.KindMarkPrices:
		return markPriceTopic(sym), true
	default:
		return "", false
	}
}
