package binance

import (
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/meltica-md/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-md/internal/infra/config"
	"github.com/coachpo/meltica-md/internal/observability"
)

type metadata struct {
	apiBaseURL       string
	websocketBaseURL string
	identifier       string
	venue            string
	exchangeInfoPath string
	depthPath        string
	tradesPath       string
	klinesPath       string
	listenKeyPath    string
}

var futuresMetadata = metadata{
	apiBaseURL:       "https://fapi.binance.com",
	websocketBaseURL: "wss://fstream.binance.com/stream",
	identifier:       "binance",
	venue:            "BINANCE",
	exchangeInfoPath: "/fapi/v1/exchangeInfo",
	depthPath:        "/fapi/v1/depth",
	tradesPath:       "/fapi/v1/trades",
	klinesPath:       "/fapi/v1/klines",
	listenKeyPath:    "/fapi/v1/listenKey",
}

const (
	defaultDepthSpeed        = "100ms"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRequestsPerSecond = 20
	defaultInstrumentRefresh = time.Hour
	defaultKeepAlive         = 5 * time.Minute
	defaultConnectTimeout    = 10 * time.Second
	defaultMaxStreams        = 200
	defaultMaxReconnectDelay = 30 * time.Second
)

// Config captures user-overridable Binance futures settings.
type Config struct {
	Name              string
	RESTBaseURL       string
	WSBaseURL         string
	DepthSpeed        string
	HTTPTimeout       time.Duration
	RequestsPerSecond float64
	InstrumentRefresh time.Duration
	KeepAliveInterval time.Duration
	ConnectTimeout    time.Duration
	MaxStreams        int
	MaxReconnectDelay time.Duration
	ListenKey         string
	APIKey            string
}

// ConfigFromVenue maps the venue section of the application config.
func ConfigFromVenue(v config.VenueConfig) Config {
	return Config{
		RESTBaseURL:       v.RESTBaseURL,
		WSBaseURL:         v.WSBaseURL,
		DepthSpeed:        v.DepthSpeed,
		HTTPTimeout:       v.HTTPTimeout,
		RequestsPerSecond: v.RequestsPerSecond,
		InstrumentRefresh: v.InstrumentRefresh,
		KeepAliveInterval: v.KeepAliveInterval,
		MaxStreams:        v.StreamsPerConn,
		MaxReconnectDelay: v.MaxReconnectDelay,
		ListenKey:         v.ListenKey,
		APIKey:            v.APIKey,
	}
}

// Options configure the Binance futures data client.
type Options struct {
	Config Config
	// Sink receives every published event. Required.
	Sink shared.Sink
	// Store persists the instrument catalogue when set.
	Store InstrumentStore

	Logger     observability.Logger
	HTTPClient *http.Client
	Clock      func() time.Time

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = futuresMetadata
	if strings.TrimSpace(in.Config.Name) == "" {
		in.Config.Name = in.metadata.identifier
	}
	if base := strings.TrimRight(strings.TrimSpace(in.Config.RESTBaseURL), "/"); base != "" {
		in.metadata.apiBaseURL = base
	}
	if base := strings.TrimRight(strings.TrimSpace(in.Config.WSBaseURL), "/"); base != "" {
		in.metadata.websocketBaseURL = base
	}
	if strings.TrimSpace(in.Config.DepthSpeed) == "" {
		in.Config.DepthSpeed = defaultDepthSpeed
	}
	if in.Config.HTTPTimeout <= 0 {
		in.Config.HTTPTimeout = defaultHTTPTimeout
	}
	if in.Config.RequestsPerSecond <= 0 {
		in.Config.RequestsPerSecond = defaultRequestsPerSecond
	}
	if in.Config.InstrumentRefresh <= 0 {
		in.Config.InstrumentRefresh = defaultInstrumentRefresh
	}
	if in.Config.KeepAliveInterval <= 0 {
		in.Config.KeepAliveInterval = defaultKeepAlive
	}
	if in.Config.ConnectTimeout <= 0 {
		in.Config.ConnectTimeout = defaultConnectTimeout
	}
	if in.Config.MaxStreams <= 0 {
		in.Config.MaxStreams = defaultMaxStreams
	}
	if in.Config.MaxReconnectDelay <= 0 {
		in.Config.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	in.Logger = observability.OrDefault(in.Logger)
	if in.HTTPClient == nil {
		in.HTTPClient = &http.Client{Timeout: in.Config.HTTPTimeout}
	}
	if in.Clock == nil {
		in.Clock = time.Now
	}
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.metadata.apiBaseURL), "/")
	if base == "" {
		return ""
	}
	if strings.TrimSpace(path) == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

func (o Options) websocketURL() string {
	return o.metadata.websocketBaseURL
}
