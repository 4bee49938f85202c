// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/meltica-md/internal/infra/bus/eventbus"
)

// Environment variable overrides applied after the file is parsed.
const (
	EnvVarEnvironment = "MELTICA_ENV"
	EnvVarNATSURL     = "MELTICA_NATS_URL"
	EnvVarDatabaseDSN = "MELTICA_DATABASE_DSN"
)

// LoggingConfig selects the zap level and encoding.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// VenueConfig points the adapter at the futures endpoints and sets its timers.
type VenueConfig struct {
	RESTBaseURL       string        `yaml:"restBaseURL"`
	WSBaseURL         string        `yaml:"wsBaseURL"`
	DepthSpeed        string        `yaml:"depthSpeed"`
	HTTPTimeout       time.Duration `yaml:"httpTimeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	InstrumentRefresh time.Duration `yaml:"instrumentRefresh"`
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`
	ListenKey         string        `yaml:"listenKey"`
	APIKey            string        `yaml:"apiKey"`
	StreamsPerConn    int           `yaml:"streamsPerConnection"`
	MaxReconnectDelay time.Duration `yaml:"maxReconnectDelay"`
}

func (c *VenueConfig) applyDefaults() {
	c.RESTBaseURL = strings.TrimRight(strings.TrimSpace(c.RESTBaseURL), "/")
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = "https://fapi.binance.com"
	}
	c.WSBaseURL = strings.TrimRight(strings.TrimSpace(c.WSBaseURL), "/")
	if c.WSBaseURL == "" {
		c.WSBaseURL = "wss://fstream.binance.com/stream"
	}
	c.DepthSpeed = strings.TrimSpace(c.DepthSpeed)
	if c.DepthSpeed == "" {
		c.DepthSpeed = "100ms"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.InstrumentRefresh <= 0 {
		c.InstrumentRefresh = time.Hour
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 5 * time.Minute
	}
	if c.StreamsPerConn <= 0 {
		c.StreamsPerConn = 200
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	c.ListenKey = strings.TrimSpace(c.ListenKey)
	c.APIKey = strings.TrimSpace(c.APIKey)
}

func (c VenueConfig) validate() error {
	switch c.DepthSpeed {
	case "100ms", "250ms", "500ms":
	default:
		return fmt.Errorf("depthSpeed must be one of 100ms, 250ms, 500ms")
	}
	if !strings.HasPrefix(c.RESTBaseURL, "http") {
		return fmt.Errorf("restBaseURL must be an http(s) url")
	}
	if !strings.HasPrefix(c.WSBaseURL, "ws") {
		return fmt.Errorf("wsBaseURL must be a ws(s) url")
	}
	return nil
}

// SubscriptionConfig declares a subscription opened at startup.
type SubscriptionConfig struct {
	Kind       SubscriptionKind `yaml:"kind"`
	Instrument string           `yaml:"instrument"`
	Depth      int              `yaml:"depth"`
	BookType   string           `yaml:"bookType"`
	Bar        string           `yaml:"bar"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                     `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting     `yaml:"fanoutWorkers"`
	Overflow      eventbus.OverflowPolicy `yaml:"overflow"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
)

// FanoutWorkerSetting accepts either a positive integer or "auto".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto" and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	text := ""
	if node != nil {
		text = strings.ToLower(strings.TrimSpace(node.Value))
	}
	switch text {
	case "", "default":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// FanoutWorkerCount returns the resolved worker count.
func (c EventbusConfig) FanoutWorkerCount() int {
	switch c.FanoutWorkers.kind {
	case fanoutWorkerExplicit:
		return c.FanoutWorkers.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
	}
	return 4
}

// NATSConfig controls the optional NATS forwarding bridge.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// APIServerConfig controls the HTTP control surface.
type APIServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity for the instrument catalogue.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/meltica_md"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified gateway configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment          `yaml:"environment"`
	Logging       LoggingConfig        `yaml:"logging"`
	Venue         VenueConfig          `yaml:"venue"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Eventbus      EventbusConfig       `yaml:"eventbus"`
	NATS          NATSConfig           `yaml:"nats"`
	Database      DatabaseConfig       `yaml:"database"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
	APIServer     APIServerConfig      `yaml:"apiServer"`
}

// Default returns a configuration usable without a file.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	_ = cfg.normalise()
	return cfg
}

// Load reads, normalises and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnvOverrides(os.LookupEnv)

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnvOverrides(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvVarEnvironment); ok && strings.TrimSpace(v) != "" {
		c.Environment = Environment(v)
	}
	if v, ok := lookup(EnvVarNATSURL); ok && strings.TrimSpace(v) != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v, ok := lookup(EnvVarDatabaseDSN); ok && strings.TrimSpace(v) != "" {
		c.Database.DSN = v
		c.Database.Enabled = true
	}
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Encoding = strings.ToLower(strings.TrimSpace(c.Logging.Encoding))
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	c.Venue.applyDefaults()

	for i := range c.Subscriptions {
		sub := &c.Subscriptions[i]
		sub.Kind = normalizeKind(sub.Kind)
		sub.Instrument = strings.TrimSpace(sub.Instrument)
		sub.BookType = strings.ToUpper(strings.TrimSpace(sub.BookType))
		sub.Bar = strings.ToUpper(strings.TrimSpace(sub.Bar))
	}

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 1024
	}
	if c.Eventbus.Overflow == "" {
		c.Eventbus.Overflow = eventbus.OverflowBlock
	}

	c.NATS.URL = strings.TrimSpace(c.NATS.URL)
	c.NATS.SubjectPrefix = strings.TrimSpace(c.NATS.SubjectPrefix)
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "meltica.md"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "meltica-md"
	}

	c.Database.applyDefaults()

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logging encoding must be json or console")
	}

	if err := c.Venue.validate(); err != nil {
		return fmt.Errorf("venue: %w", err)
	}

	for i, sub := range c.Subscriptions {
		if !sub.Kind.valid() {
			return fmt.Errorf("subscriptions[%d]: unknown kind %q", i, sub.Kind)
		}
		if sub.Instrument == "" {
			return fmt.Errorf("subscriptions[%d]: instrument required", i)
		}
		if sub.Kind == SubscriptionBars && sub.Bar == "" {
			return fmt.Errorf("subscriptions[%d]: bar spec required for bars", i)
		}
		if sub.Depth < 0 {
			return fmt.Errorf("subscriptions[%d]: depth must be >= 0", i)
		}
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	switch c.Eventbus.Overflow {
	case eventbus.OverflowBlock, eventbus.OverflowDropOldest:
	default:
		return fmt.Errorf("eventbus overflow must be block or drop_oldest")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats url required when enabled")
	}

	if c.Database.Enabled {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
