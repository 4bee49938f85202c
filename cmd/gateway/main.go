// Command gateway runs the Binance USDⓈ-M futures market-data gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/infra/adapters/binance"
	"github.com/coachpo/meltica-md/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-md/internal/infra/bus/eventbus"
	"github.com/coachpo/meltica-md/internal/infra/bus/natsbridge"
	"github.com/coachpo/meltica-md/internal/infra/config"
	"github.com/coachpo/meltica-md/internal/infra/persistence/migrations"
	"github.com/coachpo/meltica-md/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/meltica-md/internal/infra/server/http"
	"github.com/coachpo/meltica-md/internal/infra/telemetry"
	"github.com/coachpo/meltica-md/internal/observability"
)

const (
	defaultConfigPath            = "config/app.yaml"
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	clientShutdownTimeout        = 10 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	dataBusShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	startupTimeout               = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, loadedFromFile, err := loadConfig(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		return err
	}

	zapLogger, err := observability.NewZapLogger(appCfg.Telemetry.ServiceName, appCfg.Logging.Level, appCfg.Logging.Encoding)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	observability.SetLogger(zapLogger)
	logger := observability.Log()

	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults")
	}
	logger.Info("configuration initialised",
		observability.F("environment", appCfg.Environment),
		observability.F("subscriptions", len(appCfg.Subscriptions)))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return err
	}

	var lifecycle conc.WaitGroup
	bus := newEventBus(appCfg.Eventbus, logger)

	bridge, natsConn, err := startNATSBridge(ctx, logger, appCfg.NATS, bus)
	if err != nil {
		return err
	}

	pool, store, err := openCatalogueStore(ctx, logger, appCfg.Database)
	if err != nil {
		return err
	}

	opts := binance.Options{
		Config: binance.ConfigFromVenue(appCfg.Venue),
		Sink:   bus,
		Logger: logger,
	}
	if store != nil {
		opts.Store = store
	}
	client, err := binance.NewDataClient(opts)
	if err != nil {
		return fmt.Errorf("create data client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start data client: %w", err)
	}
	openStartupSubscriptions(ctx, logger, client, appCfg.Subscriptions)

	var apiServer *http.Server
	if appCfg.APIServer.Enabled {
		apiServer = buildAPIServer(appCfg.APIServer, appCfg.Environment, client, logger)
		startAPIServer(&lifecycle, logger, apiServer)
		logger.Info("control API listening", observability.F("addr", apiServer.Addr))
	}

	logger.Info("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		client:     client,
		lifecycle:  &lifecycle,
		bridge:     bridge,
		natsConn:   natsConn,
		dataBus:    bus,
		pool:       pool,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
	return nil
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

// loadConfig falls back to defaults only when the file does not exist.
func loadConfig(ctx context.Context, path string) (config.AppConfig, bool, error) {
	cfg, err := config.Load(ctx, path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), false, nil
	}
	return config.AppConfig{}, false, fmt.Errorf("load config: %w", err)
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func newEventBus(cfg config.EventbusConfig, logger observability.Logger) *eventbus.MemoryBus {
	return eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.BufferSize,
		FanoutWorkers: cfg.FanoutWorkerCount(),
		Overflow:      cfg.Overflow,
		Logger:        logger,
	})
}

func startNATSBridge(ctx context.Context, logger observability.Logger, cfg config.NATSConfig, bus eventbus.Bus) (*natsbridge.Bridge, *nats.Conn, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	conn, err := natsbridge.Connect(cfg.URL, nats.Name("meltica-md"))
	if err != nil {
		return nil, nil, err
	}
	bridge := natsbridge.New(bus, conn, cfg.SubjectPrefix, logger)
	if err := bridge.Start(ctx); err != nil {
		conn.Close()
		return nil, nil, err
	}
	logger.Info("nats bridge started", observability.F("url", cfg.URL), observability.F("prefix", cfg.SubjectPrefix))
	return bridge, conn, nil
}

func openCatalogueStore(ctx context.Context, logger observability.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, *postgres.InstrumentStore, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if cfg.RunMigrations {
		if err := migrations.Apply(startCtx, cfg.DSN, logger); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Open(startCtx, cfg.DSN, postgres.PoolOptions{
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	postgres.ObservePoolMetrics(pool, "catalogue")
	logger.Info("instrument catalogue store ready")
	return pool, postgres.NewInstrumentStore(pool), nil
}

// subscriptionRequest maps a config entry onto the data client request shape.
func subscriptionRequest(sub config.SubscriptionConfig) binance.SubscriptionRequest {
	req := binance.SubscriptionRequest{
		Kind:       shared.SubscriptionKind(sub.Kind),
		Instrument: schema.InstrumentID(sub.Instrument),
		BookType:   schema.BookType(sub.BookType),
		Bar:        sub.Bar,
	}
	if sub.Depth > 0 {
		depth := sub.Depth
		req.Depth = &depth
	}
	return req
}

// openStartupSubscriptions logs failures and keeps going so one bad entry does not block the rest.
func openStartupSubscriptions(ctx context.Context, logger observability.Logger, client *binance.DataClient, subs []config.SubscriptionConfig) {
	for _, sub := range subs {
		req := subscriptionRequest(sub)
		if err := client.Subscribe(ctx, req); err != nil {
			logger.Error("startup subscription failed",
				observability.F("kind", req.Kind),
				observability.F("instrument", req.Instrument),
				observability.Err(err))
			continue
		}
		logger.Info("subscribed", observability.F("kind", req.Kind), observability.F("instrument", req.Instrument))
	}
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, client *binance.DataClient, logger observability.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(env, client, logger),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server stopped", observability.Err(err))
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	client     *binance.DataClient
	lifecycle  *conc.WaitGroup
	bridge     *natsbridge.Bridge
	natsConn   *nats.Conn
	dataBus    eventbus.Bus
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

// waitDone runs fn in the background and gives up when ctx expires.
func waitDone(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", observability.F("step", name), observability.Err(err))
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.client != nil {
		shutdownStep("closing data client", clientShutdownTimeout, func(stepCtx context.Context) error {
			var closeErr error
			if err := waitDone(stepCtx, func() { closeErr = cfg.client.Close() }); err != nil {
				return err
			}
			return closeErr
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			if err := waitDone(stepCtx, cfg.lifecycle.Wait); err != nil {
				return fmt.Errorf("timeout waiting for goroutines: %w", err)
			}
			return nil
		})
	}

	if cfg.bridge != nil {
		shutdownStep("stopping nats bridge", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, cfg.bridge.Stop)
		})
	}
	if cfg.natsConn != nil {
		shutdownStep("draining nats connection", dataBusShutdownTimeout, func(context.Context) error {
			return cfg.natsConn.Drain()
		})
	}

	if cfg.dataBus != nil {
		shutdownStep("closing data bus", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, cfg.dataBus.Close)
		})
	}

	if cfg.pool != nil {
		shutdownStep("closing database pool", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, cfg.pool.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
