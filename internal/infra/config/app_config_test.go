package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-md/internal/infra/bus/eventbus"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
logging:
  level: DEBUG
  encoding: console
venue:
  restBaseURL: https://testnet.binancefuture.com/
  wsBaseURL: wss://stream.binancefuture.com/stream
  depthSpeed: 250ms
  instrumentRefresh: 30m
subscriptions:
  - kind: BOOK_DELTAS
    instrument: BTCUSDT-PERP.BINANCE
  - kind: bars
    instrument: ETHUSDT-PERP.BINANCE
    bar: 1-minute-last
eventbus:
  bufferSize: 128
  fanoutWorkers: 3
  overflow: drop_oldest
nats:
  enabled: true
  url: nats://localhost:4222
telemetry:
  serviceName: md-test
`)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "https://testnet.binancefuture.com", cfg.Venue.RESTBaseURL)
	require.Equal(t, "250ms", cfg.Venue.DepthSpeed)
	require.Equal(t, 30*time.Minute, cfg.Venue.InstrumentRefresh)
	require.Equal(t, 5*time.Minute, cfg.Venue.KeepAliveInterval)
	require.Len(t, cfg.Subscriptions, 2)
	require.Equal(t, SubscriptionBookDeltas, cfg.Subscriptions[0].Kind)
	require.Equal(t, "1-MINUTE-LAST", cfg.Subscriptions[1].Bar)
	require.Equal(t, 128, cfg.Eventbus.BufferSize)
	require.Equal(t, 3, cfg.Eventbus.FanoutWorkerCount())
	require.Equal(t, eventbus.OverflowDropOldest, cfg.Eventbus.Overflow)
	require.Equal(t, "meltica.md", cfg.NATS.SubjectPrefix)
	require.Equal(t, "md-test", cfg.Telemetry.ServiceName)
	require.False(t, cfg.Database.Enabled)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "https://fapi.binance.com", cfg.Venue.RESTBaseURL)
	require.Equal(t, time.Hour, cfg.Venue.InstrumentRefresh)
	require.Equal(t, 4, cfg.Eventbus.FanoutWorkerCount())
}

func TestLoadRejectsInvalidSections(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"environment", "environment: qa\n", "environment must be one of"},
		{"depth speed", "venue:\n  depthSpeed: 1s\n", "depthSpeed"},
		{"unknown kind", "subscriptions:\n  - kind: orders\n    instrument: X.BINANCE\n", "unknown kind"},
		{"missing instrument", "subscriptions:\n  - kind: trades\n", "instrument required"},
		{"bars without spec", "subscriptions:\n  - kind: bars\n    instrument: X.BINANCE\n", "bar spec required"},
		{"nats without url", "nats:\n  enabled: true\n", "nats url required"},
		{"fanout workers", "eventbus:\n  fanoutWorkers: -2\n", "fanoutWorkers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, tc.body))
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tc.want), "unexpected error: %v", err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvVarEnvironment, "prod")
	t.Setenv(EnvVarNATSURL, "nats://nats:4222")
	t.Setenv(EnvVarDatabaseDSN, "postgresql://db:5432/md")

	cfg, err := Load(context.Background(), writeConfig(t, "environment: dev\n"))
	require.NoError(t, err)
	require.Equal(t, EnvProd, cfg.Environment)
	require.True(t, cfg.NATS.Enabled)
	require.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	require.True(t, cfg.Database.Enabled)
	require.Equal(t, "postgresql://db:5432/md", cfg.Database.DSN)
}

func TestFanoutWorkersAuto(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, "eventbus:\n  fanoutWorkers: auto\n"))
	require.NoError(t, err)
	require.Positive(t, cfg.Eventbus.FanoutWorkerCount())
}
