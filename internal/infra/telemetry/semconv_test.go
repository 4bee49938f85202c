package telemetry

import "testing"

func TestEventAttributesOmitsEmptyInstrument(t *testing.T) {
	attrs := EventAttributes("dev", "Trade", "binance", "")
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes without instrument, got %d", len(attrs))
	}
	attrs = EventAttributes("dev", "Trade", "binance", "BTCUSDT-PERP.BINANCE")
	if len(attrs) != 4 {
		t.Fatalf("expected instrument attribute, got %d", len(attrs))
	}
	if attrs[3].Key != AttrInstrument || attrs[3].Value.AsString() != "BTCUSDT-PERP.BINANCE" {
		t.Fatalf("unexpected instrument attribute %+v", attrs[3])
	}
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	prev := Environment()
	t.Cleanup(func() { SetEnvironment(prev) })

	SetEnvironment("")
	if got := Environment(); got != "development" {
		t.Fatalf("expected development default, got %q", got)
	}
	SetEnvironment(" PROD ")
	if got := Environment(); got != "prod" {
		t.Fatalf("expected prod, got %q", got)
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}
