package commands

import (
	"testing"

	"github.com/devstation/devstation/pkg/config"
)

func TestTelemetryConfig_MapsFileSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.LogLevel = "warn"
	cfg.Telemetry.LogFormat = "json"
	cfg.Telemetry.MetricsAddr = "127.0.0.1:9090"
	cfg.Telemetry.TracingEnabled = true

	tc, err := telemetryConfig(cfg, false)
	if err != nil {
		t.Fatalf("telemetryConfig failed: %v", err)
	}

	if tc.Logging.Level != "warn" || tc.Logging.Format != "json" {
		t.Errorf("logging settings not applied: %+v", tc.Logging)
	}
	if !tc.Metrics.Enabled || tc.Metrics.ListenAddress != "127.0.0.1:9090" {
		t.Errorf("metrics should be enabled with the configured address: %+v", tc.Metrics)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "stdout" {
		t.Errorf("tracing should use the stdout exporter when enabled: %+v", tc.Tracing)
	}
	if tc.ServiceName != "devstation" {
		t.Errorf("service name should come from the defaults, got %q", tc.ServiceName)
	}
}

func TestTelemetryConfig_MetricsDisabledWithoutAddress(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.MetricsAddr = ""

	tc, err := telemetryConfig(cfg, false)
	if err != nil {
		t.Fatalf("telemetryConfig failed: %v", err)
	}
	if tc.Metrics.Enabled {
		t.Error("metrics must stay disabled when no listen address is configured")
	}
}

func TestTelemetryConfig_VerboseForcesDebug(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.LogLevel = "error"

	tc, err := telemetryConfig(cfg, true)
	if err != nil {
		t.Fatalf("telemetryConfig failed: %v", err)
	}
	if tc.Logging.Level != "debug" {
		t.Errorf("verbose should force debug logging, got %q", tc.Logging.Level)
	}
}

func TestTelemetryConfig_RejectsInvalidFormat(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.LogFormat = "xml"

	if _, err := telemetryConfig(cfg, false); err == nil {
		t.Fatal("expected an error for an unsupported log format")
	}
}
