package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/devstation/devstation/pkg/checkpoint"
	"github.com/devstation/devstation/pkg/config"
	"github.com/devstation/devstation/pkg/journal"
	"github.com/devstation/devstation/pkg/lock"
	"github.com/devstation/devstation/pkg/resilience"
	"github.com/devstation/devstation/pkg/runner"
	"github.com/devstation/devstation/pkg/stores"
	"github.com/devstation/devstation/pkg/telemetry"
)

// app wires the shared collaborators a command needs. Commands build only
// what they use via the with* helpers.
type app struct {
	cfg    *config.Config
	telCfg telemetry.Config
	logger *telemetry.Logger
	runner runner.Runner

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	journal     *journal.Journal
	checkpoints *checkpoint.Store
	lock        *lock.Manager
	exec        *resilience.Executor

	store *stores.SQLiteStore
}

// newApp loads configuration and builds the base collaborators: logger,
// runner, journal, checkpoints, and lock manager.
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitWith(ExitValidation, err)
	}

	telCfg, err := telemetryConfig(cfg, verbose)
	if err != nil {
		return nil, exitWith(ExitValidation, err)
	}
	logger, err := telemetry.NewLogger(telCfg.Logging)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	jnl, err := journal.New(cfg.JournalPath)
	if err != nil {
		return nil, err
	}

	checkpoints, err := checkpoint.NewStore(cfg.CheckpointDir)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		telCfg:      telCfg,
		logger:      logger,
		runner:      runner.NewLocal(),
		journal:     jnl,
		checkpoints: checkpoints,
		lock:        lock.NewManager(cfg.LockPath, cfg.Lock.StaleCeiling, logger),
	}
	return a, nil
}

// telemetryConfig maps the file configuration onto the telemetry stack's own
// config, starting from its defaults.
func telemetryConfig(cfg *config.Config, verbose bool) (telemetry.Config, error) {
	tc := telemetry.DefaultConfig()
	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Logging.Format = cfg.Telemetry.LogFormat
	if verbose {
		tc.Logging.Level = "debug"
	}
	tc.Metrics.Enabled = cfg.Telemetry.MetricsAddr != ""
	tc.Metrics.ListenAddress = cfg.Telemetry.MetricsAddr
	tc.Tracing.Enabled = cfg.Telemetry.TracingEnabled
	if cfg.Telemetry.TracingEnabled {
		tc.Tracing.Exporter = "stdout"
	}

	if err := tc.Validate(); err != nil {
		return telemetry.Config{}, err
	}
	return tc, nil
}

// withTelemetry adds the metrics endpoint and tracer per configuration.
func (a *app) withTelemetry(version string) error {
	a.telCfg.ServiceVersion = version

	metrics, err := telemetry.NewMetrics(a.telCfg.Metrics)
	if err != nil {
		return err
	}
	if a.telCfg.Metrics.Enabled {
		if err := metrics.Serve(); err != nil {
			return err
		}
	}
	a.metrics = metrics

	tracer, err := telemetry.NewTracer(a.telCfg.Tracing, a.telCfg.ServiceName, version)
	if err != nil {
		return err
	}
	a.tracer = tracer
	return nil
}

// withExecutor adds the resilience executor configured from the retry
// settings.
func (a *app) withExecutor() {
	exec := resilience.NewExecutor(a.runner, a.logger, a.metrics)
	exec.BaseDelay = a.cfg.Retry.BaseDelay
	exec.Breaker().SetThreshold(a.cfg.Retry.BreakerThreshold)
	a.exec = exec
}

// withStore opens the run-history database.
func (a *app) withStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.HistoryDBPath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.store = store
	return nil
}

// close releases everything the app opened.
func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close history store")
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Warn("failed to shut down tracer")
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close metrics endpoint")
		}
	}
}
