package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a devstation run.
type Config struct {
	// StateDir is the directory holding all run state (checkpoints,
	// journal, lock, history database). Sub-paths default relative
	// to it when left empty.
	StateDir string `yaml:"state_dir" validate:"required"`

	// CheckpointDir is the directory holding per-phase checkpoint records.
	CheckpointDir string `yaml:"checkpoint_dir,omitempty"`

	// JournalPath is the transaction journal file.
	JournalPath string `yaml:"journal_path,omitempty"`

	// LockPath is the cross-process lock file.
	LockPath string `yaml:"lock_path,omitempty"`

	// HistoryDBPath is the SQLite run-history database file.
	HistoryDBPath string `yaml:"history_db_path,omitempty"`

	// Lock controls lock acquisition behavior.
	Lock LockConfig `yaml:"lock"`

	// Retry controls transient failure handling.
	Retry RetryConfig `yaml:"retry"`

	// Parallel is the maximum number of phases run concurrently within
	// one parallel group.
	Parallel int `yaml:"parallel" validate:"min=1,max=32"`

	// Provision holds target-machine settings used by the built-in phases.
	Provision ProvisionConfig `yaml:"provision"`

	// Telemetry controls logging, metrics, and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LockConfig controls cross-process lock acquisition.
type LockConfig struct {
	// Timeout bounds how long Acquire waits for a contended lock before
	// giving up. Zero means fail immediately.
	Timeout time.Duration `yaml:"timeout"`

	// StaleCeiling is the age past which a lock held by a live process
	// is still considered abandoned.
	StaleCeiling time.Duration `yaml:"stale_ceiling" validate:"min=0"`
}

// RetryConfig controls transient failure handling.
type RetryConfig struct {
	// MaxAttempts is the total invocation budget per command, including
	// the first try.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1,max=10"`

	// BaseDelay is the first backoff delay; each subsequent retry doubles it.
	BaseDelay time.Duration `yaml:"base_delay" validate:"min=0"`

	// BreakerThreshold is the consecutive failure count that opens the
	// circuit breaker.
	BreakerThreshold int `yaml:"breaker_threshold" validate:"min=1"`
}

// ProvisionConfig holds target-machine settings used by the built-in phases.
type ProvisionConfig struct {
	// Username is the development user created during provisioning.
	Username string `yaml:"username" validate:"required,hostname_rfc1123"`

	// BasePackages are installed during system preparation.
	BasePackages []string `yaml:"base_packages"`

	// DesktopPackages are installed during the desktop phase.
	DesktopPackages []string `yaml:"desktop_packages"`

	// IDEs selects which editor installs run in the parallel IDE group.
	IDEs []string `yaml:"ides" validate:"dive,oneof=vscode cursor antigravity"`

	// SSHPort is the hardened SSH listen port.
	SSHPort int `yaml:"ssh_port" validate:"min=1,max=65535"`
}

// TelemetryConfig controls logging, metrics, and tracing.
type TelemetryConfig struct {
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error"`

	// LogFormat is json or console.
	LogFormat string `yaml:"log_format" validate:"oneof=json console"`

	// MetricsAddr is the Prometheus listen address. Empty disables metrics.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// TracingEnabled turns on the stdout span exporter.
	TracingEnabled bool `yaml:"tracing_enabled"`
}

// Default returns a configuration with working defaults for a single
// machine provision.
func Default() *Config {
	return &Config{
		StateDir: "/var/lib/devstation",
		Lock: LockConfig{
			Timeout:      0,
			StaleCeiling: 2 * time.Hour,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelay:        2 * time.Second,
			BreakerThreshold: 5,
		},
		Parallel: 4,
		Provision: ProvisionConfig{
			Username: "dev",
			BasePackages: []string{
				"curl", "wget", "git", "build-essential", "ca-certificates",
			},
			DesktopPackages: []string{
				"xfce4", "xfce4-goodies", "lightdm",
			},
			IDEs:    []string{"vscode", "cursor", "antigravity"},
			SSHPort: 22,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// Load reads a YAML configuration file, applies defaults for omitted
// fields, resolves state paths, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolvePaths fills in state sub-paths relative to StateDir and makes
// everything absolute.
func (c *Config) resolvePaths() {
	if abs, err := filepath.Abs(c.StateDir); err == nil {
		c.StateDir = abs
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = filepath.Join(c.StateDir, "checkpoints")
	}
	if c.JournalPath == "" {
		c.JournalPath = filepath.Join(c.StateDir, "journal.jsonl")
	}
	if c.LockPath == "" {
		c.LockPath = filepath.Join(c.StateDir, "provision.lock")
	}
	if c.HistoryDBPath == "" {
		c.HistoryDBPath = filepath.Join(c.StateDir, "history.db")
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("invalid configuration: %s", formatValidationErrors(verrs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func formatValidationErrors(errs validator.ValidationErrors) string {
	msg := ""
	for i, fe := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("field %s failed %s validation", fe.Namespace(), fe.Tag())
	}
	return msg
}
