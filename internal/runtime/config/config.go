package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"

	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
)

// EnvPrefix is prepended to every environment variable the kernel reads.
const EnvPrefix = "UNITKERNEL_"

// Config groups the settings required to initialise the Kernel. Zero values
// are replaced by Defaults when loading through Load.
type Config struct {
	// ManifestPath points at a YAML, TOML or JSON unit manifest. Empty boots
	// with no units.
	ManifestPath string `toml:"manifest_path" env:"MANIFEST_PATH"`

	// Bus configuration.
	HistoryCapacity int           `toml:"history_capacity" env:"HISTORY_CAPACITY"`
	RequestTimeout  time.Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`

	// Lifecycle configuration. ReadyTimeout of zero disables waiting for the
	// unit's own ready announcement.
	UnitInitTimeout time.Duration `toml:"unit_init_timeout" env:"UNIT_INIT_TIMEOUT"`
	ReadyTimeout    time.Duration `toml:"ready_timeout" env:"READY_TIMEOUT"`

	// Watchdog configuration.
	WatchdogTimeout time.Duration `toml:"watchdog_timeout" env:"WATCHDOG_TIMEOUT"`

	// HeartbeatInterval is handed to units so they report well inside the
	// watchdog timeout.
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`

	// HandshakeTimeout bounds Handshake.Initiate when the caller passes zero.
	HandshakeTimeout time.Duration `toml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`

	// Scheduler configuration.
	SchedulerYield    time.Duration `toml:"scheduler_yield" env:"SCHEDULER_YIELD"`
	SchedulerDeadline time.Duration `toml:"scheduler_deadline" env:"SCHEDULER_DEADLINE"`

	// Governance configuration.
	GovernanceSchedule   string  `toml:"governance_schedule" env:"GOVERNANCE_SCHEDULE"`
	QuotaWarnPercent     float64 `toml:"quota_warn_percent" env:"QUOTA_WARN_PERCENT"`
	QuotaCriticalPercent float64 `toml:"quota_critical_percent" env:"QUOTA_CRITICAL_PERCENT"`
	// StorageDir enables disk-backed quota checks for the given directory.
	StorageDir string `toml:"storage_dir" env:"STORAGE_DIR"`
	// StorageQuotaBytes caps the usable quota reported for StorageDir. Zero
	// uses the filesystem size.
	StorageQuotaBytes uint64 `toml:"storage_quota_bytes" env:"STORAGE_QUOTA_BYTES"`
	// ThrottlePerSecond is the per-topic emission ceiling the audit
	// subscriber flags as flooding.
	ThrottlePerSecond int `toml:"throttle_per_second" env:"THROTTLE_PER_SECOND"`

	// Workers lists the compute worker ids spawned at Init.
	Workers []string `toml:"workers" env:"WORKERS" envSeparator:","`

	// Logging configuration.
	LogLevel  string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT"`

	// Metrics configuration.
	MetricsEnabled bool `toml:"metrics_enabled" env:"METRICS_ENABLED"`
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int `toml:"metrics_port" env:"METRICS_PORT"`

	// MirrorEnabled forwards every bus emission to a Watermill publisher.
	MirrorEnabled bool `toml:"mirror_enabled" env:"MIRROR_ENABLED"`
	// MirrorFile, when set, appends mirrored emissions to a JSON lines file
	// instead of the in-process channel.
	MirrorFile string `toml:"mirror_file" env:"MIRROR_FILE"`

	// Introspection configuration.
	IntrospectionEnabled bool `toml:"introspection_enabled" env:"INTROSPECTION_ENABLED"`
	IntrospectionPort    int  `toml:"introspection_port" env:"INTROSPECTION_PORT"`
	// IntrospectionToken, when set, is required as a bearer token.
	IntrospectionToken string `toml:"introspection_token" env:"INTROSPECTION_TOKEN"`
	// IntrospectionCORSAllowedOrigins specifies allowed origins for CORS. Use
	// "*" for development. Empty disables CORS headers.
	IntrospectionCORSAllowedOrigins []string `toml:"introspection_cors_allowed_origins" env:"INTROSPECTION_CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// Defaults returns the configuration used when nothing else is supplied.
func Defaults() Config {
	return Config{
		HistoryCapacity:      200,
		RequestTimeout:       5 * time.Second,
		UnitInitTimeout:      10 * time.Second,
		WatchdogTimeout:      30 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		SchedulerYield:       time.Millisecond,
		SchedulerDeadline:    5 * time.Second,
		GovernanceSchedule:   "* * * * *",
		QuotaWarnPercent:     80,
		QuotaCriticalPercent: 95,
		ThrottlePerSecond:    100,
		Workers:              []string{"cognition", "memory", "nlp", "compute"},
		LogLevel:             "info",
		LogFormat:            "json",
		MetricsPort:          9090,
		IntrospectionPort:    8081,
	}
}

// Load builds a Config from Defaults, the optional TOML file at path, and
// UNITKERNEL_* environment overrides, in that order, then validates it.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errspkg.NewConfigValidationError(err)
	}
	return cfg, nil
}

// WithDefaults fills zero-valued fields from Defaults without touching the
// ones already set.
func (c Config) WithDefaults() Config {
	d := Defaults()
	if c.HistoryCapacity == 0 {
		c.HistoryCapacity = d.HistoryCapacity
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.UnitInitTimeout == 0 {
		c.UnitInitTimeout = d.UnitInitTimeout
	}
	if c.WatchdogTimeout == 0 {
		c.WatchdogTimeout = d.WatchdogTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.SchedulerYield == 0 {
		c.SchedulerYield = d.SchedulerYield
	}
	if c.SchedulerDeadline == 0 {
		c.SchedulerDeadline = d.SchedulerDeadline
	}
	if c.GovernanceSchedule == "" {
		c.GovernanceSchedule = d.GovernanceSchedule
	}
	if c.QuotaWarnPercent == 0 {
		c.QuotaWarnPercent = d.QuotaWarnPercent
	}
	if c.QuotaCriticalPercent == 0 {
		c.QuotaCriticalPercent = d.QuotaCriticalPercent
	}
	if c.ThrottlePerSecond == 0 {
		c.ThrottlePerSecond = d.ThrottlePerSecond
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	return c
}

func (c Config) String() string {
	copy := c
	if copy.IntrospectionToken != "" {
		copy.IntrospectionToken = "***REDACTED***"
	}
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateDurations()...)
	errs = append(errs, c.validateGovernance()...)
	errs = append(errs, c.validatePorts()...)
	errs = append(errs, c.validateLogging()...)

	return errors.Join(errs...)
}

func (c *Config) validateDurations() []error {
	var errs []error
	if c.HistoryCapacity < 0 {
		errs = append(errs, errors.New("bus: history capacity cannot be negative"))
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"bus: request timeout", c.RequestTimeout},
		{"lifecycle: unit init timeout", c.UnitInitTimeout},
		{"lifecycle: ready timeout", c.ReadyTimeout},
		{"watchdog: timeout", c.WatchdogTimeout},
		{"units: heartbeat interval", c.HeartbeatInterval},
		{"handshake: timeout", c.HandshakeTimeout},
		{"scheduler: yield", c.SchedulerYield},
		{"scheduler: deadline", c.SchedulerDeadline},
	}
	for _, d := range durations {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative", d.name))
		}
	}
	if c.WatchdogTimeout > 0 && c.HeartbeatInterval >= c.WatchdogTimeout {
		errs = append(errs, fmt.Errorf("units: heartbeat interval %s must be shorter than watchdog timeout %s", c.HeartbeatInterval, c.WatchdogTimeout))
	}
	return errs
}

func (c *Config) validateGovernance() []error {
	var errs []error
	if c.GovernanceSchedule != "" {
		g := gronx.New()
		if !g.IsValid(c.GovernanceSchedule) {
			errs = append(errs, fmt.Errorf("governance: invalid schedule %q", c.GovernanceSchedule))
		}
	}
	if c.QuotaWarnPercent < 0 || c.QuotaWarnPercent > 100 {
		errs = append(errs, fmt.Errorf("quota: warn percent %.1f out of range", c.QuotaWarnPercent))
	}
	if c.QuotaCriticalPercent < 0 || c.QuotaCriticalPercent > 100 {
		errs = append(errs, fmt.Errorf("quota: critical percent %.1f out of range", c.QuotaCriticalPercent))
	}
	if c.QuotaWarnPercent > 0 && c.QuotaCriticalPercent > 0 && c.QuotaWarnPercent > c.QuotaCriticalPercent {
		errs = append(errs, errors.New("quota: warn percent cannot exceed critical percent"))
	}
	if c.ThrottlePerSecond < 0 {
		errs = append(errs, errors.New("throttle: per-second ceiling cannot be negative"))
	}
	return errs
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.IntrospectionPort < 0 || c.IntrospectionPort > 65535 {
		errs = append(errs, fmt.Errorf("introspection: invalid port %d", c.IntrospectionPort))
	}
	return errs
}

func (c *Config) validateLogging() []error {
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "text":
	default:
		return []error{fmt.Errorf("logging: unsupported format %q", c.LogFormat)}
	}
	return nil
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return errspkg.NewConfigValidationError(c.Validate())
}
