// Package config loads and validates pagewatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig              `mapstructure:"server"`
	Auth        AuthConfig                `mapstructure:"auth"`
	Logging     LoggingConfig             `mapstructure:"logging"`
	Telemetry   TelemetryConfig           `mapstructure:"telemetry"`
	Scheduler   SchedulerConfig           `mapstructure:"scheduler"`
	Navigation  NavigationConfig          `mapstructure:"navigation"`
	Browser     BrowserConfig             `mapstructure:"browser"`
	BlankScreen monitor.BlankScreenConfig `mapstructure:"blank_screen"`
	Storage     StorageConfig             `mapstructure:"storage"`
	DB          DBConfig                  `mapstructure:"db"`
	PubSub      PubSubConfig              `mapstructure:"pubsub"`
	Targets     []monitor.Target          `mapstructure:"targets"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service for traces. An empty trace project keeps
// spans in-process.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	Version        string `mapstructure:"version"`
	TraceProjectID string `mapstructure:"trace_project_id"`
}

// SchedulerConfig governs task admission.
type SchedulerConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	EnqueueInterval time.Duration `mapstructure:"enqueue_interval"`
	PersistTimeout  time.Duration `mapstructure:"persist_timeout"`
}

// NavigationConfig holds the per-task page budgets.
type NavigationConfig struct {
	PageLoadTimeoutMs int64         `mapstructure:"page_load_timeout_ms"`
	DOMLoadTimeoutMs  int64         `mapstructure:"dom_load_timeout_ms"`
	VitalsSettle      time.Duration `mapstructure:"vitals_settle"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ExtractTimeout    time.Duration `mapstructure:"extract_timeout"`
	// HostRPS caps navigations per second to a single host; zero disables it.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// BrowserConfig configures the Chrome instance. Disabled runs every task
// against a browser that refuses sessions, which is useful for API-only setups.
type BrowserConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Headless  bool   `mapstructure:"headless"`
	ExecPath  string `mapstructure:"exec_path"`
	NoSandbox bool   `mapstructure:"no_sandbox"`
}

// Storage backends for screenshots.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// StorageConfig selects where screenshots are written.
type StorageConfig struct {
	Backend   string        `mapstructure:"backend"`
	LocalDir  string        `mapstructure:"local_dir"`
	GCSBucket string        `mapstructure:"gcs_bucket"`
	Prefix    string        `mapstructure:"prefix"`
	Retention time.Duration `mapstructure:"retention"`
}

// Database drivers for tasks and results.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DBConfig controls access to the task and result database.
type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion notifications and the optional
// subscription that accepts task requests.
type PubSubConfig struct {
	ProjectID           string `mapstructure:"project_id"`
	TopicName           string `mapstructure:"topic_name"`
	RequestSubscription string `mapstructure:"request_subscription"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	blank := monitor.DefaultBlankScreenConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "pagewatch")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("scheduler.max_concurrent", monitor.DefaultMaxConcurrent)
	v.SetDefault("scheduler.tick_interval", time.Second)
	v.SetDefault("scheduler.enqueue_interval", time.Duration(0))
	v.SetDefault("scheduler.persist_timeout", 10*time.Second)
	v.SetDefault("navigation.page_load_timeout_ms", monitor.DefaultPageLoadTimeoutMs)
	v.SetDefault("navigation.dom_load_timeout_ms", monitor.DefaultDOMLoadTimeoutMs)
	v.SetDefault("navigation.vitals_settle", 3*time.Second)
	v.SetDefault("navigation.probe_interval", 250*time.Millisecond)
	v.SetDefault("navigation.extract_timeout", 15*time.Second)
	v.SetDefault("navigation.host_rps", 0.0)
	v.SetDefault("navigation.host_burst", 1)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("blank_screen.checks.dom_structure", blank.Checks.DOMStructure)
	v.SetDefault("blank_screen.checks.content", blank.Checks.Content)
	v.SetDefault("blank_screen.checks.text_match", blank.Checks.TextMatch)
	v.SetDefault("blank_screen.checks.http_status", blank.Checks.HTTPStatus)
	v.SetDefault("blank_screen.checks.timeout", blank.Checks.Timeout)
	v.SetDefault("blank_screen.dom_element_threshold", blank.DOMElementThreshold)
	v.SetDefault("blank_screen.height_ratio_threshold", blank.HeightRatioThreshold)
	v.SetDefault("blank_screen.text_length_threshold", blank.TextLengthThreshold)
	v.SetDefault("blank_screen.error_keywords", blank.ErrorKeywords)
	v.SetDefault("blank_screen.error_status_codes", blank.ErrorStatusCodes)
	v.SetDefault("blank_screen.dom_load_timeout_ms", blank.DOMLoadTimeoutMs)
	v.SetDefault("blank_screen.page_load_timeout_ms", blank.PageLoadTimeoutMs)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "data/screenshots")
	v.SetDefault("storage.prefix", "screenshots")
	v.SetDefault("storage.retention", time.Duration(0))
	v.SetDefault("db.driver", DriverMemory)
	v.SetDefault("db.max_conns", 10)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return errors.New("scheduler.max_concurrent must be >= 1")
	}
	if c.Scheduler.TickInterval <= 0 {
		return errors.New("scheduler.tick_interval must be > 0")
	}
	if c.Scheduler.EnqueueInterval < 0 {
		return errors.New("scheduler.enqueue_interval must be >= 0")
	}
	if c.Navigation.PageLoadTimeoutMs <= 0 || c.Navigation.DOMLoadTimeoutMs <= 0 {
		return errors.New("navigation.page_load_timeout_ms and navigation.dom_load_timeout_ms must be > 0")
	}
	if c.Navigation.HostRPS < 0 {
		return errors.New("navigation.host_rps must be >= 0")
	}
	if r := c.BlankScreen.HeightRatioThreshold; r < 0 || r > 1 {
		return errors.New("blank_screen.height_ratio_threshold must be within [0, 1]")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	switch c.DB.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the %s driver", c.DB.Driver)
		}
	default:
		return fmt.Errorf("db.driver %q is not one of memory, postgres, sqlite", c.DB.Driver)
	}
	if (c.PubSub.TopicName != "" || c.PubSub.RequestSubscription != "") && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when a topic or subscription is set")
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		if t.ID == "" || t.URL == "" {
			return fmt.Errorf("targets[%d] needs both id and url", i)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("targets[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// BlankScreenDefaults merges the navigation budgets into the classifier
// configuration the stores start from.
func (c Config) BlankScreenDefaults() monitor.BlankScreenConfig {
	cfg := c.BlankScreen
	cfg.DOMLoadTimeoutMs = c.Navigation.DOMLoadTimeoutMs
	cfg.PageLoadTimeoutMs = c.Navigation.PageLoadTimeoutMs
	return cfg.WithDefaults()
}

// PageLoadTimeout returns the navigation budget as a duration.
func (c Config) PageLoadTimeout() time.Duration {
	return time.Duration(c.Navigation.PageLoadTimeoutMs) * time.Millisecond
}

// DOMLoadTimeout returns the DOM-ready budget as a duration.
func (c Config) DOMLoadTimeout() time.Duration {
	return time.Duration(c.Navigation.DOMLoadTimeoutMs) * time.Millisecond
}
