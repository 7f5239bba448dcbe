// Package config loads, validates, and watches the agent
// configuration. Precedence, lowest to highest: built-in defaults,
// the main YAML file, per-plugin key=value override files, and
// SERVERSENTRY_ environment variables.
package config

import (
	"time"

	"github.com/azzuwayed/serversentry/internal/model"
)

// Config is the full agent configuration snapshot. Snapshots are
// immutable once loaded; a reload produces a new value.
type Config struct {
	System        SystemConfig        `yaml:"system"`
	Plugins       PluginsConfig       `yaml:"plugins"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Anomaly       AnomalySettings     `yaml:"anomaly_detection"`
	Composite     CompositeConfig     `yaml:"composite_checks"`
	Storage       StorageConfig       `yaml:"storage"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`

	// pluginOptions holds the merged per-plugin override files,
	// keyed by plugin name.
	pluginOptions map[string]map[string]string

	// path is the file this config was loaded from, used to resolve
	// relative directories and by the reload watcher.
	path string
}

// SystemConfig is the top-level agent behavior.
type SystemConfig struct {
	Enabled        bool   `yaml:"enabled"`
	LogLevel       string `yaml:"log_level"`
	CheckInterval  int    `yaml:"check_interval"` // seconds
	CheckTimeout   int    `yaml:"check_timeout"`  // seconds
	MaxLogSize     int    `yaml:"max_log_size"`   // MB, consumed by external log rotation
	MaxLogArchives int    `yaml:"max_log_archives"`
}

// PluginsConfig selects and locates plugins.
type PluginsConfig struct {
	Enabled         []string `yaml:"enabled"`
	Directory       string   `yaml:"directory"`
	ConfigDirectory string   `yaml:"config_directory"`
}

// ChannelConfig is one delivery channel. Webhook channels use URL;
// email uses the SMTP fields.
type ChannelConfig struct {
	URL      string `yaml:"url"`
	Channel  string `yaml:"channel"`
	Username string `yaml:"username"`
	Timeout  int    `yaml:"timeout"`  // seconds
	Cooldown int    `yaml:"cooldown"` // seconds
	Template string `yaml:"template"`

	SMTPServer string   `yaml:"smtp_server"`
	SMTPPort   int      `yaml:"smtp_port"`
	UseTLS     bool     `yaml:"use_tls"`
	Password   string   `yaml:"password"`
	From       string   `yaml:"from"`
	To         []string `yaml:"to"`
}

// NotificationsConfig wires events to channels.
type NotificationsConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Channels        []string `yaml:"channels"`
	DefaultTemplate string   `yaml:"default_template"`
	Timeout         int      `yaml:"timeout"` // seconds, channel default

	Teams   ChannelConfig `yaml:"teams"`
	Slack   ChannelConfig `yaml:"slack"`
	Discord ChannelConfig `yaml:"discord"`
	Email   ChannelConfig `yaml:"email"`
	Webhook ChannelConfig `yaml:"webhook"`
}

// Channel returns the named channel's configuration.
func (n NotificationsConfig) Channel(name string) (ChannelConfig, bool) {
	switch name {
	case "teams":
		return n.Teams, true
	case "slack":
		return n.Slack, true
	case "discord":
		return n.Discord, true
	case "email":
		return n.Email, true
	case "webhook":
		return n.Webhook, true
	default:
		return ChannelConfig{}, false
	}
}

// AnomalySettings is the global anomaly-detection section. Sensitivity
// accepts "low", "medium", "high", or a float in [1.0, 4.0]; the
// aliases map to 3.0, 2.0, and 1.5.
type AnomalySettings struct {
	Enabled               bool   `yaml:"enabled"`
	Sensitivity           string `yaml:"sensitivity"`
	DataPoints            int    `yaml:"data_points"`
	RetentionDays         int    `yaml:"retention_days"`
	ArchiveRetentionDays  int    `yaml:"archive_retention_days"`
	MinDataPoints         int    `yaml:"min_data_points"`
	WindowSize            int    `yaml:"window_size"`
	NotificationThreshold int    `yaml:"notification_threshold"`
	Cooldown              int    `yaml:"cooldown"` // seconds

	// nil means unset, defaulting to true.
	DetectTrends *bool `yaml:"detect_trends"`
	DetectSpikes *bool `yaml:"detect_spikes"`
}

// CompositeConfig holds the composite rule set: inline rules plus one
// rule per YAML file in the config directory.
type CompositeConfig struct {
	Enabled         bool         `yaml:"enabled"`
	ConfigDirectory string       `yaml:"config_directory"`
	CooldownDefault int          `yaml:"cooldown_default"` // seconds
	Rules           []RuleConfig `yaml:"rules"`
}

// RuleConfig is one unvalidated composite rule.
type RuleConfig struct {
	Name             string `yaml:"name"`
	Expression       string `yaml:"expression"`
	Severity         string `yaml:"severity"` // warning|critical|emergency or 1|2|3
	Cooldown         int    `yaml:"cooldown"` // seconds, 0 means cooldown_default
	NotifyOnTrigger  *bool  `yaml:"notify_on_trigger"`
	NotifyOnRecovery *bool  `yaml:"notify_on_recovery"`
	Enabled          *bool  `yaml:"enabled"`
}

// StorageConfig locates the on-disk series data.
type StorageConfig struct {
	DataDirectory string `yaml:"data_directory"`
}

// TelemetryConfig controls the agent's own metrics endpoint.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		System: SystemConfig{
			Enabled:        true,
			LogLevel:       "info",
			CheckInterval:  60,
			CheckTimeout:   30,
			MaxLogSize:     10,
			MaxLogArchives: 5,
		},
		Plugins: PluginsConfig{
			Enabled:         []string{"cpu", "memory", "disk"},
			ConfigDirectory: "plugins",
		},
		Notifications: NotificationsConfig{
			Timeout: 30,
			Teams:   ChannelConfig{Timeout: 30, Cooldown: 300},
			Slack:   ChannelConfig{Timeout: 30, Cooldown: 300},
			Discord: ChannelConfig{Timeout: 30, Cooldown: 300},
			Webhook: ChannelConfig{Timeout: 30, Cooldown: 300},
			Email:   ChannelConfig{Timeout: 30, Cooldown: 300, SMTPPort: 587, UseTLS: true},
		},
		Anomaly: AnomalySettings{
			Enabled:               true,
			Sensitivity:           "medium",
			DataPoints:            1000,
			RetentionDays:         30,
			ArchiveRetentionDays:  90,
			MinDataPoints:         10,
			WindowSize:            20,
			NotificationThreshold: 3,
			Cooldown:              1800,
		},
		Composite: CompositeConfig{
			Enabled:         true,
			ConfigDirectory: "composite",
			CooldownDefault: 600,
		},
		Storage: StorageConfig{
			DataDirectory: "logs/anomaly",
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:9216",
		},
		pluginOptions: make(map[string]map[string]string),
	}
}

// defaultThresholds are the built-in bounds for the stock plugins.
// Plugins not listed run without thresholds until configured.
var defaultThresholds = map[string]model.Thresholds{
	"cpu":    {Warning: 80, Critical: 95, Defined: true},
	"memory": {Warning: 80, Critical: 95, Defined: true},
	"disk":   {Warning: 85, Critical: 95, Defined: true},
}

// Path returns the file this configuration was loaded from, empty for
// pure defaults.
func (c *Config) Path() string { return c.path }

// CheckInterval returns the global tick interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.System.CheckInterval) * time.Second
}

// CheckTimeout returns the global sampler deadline.
func (c *Config) CheckTimeout() time.Duration {
	return time.Duration(c.System.CheckTimeout) * time.Second
}

// SensitivityValue resolves the sensitivity aliases: low alerts least
// (3.0), high alerts most (1.5).
func (a AnomalySettings) SensitivityValue() (float64, error) {
	return parseSensitivity(a.Sensitivity)
}
