package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment variables that override configuration
// keys, e.g. SERVERSENTRY_SYSTEM_LOG_LEVEL.
const EnvPrefix = "SERVERSENTRY_"

// Load reads the YAML file at path and layers per-plugin override
// files and SERVERSENTRY_ environment variables on top of the
// defaults. An empty path loads defaults plus environment only. The
// result is validated; callers keep their previous snapshot when Load
// fails.
func Load(path string) (*Config, error) {
	return load(path, os.Environ())
}

func load(path string, environ []string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.path = path
	}
	if err := applyEnv(cfg, environ); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.loadPluginOptions(); err != nil {
		return nil, err
	}
	if err := cfg.loadCompositeRules(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths anchors relative config directories at the main config
// file's directory. Data directories stay relative to the working
// directory.
func (c *Config) resolvePaths() {
	if c.path == "" {
		return
	}
	base := filepath.Dir(c.path)
	if c.Plugins.ConfigDirectory != "" && !filepath.IsAbs(c.Plugins.ConfigDirectory) {
		c.Plugins.ConfigDirectory = filepath.Join(base, c.Plugins.ConfigDirectory)
	}
	if c.Composite.ConfigDirectory != "" && !filepath.IsAbs(c.Composite.ConfigDirectory) {
		c.Composite.ConfigDirectory = filepath.Join(base, c.Composite.ConfigDirectory)
	}
}

// loadPluginOptions reads <config_directory>/<plugin>.conf for every
// enabled plugin. Missing files and a missing directory are fine.
func (c *Config) loadPluginOptions() error {
	if c.pluginOptions == nil {
		c.pluginOptions = make(map[string]map[string]string)
	}
	dir := c.Plugins.ConfigDirectory
	if dir == "" {
		return nil
	}
	var errs []error
	for _, name := range c.Plugins.Enabled {
		path := filepath.Join(dir, name+".conf")
		opts, err := parseOptionsFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin config %s: %w", path, err))
			continue
		}
		merged := c.pluginOptions[name]
		if merged == nil {
			merged = make(map[string]string, len(opts))
			c.pluginOptions[name] = merged
		}
		for k, v := range opts {
			merged[k] = v
		}
	}
	return multierr.Combine(errs...)
}

// parseOptionsFile reads a key=value file. Blank lines and lines
// starting with # are skipped; values may be single or double quoted.
func parseOptionsFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	opts := make(map[string]string)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key=value", line)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key", line)
		}
		opts[key] = unquote(strings.TrimSpace(value))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return opts, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// applyEnv overlays SERVERSENTRY_ variables. Unrecognized keys are
// ignored so unrelated exports cannot break startup; malformed values
// for recognized keys are collected and reported together.
func applyEnv(c *Config, environ []string) error {
	var errs []error
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, EnvPrefix)
		setter, ok := envSetters[name]
		if !ok {
			continue
		}
		if err := setter(c, value); err != nil {
			errs = append(errs, fmt.Errorf("env %s: %w", key, err))
		}
	}
	return multierr.Combine(errs...)
}

var envSetters = map[string]func(*Config, string) error{
	"SYSTEM_ENABLED":          func(c *Config, v string) error { return setBool(&c.System.Enabled, v) },
	"SYSTEM_LOG_LEVEL":        func(c *Config, v string) error { c.System.LogLevel = v; return nil },
	"SYSTEM_CHECK_INTERVAL":   func(c *Config, v string) error { return setInt(&c.System.CheckInterval, v) },
	"SYSTEM_CHECK_TIMEOUT":    func(c *Config, v string) error { return setInt(&c.System.CheckTimeout, v) },
	"SYSTEM_MAX_LOG_SIZE":     func(c *Config, v string) error { return setInt(&c.System.MaxLogSize, v) },
	"SYSTEM_MAX_LOG_ARCHIVES": func(c *Config, v string) error { return setInt(&c.System.MaxLogArchives, v) },

	"PLUGINS_ENABLED":          func(c *Config, v string) error { c.Plugins.Enabled = splitList(v); return nil },
	"PLUGINS_DIRECTORY":        func(c *Config, v string) error { c.Plugins.Directory = v; return nil },
	"PLUGINS_CONFIG_DIRECTORY": func(c *Config, v string) error { c.Plugins.ConfigDirectory = v; return nil },

	"NOTIFICATIONS_ENABLED":          func(c *Config, v string) error { return setBool(&c.Notifications.Enabled, v) },
	"NOTIFICATIONS_CHANNELS":         func(c *Config, v string) error { c.Notifications.Channels = splitList(v); return nil },
	"NOTIFICATIONS_DEFAULT_TEMPLATE": func(c *Config, v string) error { c.Notifications.DefaultTemplate = v; return nil },
	"NOTIFICATIONS_TIMEOUT":          func(c *Config, v string) error { return setInt(&c.Notifications.Timeout, v) },

	"NOTIFICATIONS_TEAMS_URL":      func(c *Config, v string) error { c.Notifications.Teams.URL = v; return nil },
	"NOTIFICATIONS_SLACK_URL":      func(c *Config, v string) error { c.Notifications.Slack.URL = v; return nil },
	"NOTIFICATIONS_SLACK_CHANNEL":  func(c *Config, v string) error { c.Notifications.Slack.Channel = v; return nil },
	"NOTIFICATIONS_SLACK_USERNAME": func(c *Config, v string) error { c.Notifications.Slack.Username = v; return nil },
	"NOTIFICATIONS_DISCORD_URL":    func(c *Config, v string) error { c.Notifications.Discord.URL = v; return nil },
	"NOTIFICATIONS_WEBHOOK_URL":    func(c *Config, v string) error { c.Notifications.Webhook.URL = v; return nil },

	"NOTIFICATIONS_EMAIL_SMTP_SERVER": func(c *Config, v string) error { c.Notifications.Email.SMTPServer = v; return nil },
	"NOTIFICATIONS_EMAIL_SMTP_PORT":   func(c *Config, v string) error { return setInt(&c.Notifications.Email.SMTPPort, v) },
	"NOTIFICATIONS_EMAIL_USERNAME":    func(c *Config, v string) error { c.Notifications.Email.Username = v; return nil },
	"NOTIFICATIONS_EMAIL_PASSWORD":    func(c *Config, v string) error { c.Notifications.Email.Password = v; return nil },
	"NOTIFICATIONS_EMAIL_FROM":        func(c *Config, v string) error { c.Notifications.Email.From = v; return nil },
	"NOTIFICATIONS_EMAIL_TO":          func(c *Config, v string) error { c.Notifications.Email.To = splitList(v); return nil },

	"ANOMALY_DETECTION_ENABLED":                func(c *Config, v string) error { return setBool(&c.Anomaly.Enabled, v) },
	"ANOMALY_DETECTION_SENSITIVITY":            func(c *Config, v string) error { c.Anomaly.Sensitivity = v; return nil },
	"ANOMALY_DETECTION_DATA_POINTS":            func(c *Config, v string) error { return setInt(&c.Anomaly.DataPoints, v) },
	"ANOMALY_DETECTION_RETENTION_DAYS":         func(c *Config, v string) error { return setInt(&c.Anomaly.RetentionDays, v) },
	"ANOMALY_DETECTION_ARCHIVE_RETENTION_DAYS": func(c *Config, v string) error { return setInt(&c.Anomaly.ArchiveRetentionDays, v) },
	"ANOMALY_DETECTION_MIN_DATA_POINTS":        func(c *Config, v string) error { return setInt(&c.Anomaly.MinDataPoints, v) },
	"ANOMALY_DETECTION_WINDOW_SIZE":            func(c *Config, v string) error { return setInt(&c.Anomaly.WindowSize, v) },
	"ANOMALY_DETECTION_NOTIFICATION_THRESHOLD": func(c *Config, v string) error { return setInt(&c.Anomaly.NotificationThreshold, v) },
	"ANOMALY_DETECTION_COOLDOWN":               func(c *Config, v string) error { return setInt(&c.Anomaly.Cooldown, v) },

	"COMPOSITE_CHECKS_ENABLED":          func(c *Config, v string) error { return setBool(&c.Composite.Enabled, v) },
	"COMPOSITE_CHECKS_CONFIG_DIRECTORY": func(c *Config, v string) error { c.Composite.ConfigDirectory = v; return nil },
	"COMPOSITE_CHECKS_COOLDOWN_DEFAULT": func(c *Config, v string) error { return setInt(&c.Composite.CooldownDefault, v) },

	"STORAGE_DATA_DIRECTORY": func(c *Config, v string) error { c.Storage.DataDirectory = v; return nil },

	"TELEMETRY_ENABLED":        func(c *Config, v string) error { return setBool(&c.Telemetry.Enabled, v) },
	"TELEMETRY_LISTEN_ADDRESS": func(c *Config, v string) error { c.Telemetry.ListenAddress = v; return nil },
}

func setBool(dst *bool, v string) error {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "on":
		*dst = true
		return nil
	case "no", "off":
		*dst = false
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid boolean %q", v)
	}
	*dst = b
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid integer %q", v)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
