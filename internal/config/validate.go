package config

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/azzuwayed/serversentry/internal/model"
	"github.com/azzuwayed/serversentry/internal/notify"
)

// Validate checks the whole snapshot and reports every problem at
// once rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(strings.TrimSpace(c.System.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("system.log_level: unknown level %q", c.System.LogLevel)
	}
	if c.System.CheckInterval < 1 {
		add("system.check_interval: must be at least 1 second, got %d", c.System.CheckInterval)
	}
	if c.System.CheckTimeout < 1 {
		add("system.check_timeout: must be at least 1 second, got %d", c.System.CheckTimeout)
	}
	if c.System.MaxLogSize < 0 {
		add("system.max_log_size: must not be negative")
	}
	if c.System.MaxLogArchives < 0 {
		add("system.max_log_archives: must not be negative")
	}

	seen := make(map[string]bool, len(c.Plugins.Enabled))
	for _, name := range c.Plugins.Enabled {
		key := model.SeriesKey{Plugin: name, Metric: model.PrimaryMetric}
		if err := key.Validate(); err != nil {
			add("plugins.enabled: %v", err)
		}
		if seen[name] {
			add("plugins.enabled: duplicate plugin %q", name)
		}
		seen[name] = true
	}

	errs = append(errs, c.validateNotifications()...)
	errs = append(errs, c.validateAnomaly()...)
	errs = append(errs, c.validateComposite()...)

	for _, name := range c.Plugins.Enabled {
		if _, err := c.resolvePlugin(name); err != nil {
			errs = append(errs, multierr.Errors(err)...)
		}
	}

	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

func (c *Config) validateNotifications() []error {
	var errs []error
	n := c.Notifications
	if n.Timeout < 1 {
		errs = append(errs, fmt.Errorf("notifications.timeout: must be at least 1 second, got %d", n.Timeout))
	}
	seen := make(map[string]bool, len(n.Channels))
	for _, name := range n.Channels {
		if seen[name] {
			errs = append(errs, fmt.Errorf("notifications.channels: duplicate channel %q", name))
			continue
		}
		seen[name] = true
		ch, ok := n.Channel(name)
		if !ok {
			errs = append(errs, fmt.Errorf("notifications.channels: unknown channel %q", name))
			continue
		}
		errs = append(errs, validateChannel(name, ch)...)
	}
	return errs
}

func validateChannel(name string, ch ChannelConfig) []error {
	var errs []error
	if ch.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("notifications.%s.cooldown: must not be negative", name))
	}
	if ch.Timeout < 0 {
		errs = append(errs, fmt.Errorf("notifications.%s.timeout: must not be negative", name))
	}
	if name == "email" {
		if ch.SMTPServer == "" {
			errs = append(errs, fmt.Errorf("notifications.email.smtp_server: required"))
		}
		if ch.SMTPPort < 1 || ch.SMTPPort > 65535 {
			errs = append(errs, fmt.Errorf("notifications.email.smtp_port: %d outside 1-65535", ch.SMTPPort))
		}
		if ch.From == "" {
			errs = append(errs, fmt.Errorf("notifications.email.from: required"))
		}
		if len(ch.To) == 0 {
			errs = append(errs, fmt.Errorf("notifications.email.to: at least one recipient required"))
		}
		return errs
	}
	if ch.URL == "" {
		errs = append(errs, fmt.Errorf("notifications.%s.url: required", name))
		return errs
	}
	if err := notify.ValidateURL(ch.URL); err != nil {
		errs = append(errs, fmt.Errorf("notifications.%s.url: %v", name, err))
	}
	return errs
}

func (c *Config) validateAnomaly() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	a := c.Anomaly
	if _, err := parseSensitivity(a.Sensitivity); err != nil {
		add("anomaly_detection.sensitivity: %v", err)
	}
	if a.WindowSize < 3 {
		add("anomaly_detection.window_size: must be at least 3, got %d", a.WindowSize)
	}
	if a.MinDataPoints < 10 {
		add("anomaly_detection.min_data_points: must be at least 10, got %d", a.MinDataPoints)
	}
	if a.DataPoints < a.MinDataPoints {
		add("anomaly_detection.data_points: must be at least min_data_points (%d), got %d", a.MinDataPoints, a.DataPoints)
	}
	if a.RetentionDays < 1 {
		add("anomaly_detection.retention_days: must be at least 1, got %d", a.RetentionDays)
	}
	if a.ArchiveRetentionDays < 1 {
		add("anomaly_detection.archive_retention_days: must be at least 1, got %d", a.ArchiveRetentionDays)
	}
	if a.NotificationThreshold < 1 {
		add("anomaly_detection.notification_threshold: must be at least 1, got %d", a.NotificationThreshold)
	}
	if a.Cooldown < 0 {
		add("anomaly_detection.cooldown: must not be negative")
	}
	return errs
}

func (c *Config) validateComposite() []error {
	if !c.Composite.Enabled {
		return nil
	}
	var errs []error
	if c.Composite.CooldownDefault < 0 {
		errs = append(errs, fmt.Errorf("composite_checks.cooldown_default: must not be negative"))
	}
	if _, err := c.RuleSpecs(); err != nil {
		errs = append(errs, multierr.Errors(err)...)
	}
	return errs
}

// parseSensitivity resolves "low", "medium", and "high" to 3.0, 2.0,
// and 1.5 and bounds numeric values to [1.0, 4.0]. Lower values alert
// more.
func parseSensitivity(v string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "medium":
		return 2.0, nil
	case "low":
		return 3.0, nil
	case "high":
		return 1.5, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sensitivity %q", v)
	}
	if f < 1 || f > 4 {
		return 0, fmt.Errorf("sensitivity %v outside [1.0, 4.0]", f)
	}
	return f, nil
}
