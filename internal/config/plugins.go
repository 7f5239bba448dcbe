package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/azzuwayed/serversentry/internal/anomaly"
	"github.com/azzuwayed/serversentry/internal/model"
	"github.com/azzuwayed/serversentry/internal/store"
)

// PluginSpec is one plugin's fully resolved runtime settings: the
// global defaults with the per-plugin override file applied.
type PluginSpec struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	Thresholds model.Thresholds
	Options    map[string]string
	Anomaly    anomaly.Config
}

// Key returns the series this plugin writes.
func (p PluginSpec) Key() model.SeriesKey {
	return model.SeriesKey{Plugin: p.Name, Metric: model.PrimaryMetric}
}

// PluginSpecs resolves every enabled plugin, in the configured order.
// Validate already rejected unresolvable settings, so resolution
// failures here only occur for hand-built configs and drop the plugin.
func (c *Config) PluginSpecs() []PluginSpec {
	specs := make([]PluginSpec, 0, len(c.Plugins.Enabled))
	for _, name := range c.Plugins.Enabled {
		spec, err := c.resolvePlugin(name)
		if err != nil {
			continue
		}
		specs = append(specs, spec)
	}
	return specs
}

// PluginOptions returns the merged override file for one plugin.
func (c *Config) PluginOptions(name string) map[string]string {
	return c.pluginOptions[name]
}

// SetPluginOptions replaces one plugin's overrides on a hand-built
// configuration.
func (c *Config) SetPluginOptions(name string, opts map[string]string) {
	if c.pluginOptions == nil {
		c.pluginOptions = make(map[string]map[string]string)
	}
	c.pluginOptions[name] = opts
}

// StoreOptions maps the storage section onto the series store.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Dir:       c.Storage.DataDirectory,
		MaxPoints: c.Anomaly.DataPoints,
	}
}

// Retention returns the raw and archive retention in days.
func (c *Config) Retention() (rawDays, archiveDays int) {
	return c.Anomaly.RetentionDays, c.Anomaly.ArchiveRetentionDays
}

func (c *Config) resolvePlugin(name string) (PluginSpec, error) {
	var errs []error
	opts := c.pluginOptions[name]

	spec := PluginSpec{
		Name:     name,
		Interval: c.CheckInterval(),
		Timeout:  c.CheckTimeout(),
		Options:  opts,
	}
	if v, ok := opts[name+"_check_interval"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("plugin %s: invalid %s_check_interval %q", name, name, v))
		case n < 1:
			errs = append(errs, fmt.Errorf("plugin %s: %s_check_interval must be at least 1 second", name, name))
		default:
			spec.Interval = time.Duration(n) * time.Second
		}
	}

	th, err := resolveThresholds(name, opts)
	if err != nil {
		errs = append(errs, err)
	}
	spec.Thresholds = th

	ac, err := c.resolveAnomaly(name, opts)
	if err != nil {
		errs = append(errs, err)
	}
	spec.Anomaly = ac

	return spec, multierr.Combine(errs...)
}

// resolveThresholds applies the override pair, falling back to the
// built-in bounds. The process plugin derives bounds from its
// monitored list: its value counts missing processes, so any missing
// warns and all missing is critical, or any missing is critical under
// process_require_all.
func resolveThresholds(name string, opts map[string]string) (model.Thresholds, error) {
	warnRaw, warnOK := opts[name+"_warning_threshold"]
	critRaw, critOK := opts[name+"_critical_threshold"]
	if warnOK != critOK {
		return model.Thresholds{}, fmt.Errorf("plugin %s: warning and critical thresholds must be set together", name)
	}
	if warnOK {
		warn, err1 := strconv.ParseFloat(strings.TrimSpace(warnRaw), 64)
		crit, err2 := strconv.ParseFloat(strings.TrimSpace(critRaw), 64)
		if err1 != nil || err2 != nil {
			return model.Thresholds{}, fmt.Errorf("plugin %s: thresholds must be numeric (warning %q, critical %q)", name, warnRaw, critRaw)
		}
		if warn > crit {
			return model.Thresholds{}, fmt.Errorf("plugin %s: warning threshold %v exceeds critical %v", name, warn, crit)
		}
		return model.Thresholds{Warning: warn, Critical: crit, Defined: true}, nil
	}
	if name == "process" {
		monitored := splitList(opts["process_monitored_processes"])
		if len(monitored) == 0 {
			return model.Thresholds{}, nil
		}
		th := model.Thresholds{Warning: 1, Critical: float64(len(monitored)), Defined: true}
		requireAll := false
		if err := optBool(opts, "process_require_all", &requireAll); err != nil {
			return th, fmt.Errorf("plugin %s: %w", name, err)
		}
		if requireAll {
			th.Critical = 1
		}
		return th, nil
	}
	return defaultThresholds[name], nil
}

func (c *Config) resolveAnomaly(name string, opts map[string]string) (anomaly.Config, error) {
	var errs []error

	sens, err := parseSensitivity(c.Anomaly.Sensitivity)
	if err != nil {
		errs = append(errs, fmt.Errorf("anomaly_detection.sensitivity: %w", err))
		sens = anomaly.DefaultSensitivity
	}
	ac := anomaly.Config{
		Enabled:               c.Anomaly.Enabled,
		Sensitivity:           sens,
		WindowSize:            c.Anomaly.WindowSize,
		MinDataPoints:         c.Anomaly.MinDataPoints,
		DetectTrends:          boolOr(c.Anomaly.DetectTrends, true),
		DetectSpikes:          boolOr(c.Anomaly.DetectSpikes, true),
		NotificationThreshold: c.Anomaly.NotificationThreshold,
		CooldownSeconds:       c.Anomaly.Cooldown,
	}

	if err := optBool(opts, name+"_anomaly_enabled", &ac.Enabled); err != nil {
		errs = append(errs, fmt.Errorf("plugin %s: %w", name, err))
	}
	if v, ok := opts[name+"_anomaly_sensitivity"]; ok {
		s, err := parseSensitivity(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %s_anomaly_sensitivity: %w", name, name, err))
		} else {
			ac.Sensitivity = s
		}
	}
	if err := optBool(opts, name+"_detect_trends", &ac.DetectTrends); err != nil {
		errs = append(errs, fmt.Errorf("plugin %s: %w", name, err))
	}
	if err := optBool(opts, name+"_detect_spikes", &ac.DetectSpikes); err != nil {
		errs = append(errs, fmt.Errorf("plugin %s: %w", name, err))
	}

	return ac, multierr.Combine(errs...)
}

// optBool overwrites dst when the key is present and parseable.
func optBool(opts map[string]string, key string, dst *bool) error {
	v, ok := opts[key]
	if !ok {
		return nil
	}
	if err := setBool(dst, v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// boolOr resolves a tri-state flag.
func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
