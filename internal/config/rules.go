package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/azzuwayed/serversentry/internal/model"
	"github.com/azzuwayed/serversentry/internal/rule"
)

// loadCompositeRules merges one rule per *.yaml file under the
// composite config directory into the inline list. The file name,
// minus extension, is the default rule name. ReadDir order keeps the
// merge deterministic.
func (c *Config) loadCompositeRules() error {
	dir := c.Composite.ConfigDirectory
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("composite config dir: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("composite rule %s: %w", path, err))
			continue
		}
		var rc RuleConfig
		if err := yaml.Unmarshal(raw, &rc); err != nil {
			errs = append(errs, fmt.Errorf("composite rule %s: %w", path, err))
			continue
		}
		if rc.Name == "" {
			rc.Name = strings.TrimSuffix(e.Name(), ext)
		}
		c.Composite.Rules = append(c.Composite.Rules, rc)
	}
	return multierr.Combine(errs...)
}

// RuleSpecs converts the raw rule list into checked rule specs.
// Severity accepts warning|critical|emergency or 1|2|3 and defaults
// to critical; unset cooldowns inherit cooldown_default.
func (c *Config) RuleSpecs() ([]rule.Spec, error) {
	var errs []error
	specs := make([]rule.Spec, 0, len(c.Composite.Rules))
	names := make(map[string]bool, len(c.Composite.Rules))
	for _, rc := range c.Composite.Rules {
		spec, err := c.ruleSpec(rc)
		if err != nil {
			errs = append(errs, multierr.Errors(err)...)
			continue
		}
		if names[spec.Name] {
			errs = append(errs, fmt.Errorf("composite rule %q: duplicate name", spec.Name))
			continue
		}
		names[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs, multierr.Combine(errs...)
}

func (c *Config) ruleSpec(rc RuleConfig) (rule.Spec, error) {
	if rc.Name == "" {
		return rule.Spec{}, fmt.Errorf("composite rule: name required")
	}
	var errs []error
	sev, err := parseSeverity(rc.Severity)
	if err != nil {
		errs = append(errs, fmt.Errorf("composite rule %q: %w", rc.Name, err))
	}
	cooldown := rc.Cooldown
	if cooldown == 0 {
		cooldown = c.Composite.CooldownDefault
	}
	if cooldown < 0 {
		errs = append(errs, fmt.Errorf("composite rule %q: cooldown must not be negative", rc.Name))
	}
	spec := rule.Spec{
		Name:             rc.Name,
		Expression:       rc.Expression,
		Severity:         sev,
		Cooldown:         time.Duration(cooldown) * time.Second,
		NotifyOnTrigger:  boolOr(rc.NotifyOnTrigger, true),
		NotifyOnRecovery: boolOr(rc.NotifyOnRecovery, true),
		Enabled:          boolOr(rc.Enabled, true),
	}
	if _, err := rule.Compile(spec); err != nil {
		errs = append(errs, err)
	}
	return spec, multierr.Combine(errs...)
}

func parseSeverity(v string) (model.Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "critical", "2":
		return model.SeverityCritical, nil
	case "warning", "1":
		return model.SeverityWarning, nil
	case "emergency", "3":
		return model.SeverityEmergency, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", v)
	}
}
