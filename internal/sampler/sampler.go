// Package sampler defines the Sampler interface all metric sources
// implement, the registry that resolves plugin names to samplers, and
// the built-in cpu, memory, disk, and process samplers backed by
// procfs and statfs.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Sampler produces one numeric reading on demand for a plugin.
// Samplers are side-effect-free aside from reading OS state.
type Sampler interface {
	// Name returns the plugin name the sampler registers under.
	Name() string

	// Sample reads the current value. The context carries the tick
	// deadline. Failures are reported as *Error so the scheduler can
	// distinguish transient from permanent ones.
	Sample(ctx context.Context, cfg Config) (float64, error)
}

// Config is passed to every sampler call.
type Config struct {
	// Options carries the plugin's key=value settings.
	Options map[string]string

	// ProcRoot is the procfs mount point (default "/proc").
	// Can be overridden for testing.
	ProcRoot string

	// SampleGap is the delta window for two-point samplers
	// (default 250ms).
	SampleGap time.Duration
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ProcRoot:  "/proc",
		SampleGap: 250 * time.Millisecond,
	}
}

// Option returns the named option value, or fallback when unset.
func (c Config) Option(key, fallback string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// BoolOption interprets "true"/"yes"/"1" as true, "false"/"no"/"0" as
// false, anything else as the fallback.
func (c Config) BoolOption(key string, fallback bool) bool {
	switch strings.ToLower(c.Option(key, "")) {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	default:
		return fallback
	}
}

// ListOption splits a comma-separated option into trimmed parts.
func (c Config) ListOption(key string) []string {
	raw := c.Option(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Error is a classified sampler failure. Permanent failures disable
// the plugin until the next config reload; transient ones are retried
// on the next tick.
type Error struct {
	Op        string
	Err       error
	Permanent bool
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("sampler: %s: %v (%s)", e.Op, e.Err, kind)
}

func (e *Error) Unwrap() error { return e.Err }

func transient(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func permanent(op string, err error) *Error {
	return &Error{Op: op, Err: err, Permanent: true}
}

// IsPermanent reports whether err is a sampler failure that will not
// recover without a configuration change.
func IsPermanent(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Permanent
}

// Registry resolves plugin names to samplers.
type Registry struct {
	mu       sync.RWMutex
	samplers map[string]Sampler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{samplers: make(map[string]Sampler)}
}

// Register adds a sampler under its name. Duplicate names are an error.
func (r *Registry) Register(s Sampler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.samplers[s.Name()]; ok {
		return fmt.Errorf("sampler: %q already registered", s.Name())
	}
	r.samplers[s.Name()] = s
	return nil
}

// MustRegister is Register for built-ins whose names are known unique.
func (r *Registry) MustRegister(s Sampler) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Lookup resolves a plugin name.
func (r *Registry) Lookup(name string) (Sampler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.samplers[name]
	return s, ok
}

// Names returns all registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.samplers))
	for name := range r.samplers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns a registry with the built-in samplers registered.
func Defaults() *Registry {
	r := NewRegistry()
	r.MustRegister(&CPUSampler{})
	r.MustRegister(&MemorySampler{})
	r.MustRegister(&DiskSampler{})
	r.MustRegister(&ProcessSampler{})
	return r
}

// clampPercent keeps jitter from pushing percentages outside [0, 100].
func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
