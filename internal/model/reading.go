// Package model defines the data types shared across the agent:
// metric readings, series keys, statistics, and the closed set of
// events that flow through the bus.
package model

import (
	"fmt"
	"regexp"
	"time"
)

// PrimaryMetric is the metric name under which a plugin's main value
// is recorded when the sampler does not name one itself.
const PrimaryMetric = "value"

// keyPartRe constrains plugin and metric names to filesystem-safe tokens.
var keyPartRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// MetricReading is a single sampled value. Immutable once created.
type MetricReading struct {
	Plugin    string  `json:"plugin"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"` // unix seconds
}

// Key returns the SeriesKey this reading belongs to.
func (r MetricReading) Key() SeriesKey {
	return SeriesKey{Plugin: r.Plugin, Metric: r.Metric}
}

// Time returns the reading timestamp as a time.Time.
func (r MetricReading) Time() time.Time { return time.Unix(r.Timestamp, 0) }

// SeriesKey identifies one time series: a (plugin, metric) pair.
type SeriesKey struct {
	Plugin string `json:"plugin"`
	Metric string `json:"metric"`
}

// Validate checks both parts against the allowed character set.
func (k SeriesKey) Validate() error {
	if !keyPartRe.MatchString(k.Plugin) {
		return fmt.Errorf("invalid plugin name %q", k.Plugin)
	}
	if !keyPartRe.MatchString(k.Metric) {
		return fmt.Errorf("invalid metric name %q", k.Metric)
	}
	return nil
}

// String returns "plugin/metric", the form used in logs.
func (k SeriesKey) String() string { return k.Plugin + "/" + k.Metric }

// FileBase returns "plugin_metric", the base name for series data files.
func (k SeriesKey) FileBase() string { return k.Plugin + "_" + k.Metric }
