package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the threshold verdict for a plugin reading.
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
	StatusError    Status = "ERROR"
)

// Rank orders statuses for worst-of comparisons and exit codes:
// OK=0, WARNING=1, CRITICAL=2, ERROR=3.
func (s Status) Rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	case StatusError:
		return 3
	default:
		return 0
	}
}

// Severity grades composite rules: 1=warning, 2=critical, 3=emergency.
type Severity int

const (
	SeverityWarning   Severity = 1
	SeverityCritical  Severity = 2
	SeverityEmergency Severity = 3
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityEmergency:
		return "emergency"
	default:
		return "warning"
	}
}

// Confidence is the qualitative strength of an anomaly score.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ConfidenceFor maps an absolute Z-score to a confidence label:
// high above 3.0, medium above 2.5, low otherwise.
func ConfidenceFor(score float64) Confidence {
	if score < 0 {
		score = -score
	}
	switch {
	case score > 3.0:
		return ConfidenceHigh
	case score > 2.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// AnomalyKind names one detection result. A single evaluation may
// produce several kinds; events carry all of them plus a dominant one.
type AnomalyKind string

const (
	KindHighOutlier           AnomalyKind = "high_outlier"
	KindLowOutlier            AnomalyKind = "low_outlier"
	KindIQROutlier            AnomalyKind = "iqr_outlier"
	KindSteepUpwardTrend      AnomalyKind = "steep_upward_trend"
	KindSteepDownwardTrend    AnomalyKind = "steep_downward_trend"
	KindModerateUpwardTrend   AnomalyKind = "moderate_upward_trend"
	KindModerateDownwardTrend AnomalyKind = "moderate_downward_trend"
	KindPositiveSpike         AnomalyKind = "positive_spike"
	KindNegativeSpike         AnomalyKind = "negative_spike"
	KindExtremePositiveSpike  AnomalyKind = "extreme_positive_spike"
	KindExtremeNegativeSpike  AnomalyKind = "extreme_negative_spike"
	KindSuddenIncrease        AnomalyKind = "sudden_increase"
	KindSuddenDecrease        AnomalyKind = "sudden_decrease"
)

// Statistics summarizes a window of readings.
type Statistics struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Median float64 `json:"median"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	IQR    float64 `json:"iqr"`
	Valid  bool    `json:"valid"`
}

// Thresholds carries the boundaries a value was compared against.
// Defined is false when the plugin has no thresholds configured.
type Thresholds struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
	Defined  bool    `json:"defined"`
}

// EventKind tags the closed set of event variants.
type EventKind string

const (
	EventStatus    EventKind = "status"
	EventAnomaly   EventKind = "anomaly"
	EventComposite EventKind = "composite"
)

// Event is the interface every bus payload implements.
type Event interface {
	// EventID returns the unique ID assigned at creation.
	EventID() string
	// EventTime returns when the event was produced.
	EventTime() time.Time
	// EventKind returns the variant tag.
	EventKind() EventKind
	// Source identifies the originating rule or series for
	// cooldown and deduplication purposes.
	Source() string
}

// NewEventID returns a fresh unique event identifier.
func NewEventID() string { return uuid.NewString() }

// CooldownHinter is implemented by events whose producer configures a
// source-specific cooldown that overrides the channel default.
type CooldownHinter interface {
	CooldownHint() (time.Duration, bool)
}

// StatusEvent reports the threshold verdict for one reading.
type StatusEvent struct {
	ID         string     `json:"id"`
	Plugin     string     `json:"plugin"`
	Metric     string     `json:"metric"`
	Value      float64    `json:"value"`
	Status     Status     `json:"status"`
	Previous   Status     `json:"previous,omitempty"`
	Thresholds Thresholds `json:"thresholds"`
	Recovery   bool       `json:"recovery,omitempty"`
	Annotation string     `json:"annotation,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

func (e *StatusEvent) EventID() string      { return e.ID }
func (e *StatusEvent) EventTime() time.Time { return e.Timestamp }
func (e *StatusEvent) EventKind() EventKind { return EventStatus }
func (e *StatusEvent) Source() string       { return "status:" + e.Plugin + "/" + e.Metric }

// AnomalyEvent reports a statistical anomaly on one series.
type AnomalyEvent struct {
	ID         string        `json:"id"`
	Plugin     string        `json:"plugin"`
	Metric     string        `json:"metric"`
	Value      float64       `json:"value"`
	Kind       AnomalyKind   `json:"kind"`
	Kinds      []AnomalyKind `json:"kinds"`
	Score      float64       `json:"score"`
	Confidence Confidence    `json:"confidence"`
	Stats      Statistics    `json:"stats"`
	Timestamp  time.Time     `json:"timestamp"`

	// Cooldown is the producer-configured delivery cooldown.
	// Zero means use the channel default.
	Cooldown time.Duration `json:"-"`
}

func (e *AnomalyEvent) EventID() string      { return e.ID }
func (e *AnomalyEvent) EventTime() time.Time { return e.Timestamp }
func (e *AnomalyEvent) EventKind() EventKind { return EventAnomaly }
func (e *AnomalyEvent) Source() string       { return "anomaly:" + e.Plugin + "/" + e.Metric }

func (e *AnomalyEvent) CooldownHint() (time.Duration, bool) {
	return e.Cooldown, e.Cooldown > 0
}

// CompositeEvent reports a composite rule trigger or recovery.
type CompositeEvent struct {
	ID         string             `json:"id"`
	Rule       string             `json:"rule"`
	Expression string             `json:"expression"`
	Triggered  bool               `json:"triggered"`
	Recovery   bool               `json:"recovery,omitempty"`
	Bindings   map[string]float64 `json:"bindings,omitempty"`
	Severity   Severity           `json:"severity"`
	Annotation string             `json:"annotation,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`

	// Cooldown is the rule-configured delivery cooldown. Zero means
	// use the channel default.
	Cooldown time.Duration `json:"-"`
}

func (e *CompositeEvent) EventID() string      { return e.ID }
func (e *CompositeEvent) EventTime() time.Time { return e.Timestamp }
func (e *CompositeEvent) EventKind() EventKind { return EventComposite }
func (e *CompositeEvent) Source() string       { return "rule:" + e.Rule }

func (e *CompositeEvent) CooldownHint() (time.Duration, bool) {
	return e.Cooldown, e.Cooldown > 0
}
