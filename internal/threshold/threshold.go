// Package threshold classifies readings against warning and critical
// bounds and tracks per-series status transitions, including recovery
// back to OK.
package threshold

import (
	"sync"
	"time"

	"github.com/azzuwayed/serversentry/internal/model"
)

// NoThresholdAnnotation marks evaluations for plugins that have no
// thresholds configured.
const NoThresholdAnnotation = "no threshold configured"

// Result is the outcome of one evaluation.
type Result struct {
	Status     model.Status
	Previous   model.Status
	Transition bool
	Recovery   bool
	Annotation string
}

// Publishable reports whether the result warrants a status event:
// anything not OK, and the first OK after a bad stretch.
func (r Result) Publishable() bool {
	return r.Status != model.StatusOK || r.Recovery
}

// Classify applies the bounds to a value. Values at or above critical
// are CRITICAL, at or above warning are WARNING, everything else OK.
// Undefined thresholds yield OK with an annotation.
func Classify(value float64, th model.Thresholds) (model.Status, string) {
	if !th.Defined {
		return model.StatusOK, NoThresholdAnnotation
	}
	switch {
	case value >= th.Critical:
		return model.StatusCritical, ""
	case value >= th.Warning:
		return model.StatusWarning, ""
	default:
		return model.StatusOK, ""
	}
}

// Evaluator remembers the last status of every series so consumers
// see transitions and recoveries, not just raw classifications.
type Evaluator struct {
	mu   sync.Mutex
	last map[model.SeriesKey]model.Status
}

// New returns an Evaluator with no history.
func New() *Evaluator {
	return &Evaluator{last: make(map[model.SeriesKey]model.Status)}
}

// Evaluate classifies value for key and records the transition.
func (e *Evaluator) Evaluate(key model.SeriesKey, value float64, th model.Thresholds) Result {
	status, annotation := Classify(value, th)
	r := e.record(key, status)
	r.Annotation = annotation
	return r
}

// RecordError marks the series ERROR, the status used when sampling
// itself failed and no value exists to classify.
func (e *Evaluator) RecordError(key model.SeriesKey, annotation string) Result {
	r := e.record(key, model.StatusError)
	r.Annotation = annotation
	return r
}

// Status returns the last recorded status for key, defaulting to OK.
func (e *Evaluator) Status(key model.SeriesKey) model.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.last[key]; ok {
		return s
	}
	return model.StatusOK
}

// WorstStatus returns the highest-ranked status currently recorded.
func (e *Evaluator) WorstStatus() model.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	worst := model.StatusOK
	for _, s := range e.last {
		if s.Rank() > worst.Rank() {
			worst = s
		}
	}
	return worst
}

// Forget drops the tracked state for key. Used when a reload removes
// a plugin so stale state cannot leak into a later configuration.
func (e *Evaluator) Forget(key model.SeriesKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.last, key)
}

func (e *Evaluator) record(key model.SeriesKey, status model.Status) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	previous, ok := e.last[key]
	if !ok {
		previous = model.StatusOK
	}
	e.last[key] = status
	return Result{
		Status:     status,
		Previous:   previous,
		Transition: status != previous,
		Recovery:   status == model.StatusOK && previous != model.StatusOK,
	}
}

// Event builds the status event for a publishable result.
func (r Result) Event(reading model.MetricReading, th model.Thresholds) *model.StatusEvent {
	return &model.StatusEvent{
		ID:         model.NewEventID(),
		Plugin:     reading.Plugin,
		Metric:     reading.Metric,
		Value:      reading.Value,
		Status:     r.Status,
		Previous:   r.Previous,
		Thresholds: th,
		Recovery:   r.Recovery,
		Annotation: r.Annotation,
		Timestamp:  time.Unix(reading.Timestamp, 0).UTC(),
	}
}
