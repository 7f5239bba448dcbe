// Package anomaly implements statistical anomaly detection over
// series windows: Z-score and IQR outliers, regression trends, and
// short-window spikes. Events pass a consecutive-evaluation gate
// before publication so one noisy reading cannot page anyone.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/azzuwayed/serversentry/internal/model"
	"github.com/azzuwayed/serversentry/internal/stats"
	"github.com/azzuwayed/serversentry/internal/store"
)

const (
	// DefaultSensitivity is the Z-score multiplier when none is
	// configured. Smaller values alert more.
	DefaultSensitivity = 2.0

	// DefaultWindowSize bounds the trend window.
	DefaultWindowSize = 20

	// DefaultMinDataPoints is the evaluation floor.
	DefaultMinDataPoints = 10

	// DefaultNotificationThreshold is how many consecutive anomalous
	// evaluations must accumulate before an event is published.
	DefaultNotificationThreshold = 3

	// DefaultCooldownSeconds is the delivery cooldown attached to
	// published events.
	DefaultCooldownSeconds = 1800

	// minFetch is the floor on how much history an evaluation reads.
	minFetch = 50

	// spikeWindow is the short window for spike and sudden-change
	// tests.
	spikeWindow = 5

	// iqrFence is the Tukey fence multiplier.
	iqrFence = 1.5

	steepCorrMin    = 0.7
	moderateCorrMin = 0.5
)

// Config controls detection for one plugin.
type Config struct {
	Enabled               bool
	Sensitivity           float64
	WindowSize            int
	MinDataPoints         int
	DetectTrends          bool
	DetectSpikes          bool
	NotificationThreshold int
	CooldownSeconds       int
}

// DefaultConfig returns the per-plugin detection defaults.
func DefaultConfig() Config {
	return Config{
		Sensitivity:           DefaultSensitivity,
		WindowSize:            DefaultWindowSize,
		MinDataPoints:         DefaultMinDataPoints,
		DetectTrends:          true,
		DetectSpikes:          true,
		NotificationThreshold: DefaultNotificationThreshold,
		CooldownSeconds:       DefaultCooldownSeconds,
	}
}

// Normalized fills zero fields with defaults and clamps sensitivity
// into its [1.0, 4.0] domain.
func (c Config) Normalized() Config {
	if c.Sensitivity == 0 {
		c.Sensitivity = DefaultSensitivity
	}
	if c.Sensitivity < 1 {
		c.Sensitivity = 1
	}
	if c.Sensitivity > 4 {
		c.Sensitivity = 4
	}
	if c.WindowSize < 3 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MinDataPoints < 1 {
		c.MinDataPoints = DefaultMinDataPoints
	}
	if c.NotificationThreshold < 1 {
		c.NotificationThreshold = 1
	}
	return c
}

// Evaluation describes one detection pass.
type Evaluation struct {
	// Insufficient is true when the series has fewer points than the
	// configured floor; nothing else is computed in that case.
	Insufficient bool

	Anomalous  bool
	Kinds      []model.AnomalyKind
	Dominant   model.AnomalyKind
	Score      float64
	Confidence model.Confidence
	Stats      model.Statistics

	// Streak is the consecutive-anomaly count after this evaluation.
	Streak int

	// Publish is true when the streak reached the notification
	// threshold and an event was produced.
	Publish bool
}

// Options configures engine construction.
type Options struct {
	// ResultsDir, when set, receives one JSON line per published
	// event in <plugin>_<metric>.log files.
	ResultsDir string
}

// Engine evaluates fresh readings against their series history.
type Engine struct {
	store   *store.Store
	logger  *zap.Logger
	results *resultLog

	mu      sync.Mutex
	streaks map[model.SeriesKey]int
}

// New returns an engine reading history from st. The results
// directory is created eagerly so write failures surface at startup.
func New(st *store.Store, logger *zap.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("anomaly")

	e := &Engine{
		store:   st,
		logger:  logger,
		streaks: make(map[model.SeriesKey]int),
	}
	if opts.ResultsDir != "" {
		rl, err := newResultLog(opts.ResultsDir, logger)
		if err != nil {
			return nil, fmt.Errorf("anomaly: results dir: %w", err)
		}
		e.results = rl
	}
	return e, nil
}

// Evaluate runs the detection battery for a reading that was just
// appended to the store. The returned event is non-nil only when the
// consecutive-anomaly gate passes.
func (e *Engine) Evaluate(reading model.MetricReading, cfg Config) (*model.AnomalyEvent, Evaluation, error) {
	cfg = cfg.Normalized()
	key := reading.Key()

	fetch := cfg.WindowSize
	if fetch < minFetch {
		fetch = minFetch
	}
	recent, err := e.store.Recent(key, fetch+1)
	if err != nil {
		return nil, Evaluation{}, fmt.Errorf("anomaly: fetch window: %w", err)
	}

	// The baseline excludes the reading under test; the scheduler
	// appends before evaluating, so strip it off the tail.
	history := recent
	if n := len(recent); n > 0 && recent[n-1].Timestamp == reading.Timestamp && recent[n-1].Value == reading.Value {
		history = recent[:n-1]
	}
	if len(history) > fetch {
		history = history[len(history)-fetch:]
	}

	if len(history) < cfg.MinDataPoints {
		e.setStreak(key, 0)
		e.logger.Debug("insufficient data",
			zap.String("series", key.String()),
			zap.Int("count", len(history)),
			zap.Int("min_data_points", cfg.MinDataPoints))
		return nil, Evaluation{Insufficient: true}, nil
	}

	values := make([]float64, len(history))
	for i, r := range history {
		values[i] = r.Value
	}

	eval := detect(reading.Value, values, stats.Summary(values), cfg)

	if eval.Anomalous {
		eval.Streak = e.bumpStreak(key)
	} else {
		e.setStreak(key, 0)
	}
	eval.Publish = eval.Anomalous && eval.Streak >= cfg.NotificationThreshold
	if !eval.Publish {
		return nil, eval, nil
	}

	ev := &model.AnomalyEvent{
		ID:         model.NewEventID(),
		Plugin:     reading.Plugin,
		Metric:     reading.Metric,
		Value:      reading.Value,
		Kind:       eval.Dominant,
		Kinds:      eval.Kinds,
		Score:      eval.Score,
		Confidence: eval.Confidence,
		Stats:      eval.Stats,
		Timestamp:  time.Unix(reading.Timestamp, 0).UTC(),
		Cooldown:   time.Duration(cfg.CooldownSeconds) * time.Second,
	}
	if e.results != nil {
		e.results.record(ev)
	}
	return ev, eval, nil
}

// Forget drops gating state for a series, used when a reload removes
// its plugin.
func (e *Engine) Forget(key model.SeriesKey) {
	e.setStreak(key, 0)
}

func (e *Engine) bumpStreak(key model.SeriesKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streaks[key]++
	return e.streaks[key]
}

func (e *Engine) setStreak(key model.SeriesKey, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n == 0 {
		delete(e.streaks, key)
		return
	}
	e.streaks[key] = n
}

// detect applies the outlier, IQR, trend, and spike tests against the
// baseline. Pure so it can be tested without a store.
func detect(current float64, values []float64, baseline model.Statistics, cfg Config) Evaluation {
	eval := Evaluation{Stats: baseline}
	var kinds []model.AnomalyKind

	if z, ok := stats.ZScore(current, baseline.Mean, baseline.StdDev); ok {
		eval.Score = z
		if math.Abs(z) > cfg.Sensitivity {
			if z > 0 {
				kinds = append(kinds, model.KindHighOutlier)
			} else {
				kinds = append(kinds, model.KindLowOutlier)
			}
		}
	}

	// A zero IQR means the quartiles collapsed; the fence would flag
	// every deviation, so skip it.
	if baseline.IQR > 0 {
		low := baseline.Q1 - iqrFence*baseline.IQR
		high := baseline.Q3 + iqrFence*baseline.IQR
		if current < low || current > high {
			kinds = append(kinds, model.KindIQROutlier)
		}
	}

	if cfg.DetectTrends {
		window := append(append(make([]float64, 0, len(values)+1), values...), current)
		if len(window) > cfg.WindowSize {
			window = window[len(window)-cfg.WindowSize:]
		}
		slope, corr := stats.LinearRegression(window)
		absSlope, absCorr := math.Abs(slope), math.Abs(corr)
		switch {
		case absSlope >= cfg.Sensitivity && absCorr > steepCorrMin:
			if slope > 0 {
				kinds = append(kinds, model.KindSteepUpwardTrend)
			} else {
				kinds = append(kinds, model.KindSteepDownwardTrend)
			}
		case absSlope >= 0.5*cfg.Sensitivity && absCorr > moderateCorrMin:
			if slope > 0 {
				kinds = append(kinds, model.KindModerateUpwardTrend)
			} else {
				kinds = append(kinds, model.KindModerateDownwardTrend)
			}
		}
	}

	if cfg.DetectSpikes && len(values) >= spikeWindow {
		recent := stats.Summary(values[len(values)-spikeWindow:])
		if recent.StdDev > 0 {
			if rz := (current - recent.Mean) / recent.StdDev; math.Abs(rz) > cfg.Sensitivity {
				if rz > 0 {
					kinds = append(kinds, model.KindPositiveSpike)
				} else {
					kinds = append(kinds, model.KindNegativeSpike)
				}
			}
			prev := values[len(values)-1]
			if jump := (current - prev) / recent.StdDev; math.Abs(jump) > 2*cfg.Sensitivity {
				if jump > 0 {
					kinds = append(kinds, model.KindSuddenIncrease)
				} else {
					kinds = append(kinds, model.KindSuddenDecrease)
				}
			}
		}
		if baseline.StdDev > 0 {
			if bz := (current - baseline.Mean) / baseline.StdDev; math.Abs(bz) > 1.5*cfg.Sensitivity {
				if bz > 0 {
					kinds = append(kinds, model.KindExtremePositiveSpike)
				} else {
					kinds = append(kinds, model.KindExtremeNegativeSpike)
				}
			}
		}
	}

	eval.Kinds = kinds
	eval.Anomalous = len(kinds) > 0
	if eval.Anomalous {
		eval.Dominant = dominantKind(kinds)
		eval.Confidence = model.ConfidenceFor(eval.Score)
	}
	return eval
}

// kindPriority orders kinds for picking the dominant one. Lower wins.
var kindPriority = map[model.AnomalyKind]int{
	model.KindExtremePositiveSpike:  0,
	model.KindExtremeNegativeSpike:  0,
	model.KindPositiveSpike:         1,
	model.KindNegativeSpike:         1,
	model.KindHighOutlier:           2,
	model.KindLowOutlier:            2,
	model.KindIQROutlier:            3,
	model.KindSteepUpwardTrend:      4,
	model.KindSteepDownwardTrend:    4,
	model.KindModerateUpwardTrend:   5,
	model.KindModerateDownwardTrend: 5,
	model.KindSuddenIncrease:        6,
	model.KindSuddenDecrease:        6,
}

func dominantKind(kinds []model.AnomalyKind) model.AnomalyKind {
	best := kinds[0]
	for _, k := range kinds[1:] {
		if kindPriority[k] < kindPriority[best] {
			best = k
		}
	}
	return best
}
