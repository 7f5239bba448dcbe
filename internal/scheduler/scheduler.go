// Package scheduler runs the monitoring loop. One worker goroutine per
// enabled plugin samples on its own cadence, feeds the series store,
// and publishes threshold, anomaly, and composite rule events onto the
// bus. The scheduler also owns the shutdown sequence: workers finish
// their in-flight tick, the store flushes, the bus hands its backlog
// to the dispatcher, and the dispatcher drains within its grace
// period.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/azzuwayed/serversentry/internal/anomaly"
	"github.com/azzuwayed/serversentry/internal/bus"
	"github.com/azzuwayed/serversentry/internal/config"
	"github.com/azzuwayed/serversentry/internal/model"
	"github.com/azzuwayed/serversentry/internal/notify"
	"github.com/azzuwayed/serversentry/internal/rule"
	"github.com/azzuwayed/serversentry/internal/sampler"
	"github.com/azzuwayed/serversentry/internal/store"
	"github.com/azzuwayed/serversentry/internal/telemetry"
	"github.com/azzuwayed/serversentry/internal/threshold"
)

// cleanupInterval is how often expired store files are pruned after
// the startup pass.
const cleanupInterval = 24 * time.Hour

// restartPause is how long a worker sits out after a recovered panic.
const restartPause = time.Second

// Options carries the components the scheduler drives. Telemetry and
// Dispatcher may be nil; everything else is required.
type Options struct {
	Samplers   *sampler.Registry
	Store      *store.Store
	Thresholds *threshold.Evaluator
	Anomalies  *anomaly.Engine
	Rules      *rule.Evaluator
	Bus        *bus.Bus
	Dispatcher *notify.Dispatcher
	Telemetry  *telemetry.Telemetry

	// ProcRoot overrides /proc for the samplers.
	ProcRoot string
}

// snapshot is one immutable view of the configuration. Workers read
// the current snapshot at the top of every tick, so a reload takes
// effect without stopping anyone mid-pipeline.
type snapshot struct {
	specs         map[string]config.PluginSpec
	checkInterval time.Duration
	rawDays       int
	archiveDays   int
}

// Scheduler coordinates the plugin workers, the composite rule pass,
// and store cleanup.
type Scheduler struct {
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	snap     *snapshot
	workers  map[string]chan struct{}
	dirty    map[model.SeriesKey]bool
	reloaded chan struct{}
}

// New returns a Scheduler over opts. Call Run to start it.
func New(opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		opts:     opts,
		logger:   logger.Named("scheduler"),
		snap:     &snapshot{specs: map[string]config.PluginSpec{}},
		workers:  make(map[string]chan struct{}),
		dirty:    make(map[model.SeriesKey]bool),
		reloaded: make(chan struct{}),
	}
}

// Run starts the dispatcher, the workers for cfg's enabled plugins,
// and the rule and cleanup loops, then blocks until ctx cancels and
// the shutdown sequence completes.
func (s *Scheduler) Run(ctx context.Context, cfg *config.Config) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if s.opts.Dispatcher != nil {
		s.opts.Dispatcher.Start(s.opts.Bus.Events())
	}
	s.Apply(cfg)

	s.wg.Add(2)
	go s.ruleLoop()
	go s.cleanupLoop()

	<-s.ctx.Done()
	s.shutdown()
}

// Apply swaps in a new configuration snapshot. Workers for removed
// plugins stop and their evaluator state is dropped, workers for new
// plugins start, and changed intervals take effect on each surviving
// worker's next tick. A worker parked on a permanent sampler failure
// wakes up and retries.
func (s *Scheduler) Apply(cfg *config.Config) {
	specs := cfg.PluginSpecs()
	snap := &snapshot{
		specs:         make(map[string]config.PluginSpec, len(specs)),
		checkInterval: cfg.CheckInterval(),
	}
	snap.rawDays, snap.archiveDays = cfg.Retention()
	for _, spec := range specs {
		snap.specs[spec.Name] = spec
	}

	s.applyRules(cfg)

	var removed []model.SeriesKey
	s.mu.Lock()
	s.snap = snap
	for name, stop := range s.workers {
		if _, ok := snap.specs[name]; ok {
			continue
		}
		close(stop)
		delete(s.workers, name)
		removed = append(removed, model.SeriesKey{Plugin: name, Metric: model.PrimaryMetric})
	}
	if s.ctx != nil && s.ctx.Err() == nil {
		for _, spec := range specs {
			if _, ok := s.workers[spec.Name]; ok {
				continue
			}
			stop := make(chan struct{})
			s.workers[spec.Name] = stop
			s.wg.Add(1)
			go s.runWorker(spec.Name, stop)
		}
	}
	close(s.reloaded)
	s.reloaded = make(chan struct{})
	s.mu.Unlock()

	for _, key := range removed {
		s.opts.Thresholds.Forget(key)
		if s.opts.Anomalies != nil {
			s.opts.Anomalies.Forget(key)
		}
	}
	s.logger.Info("configuration applied",
		zap.Int("plugins", len(specs)),
		zap.Int("removed", len(removed)))
}

// applyRules recompiles the composite rule set. SetRules resets
// trigger and degradation state, so a reload clears degraded rules.
func (s *Scheduler) applyRules(cfg *config.Config) {
	specs, err := cfg.RuleSpecs()
	if err != nil {
		s.logger.Warn("composite rules kept from previous configuration", zap.Error(err))
		return
	}
	rules := make([]*rule.Rule, 0, len(specs))
	for _, spec := range specs {
		r, err := rule.Compile(spec)
		if err != nil {
			s.logger.Warn("composite rule rejected",
				zap.String("rule", spec.Name), zap.Error(err))
			continue
		}
		rules = append(rules, r)
	}
	s.opts.Rules.SetRules(rules)
}

// runWorker is one plugin's loop: an immediate first tick, then one
// tick per interval until the plugin is removed or the scheduler
// stops.
func (s *Scheduler) runWorker(name string, stop chan struct{}) {
	defer s.wg.Done()
	logger := s.logger.With(zap.String("plugin", name))
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	var (
		ticker   *time.Ticker
		interval time.Duration
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		spec, ok := s.pluginSpec(name)
		if !ok {
			return
		}
		switch {
		case ticker == nil:
			interval = spec.Interval
			ticker = time.NewTicker(interval)
		case spec.Interval != interval:
			interval = spec.Interval
			ticker.Reset(interval)
			logger.Info("interval changed", zap.Duration("interval", interval))
		}

		if permanent := s.safeTick(spec, logger); permanent {
			logger.Warn("sampler failed permanently, plugin disabled until reload")
			if !s.awaitReload(stop) {
				return
			}
			continue
		}

		select {
		case <-ticker.C:
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// safeTick runs one tick, absorbing panics so a buggy sampler or
// evaluator cannot take the process down. A recovered worker pauses
// before resuming its cadence. The return reports permanent sampler
// failure.
func (s *Scheduler) safeTick(spec config.PluginSpec, logger *zap.Logger) (permanent bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logger.Error("tick panicked, worker restarting",
			zap.Any("panic", r),
			zap.Stack("stack"))
		select {
		case <-time.After(restartPause):
		case <-s.ctx.Done():
		}
	}()
	err := s.tick(spec)
	return err != nil && sampler.IsPermanent(err)
}

// tick is the sampling pipeline for one plugin: sample with a
// deadline, append to the store, evaluate thresholds and anomalies,
// and mark the series dirty for the next rule pass. A failed sample
// records ERROR status and publishes it; a failed append logs and the
// evaluation still runs on the fresh value.
func (s *Scheduler) tick(spec config.PluginSpec) error {
	var (
		value float64
		err   error
	)
	if smp, ok := s.opts.Samplers.Lookup(spec.Name); ok {
		ctx, cancel := context.WithTimeout(s.ctx, spec.Timeout)
		value, err = smp.Sample(ctx, s.samplerConfig(spec))
		cancel()
	} else {
		err = &sampler.Error{Op: spec.Name, Err: errors.New("no sampler registered"), Permanent: true}
	}

	key := spec.Key()
	now := time.Now()

	if err != nil {
		if s.opts.Telemetry != nil {
			s.opts.Telemetry.SamplerError(spec.Name)
		}
		s.logger.Warn("sample failed",
			zap.String("plugin", spec.Name),
			zap.Bool("permanent", sampler.IsPermanent(err)),
			zap.Error(err))
		res := s.opts.Thresholds.RecordError(key, err.Error())
		reading := model.MetricReading{Plugin: key.Plugin, Metric: key.Metric, Timestamp: now.Unix()}
		s.publish(res.Event(reading, spec.Thresholds))
		return err
	}

	reading := model.MetricReading{Plugin: key.Plugin, Metric: key.Metric, Value: value, Timestamp: now.Unix()}
	if err := s.opts.Store.Append(reading); err != nil {
		s.logger.Warn("append failed", zap.String("series", key.String()), zap.Error(err))
	}

	res := s.opts.Thresholds.Evaluate(key, value, spec.Thresholds)
	if res.Publishable() {
		s.publish(res.Event(reading, spec.Thresholds))
	}

	if spec.Anomaly.Enabled && s.opts.Anomalies != nil {
		ev, _, aerr := s.opts.Anomalies.Evaluate(reading, spec.Anomaly)
		if aerr != nil {
			s.logger.Warn("anomaly evaluation failed", zap.String("series", key.String()), zap.Error(aerr))
		} else if ev != nil {
			s.publish(ev)
		}
	}

	s.markDirty(key)
	if s.opts.Telemetry != nil {
		s.opts.Telemetry.TickDone(spec.Name)
	}
	return nil
}

// ruleLoop evaluates composite rules on the system check interval,
// visiting only rules whose referenced series changed since the
// previous pass.
func (s *Scheduler) ruleLoop() {
	defer s.wg.Done()
	interval := s.checkInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if next := s.checkInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
			s.rulePass(time.Now())
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) rulePass(now time.Time) {
	dirty := s.swapDirty()
	for _, ev := range s.opts.Rules.EvaluateDirty(dirty, now) {
		s.publish(ev)
	}
}

// cleanupLoop prunes expired raw and archive store files once at
// startup and then daily.
func (s *Scheduler) cleanupLoop() {
	defer s.wg.Done()
	s.runCleanup()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runCleanup() {
	s.mu.Lock()
	rawDays, archiveDays := s.snap.rawDays, s.snap.archiveDays
	s.mu.Unlock()
	if err := s.opts.Store.Cleanup(rawDays, archiveDays); err != nil {
		s.logger.Warn("store cleanup failed", zap.Error(err))
	}
}

// shutdown drains the pipeline in order: workers finish the in-flight
// tick, the store flushes its persistence queue, the bus delivers its
// backlog to the dispatcher, and the dispatcher drains within its
// grace period.
func (s *Scheduler) shutdown() {
	s.logger.Info("scheduler stopping")
	s.mu.Lock()
	for _, stop := range s.workers {
		close(stop)
	}
	s.workers = make(map[string]chan struct{})
	s.mu.Unlock()
	s.wg.Wait()

	s.opts.Store.Close()
	s.opts.Bus.Close()
	if s.opts.Dispatcher != nil {
		s.opts.Dispatcher.Close()
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) publish(ev model.Event) {
	if err := s.opts.Bus.Publish(ev); err != nil {
		s.logger.Debug("event not published",
			zap.String("source", ev.Source()), zap.Error(err))
	}
}

func (s *Scheduler) samplerConfig(spec config.PluginSpec) sampler.Config {
	cfg := sampler.DefaultConfig()
	cfg.Options = spec.Options
	if s.opts.ProcRoot != "" {
		cfg.ProcRoot = s.opts.ProcRoot
	}
	return cfg
}

func (s *Scheduler) pluginSpec(name string) (config.PluginSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.snap.specs[name]
	return spec, ok
}

func (s *Scheduler) checkInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.checkInterval
}

func (s *Scheduler) markDirty(key model.SeriesKey) {
	s.mu.Lock()
	s.dirty[key] = true
	s.mu.Unlock()
}

func (s *Scheduler) swapDirty() map[model.SeriesKey]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirty := s.dirty
	s.dirty = make(map[model.SeriesKey]bool)
	return dirty
}

// awaitReload parks a worker whose sampler failed permanently until
// the next configuration reload, a stop signal, or shutdown. It
// reports whether the worker should resume.
func (s *Scheduler) awaitReload(stop chan struct{}) bool {
	s.mu.Lock()
	reloaded := s.reloaded
	s.mu.Unlock()
	select {
	case <-reloaded:
		return true
	case <-stop:
		return false
	case <-s.ctx.Done():
		return false
	}
}
