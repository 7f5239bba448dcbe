package notify

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/azzuwayed/serversentry/internal/model"
)

const (
	// DefaultShutdownGrace bounds how long Close waits for queued
	// deliveries.
	DefaultShutdownGrace = 5 * time.Second

	// DefaultQueueSize bounds each channel worker's queue.
	DefaultQueueSize = 64

	// DefaultTimeout is the per-delivery deadline when the channel
	// does not configure one.
	DefaultTimeout = 30 * time.Second

	// maxAttempts is one initial delivery plus two retries.
	maxAttempts = 3

	// recordLimit bounds the in-memory attempt history.
	recordLimit = 128
)

// backoffSchedule spaces the retries of one delivery.
var backoffSchedule = []time.Duration{time.Second, 4 * time.Second}

// ChannelSpec pairs a channel with its delivery policy.
type ChannelSpec struct {
	Channel Channel

	// Cooldown applies to sources without their own cooldown hint.
	Cooldown time.Duration

	// Timeout is the per-attempt deadline (default DefaultTimeout).
	Timeout time.Duration

	// Template overrides the body template for this channel.
	Template string
}

// Options configure a Dispatcher.
type Options struct {
	// Hostname appears in rendered notifications; defaults to
	// os.Hostname.
	Hostname string

	// DefaultTemplate overrides the built-in body templates for
	// channels without their own.
	DefaultTemplate string

	ShutdownGrace time.Duration
	QueueSize     int
}

// Dispatcher fans events out to channels, one worker per channel.
// Admission and delivery both consult the shared cooldown table, so a
// queued duplicate is still suppressed when its turn comes.
type Dispatcher struct {
	logger *zap.Logger
	opts   Options

	// ctx is canceled when the shutdown grace expires, aborting
	// backoff sleeps and in-flight sends.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lastSent map[string]time.Time
	records  []Record
	stats    Stats

	workers    []*worker
	fanoutDone chan struct{}
	wg         sync.WaitGroup

	// backoff is replaceable in tests.
	backoff []time.Duration
}

type worker struct {
	spec  ChannelSpec
	queue chan model.Event

	// current is the cooldown key being delivered, guarded by the
	// dispatcher mutex. Empty when idle.
	current string
}

// New builds a dispatcher over the given channels. Call Start to
// begin consuming events.
func New(opts Options, channels []ChannelSpec, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			opts.Hostname = h
		}
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:     logger.Named("notify"),
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		lastSent:   make(map[string]time.Time),
		fanoutDone: make(chan struct{}),
		backoff:    backoffSchedule,
	}
	for _, spec := range channels {
		if spec.Timeout <= 0 {
			spec.Timeout = DefaultTimeout
		}
		d.workers = append(d.workers, &worker{
			spec:  spec,
			queue: make(chan model.Event, opts.QueueSize),
		})
	}
	return d
}

// Start consumes events until the source channel closes. Close then
// waits for the queues to drain.
func (d *Dispatcher) Start(events <-chan model.Event) {
	for _, w := range d.workers {
		d.wg.Add(1)
		go d.runWorker(w)
	}
	go d.fanout(events)
}

func (d *Dispatcher) fanout(events <-chan model.Event) {
	defer close(d.fanoutDone)
	for ev := range events {
		for _, w := range d.workers {
			d.offer(w, ev)
		}
	}
	for _, w := range d.workers {
		close(w.queue)
	}
}

// offer enqueues an event for one channel. Events already inside
// their cooldown window are suppressed here instead of occupying
// queue space.
func (d *Dispatcher) offer(w *worker, ev model.Event) {
	name := w.spec.Channel.Name()
	if d.inCooldown(ev, w, time.Now()) {
		d.suppress(ev, name)
		return
	}
	select {
	case w.queue <- ev:
	default:
		d.mu.Lock()
		d.stats.Dropped++
		d.mu.Unlock()
		d.logger.Warn("channel queue full, dropping event",
			zap.String("channel", name),
			zap.String("event_id", ev.EventID()))
	}
}

func (d *Dispatcher) inCooldown(ev model.Event, w *worker, now time.Time) bool {
	cd := eventCooldown(ev, w.spec.Cooldown)
	if cd <= 0 {
		return false
	}
	key := cooldownKey(ev, w.spec.Channel.Name())
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastSent[key]
	return ok && now.Sub(last) < cd
}

func (d *Dispatcher) suppress(ev model.Event, channel string) {
	d.mu.Lock()
	d.stats.Suppressed++
	d.mu.Unlock()
	d.logger.Debug("notification suppressed by cooldown",
		zap.String("channel", channel),
		zap.String("source", ev.Source()))
}

func (d *Dispatcher) runWorker(w *worker) {
	defer d.wg.Done()
	for ev := range w.queue {
		d.deliver(w, ev)
	}
}

// deliver runs the authoritative cooldown check and the retry loop
// for one event on one channel. Only success updates the cooldown
// table, so a failed sequence leaves the next event free to try
// immediately.
func (d *Dispatcher) deliver(w *worker, ev model.Event) {
	name := w.spec.Channel.Name()
	key := cooldownKey(ev, name)
	cd := eventCooldown(ev, w.spec.Cooldown)

	d.mu.Lock()
	if last, ok := d.lastSent[key]; ok && cd > 0 && time.Since(last) < cd {
		d.stats.Suppressed++
		d.mu.Unlock()
		d.logger.Debug("notification suppressed by cooldown",
			zap.String("channel", name),
			zap.String("source", ev.Source()))
		return
	}
	w.current = key
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		w.current = ""
		d.mu.Unlock()
	}()

	msg := d.message(w, ev)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if !d.sleep(d.backoff[attempt-2]) {
				break
			}
		}
		ctx, cancel := context.WithTimeout(d.ctx, w.spec.Timeout)
		err := w.spec.Channel.Send(ctx, msg)
		cancel()
		d.record(ev, name, attempt, err)
		if err == nil {
			d.mu.Lock()
			d.lastSent[key] = time.Now()
			d.stats.Sent++
			d.mu.Unlock()
			return
		}
		lastErr = err
		if IsPermanent(err) {
			break
		}
	}
	d.mu.Lock()
	d.stats.Failed++
	d.mu.Unlock()
	d.logger.Error("notification failed",
		zap.String("channel", name),
		zap.String("source", ev.Source()),
		zap.Error(lastErr))
}

// sleep waits for the backoff delay, aborting when the dispatcher is
// abandoning work.
func (d *Dispatcher) sleep(dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *Dispatcher) message(w *worker, ev model.Event) Message {
	values := Values(ev, d.opts.Hostname)
	body := w.spec.Template
	if body == "" {
		body = d.opts.DefaultTemplate
	}
	if body == "" {
		body = defaultBody(ev.EventKind())
	}
	return Message{
		Event:  ev,
		Title:  Render(defaultTitle(ev), values),
		Body:   Render(body, values),
		Values: values,
	}
}

// record logs one attempt and keeps it in the bounded history.
func (d *Dispatcher) record(ev model.Event, channel string, attempt int, err error) {
	rec := Record{
		EventID: ev.EventID(),
		Channel: channel,
		Attempt: attempt,
		SentAt:  time.Now(),
		OK:      err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	d.mu.Lock()
	d.records = append(d.records, rec)
	if len(d.records) > recordLimit {
		d.records = d.records[len(d.records)-recordLimit:]
	}
	d.mu.Unlock()
	d.logger.Info("notification attempt",
		zap.String("event_id", rec.EventID),
		zap.String("channel", rec.Channel),
		zap.Int("attempt", rec.Attempt),
		zap.Bool("ok", rec.OK),
		zap.String("error", rec.Error))
}

// Close waits up to the shutdown grace for queued deliveries, then
// cancels whatever is still in flight. The event source must be
// closed first.
func (d *Dispatcher) Close() {
	<-d.fanoutDone
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.opts.ShutdownGrace):
		d.logger.Warn("shutdown grace expired, abandoning in-flight notifications")
		d.cancel()
		<-done
	}
	d.cancel()
}

// Stats returns the outcome counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Records returns a copy of the recent attempt history, oldest first.
func (d *Dispatcher) Records() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, len(d.records))
	copy(out, d.records)
	return out
}

// State reports the delivery state of a (source, channel) pair using
// the channel's default cooldown. Source-specific cooldown hints
// apply at admission, not here.
func (d *Dispatcher) State(source, channel string) State {
	key := source + "|" + channel
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.workers {
		if w.spec.Channel.Name() != channel {
			continue
		}
		if w.current == key {
			return StateSending
		}
		if last, ok := d.lastSent[key]; ok && w.spec.Cooldown > 0 && time.Since(last) < w.spec.Cooldown {
			return StateCooldown
		}
	}
	return StateIdle
}
