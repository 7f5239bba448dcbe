// Package telemetry exposes the agent's self-metrics on a Prometheus
// endpoint: tick and sampler-error counters, store sizes, bus and
// dispatcher outcomes, and the agent's own resource usage from
// /proc/self.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/azzuwayed/serversentry/internal/bus"
	"github.com/azzuwayed/serversentry/internal/notify"
	"github.com/azzuwayed/serversentry/internal/store"
)

// shutdownTimeout bounds how long Serve waits for in-flight scrapes
// after its context is canceled.
const shutdownTimeout = 3 * time.Second

// Sources are the subsystems snapshotted at scrape time. Nil entries
// are skipped.
type Sources struct {
	Notify func() notify.Stats
	Bus    func() bus.Stats
	Store  *store.Store

	// ProcRoot overrides /proc in tests.
	ProcRoot string
}

// Telemetry owns the metrics registry and the push-style counters the
// scheduler increments.
type Telemetry struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	ticks         *prometheus.CounterVec
	samplerErrors *prometheus.CounterVec
}

// New builds a registry with the agent's collectors registered.
func New(src Sources, logger *zap.Logger) *Telemetry {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telemetry{
		logger:   logger.Named("telemetry"),
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serversentry_ticks_total",
			Help: "Completed sampling ticks per plugin.",
		}, []string{"plugin"}),
		samplerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serversentry_sampler_errors_total",
			Help: "Sampler failures per plugin.",
		}, []string{"plugin"}),
	}
	t.registry.MustRegister(t.ticks, t.samplerErrors, newSnapshotCollector(src))
	return t
}

// TickDone counts one completed sampling tick.
func (t *Telemetry) TickDone(plugin string) { t.ticks.WithLabelValues(plugin).Inc() }

// SamplerError counts one failed sample.
func (t *Telemetry) SamplerError(plugin string) {
	t.samplerErrors.WithLabelValues(plugin).Inc()
}

// Handler returns the scrape handler for the agent registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Serve runs the /metrics listener until ctx is canceled.
func (t *Telemetry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	t.logger.Info("metrics listener started", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	t.logger.Info("metrics listener stopped")
	return nil
}

// snapshotCollector reads point-in-time values from the wired
// subsystems on every scrape instead of mirroring them into stateful
// gauges.
type snapshotCollector struct {
	src Sources

	notifications *prometheus.Desc
	published     *prometheus.Desc
	eventsDropped *prometheus.Desc
	pending       *prometheus.Desc
	storePoints   *prometheus.Desc
	cpuSeconds    *prometheus.Desc
	rssBytes      *prometheus.Desc
	goroutines    *prometheus.Desc
	ioBytes       *prometheus.Desc
}

func newSnapshotCollector(src Sources) *snapshotCollector {
	if src.ProcRoot == "" {
		src.ProcRoot = "/proc"
	}
	return &snapshotCollector{
		src: src,
		notifications: prometheus.NewDesc("serversentry_notifications_total",
			"Notification outcomes by the dispatcher.", []string{"outcome"}, nil),
		published: prometheus.NewDesc("serversentry_events_published_total",
			"Events accepted by the bus.", nil, nil),
		eventsDropped: prometheus.NewDesc("serversentry_events_dropped_total",
			"Events discarded by the bus under pressure.", nil, nil),
		pending: prometheus.NewDesc("serversentry_events_pending",
			"Events queued on the bus.", nil, nil),
		storePoints: prometheus.NewDesc("serversentry_store_points",
			"Readings held in memory per series.", []string{"plugin", "metric"}, nil),
		cpuSeconds: prometheus.NewDesc("serversentry_self_cpu_seconds_total",
			"CPU consumed by the agent itself.", []string{"mode"}, nil),
		rssBytes: prometheus.NewDesc("serversentry_self_memory_rss_bytes",
			"Resident set size of the agent.", nil, nil),
		goroutines: prometheus.NewDesc("serversentry_self_goroutines",
			"Live goroutines in the agent.", nil, nil),
		ioBytes: prometheus.NewDesc("serversentry_self_disk_io_bytes_total",
			"Bytes the agent has read and written.", []string{"direction"}, nil),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.notifications
	ch <- c.published
	ch <- c.eventsDropped
	ch <- c.pending
	ch <- c.storePoints
	ch <- c.cpuSeconds
	ch <- c.rssBytes
	ch <- c.goroutines
	ch <- c.ioBytes
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Notify != nil {
		s := c.src.Notify()
		ch <- prometheus.MustNewConstMetric(c.notifications, prometheus.CounterValue, float64(s.Sent), "sent")
		ch <- prometheus.MustNewConstMetric(c.notifications, prometheus.CounterValue, float64(s.Suppressed), "suppressed")
		ch <- prometheus.MustNewConstMetric(c.notifications, prometheus.CounterValue, float64(s.Failed), "failed")
		ch <- prometheus.MustNewConstMetric(c.notifications, prometheus.CounterValue, float64(s.Dropped), "dropped")
	}
	if c.src.Bus != nil {
		s := c.src.Bus()
		ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(s.Published))
		ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(s.Dropped))
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending))
	}
	if c.src.Store != nil {
		for _, key := range c.src.Store.Keys() {
			ch <- prometheus.MustNewConstMetric(c.storePoints, prometheus.GaugeValue,
				float64(c.src.Store.Len(key)), key.Plugin, key.Metric)
		}
	}

	u := readSelfUsage(c.src.ProcRoot)
	ch <- prometheus.MustNewConstMetric(c.cpuSeconds, prometheus.CounterValue, u.cpuUserSeconds, "user")
	ch <- prometheus.MustNewConstMetric(c.cpuSeconds, prometheus.CounterValue, u.cpuSystemSeconds, "system")
	ch <- prometheus.MustNewConstMetric(c.rssBytes, prometheus.GaugeValue, u.rssBytes)
	ch <- prometheus.MustNewConstMetric(c.goroutines, prometheus.GaugeValue, float64(runtime.NumGoroutine()))
	ch <- prometheus.MustNewConstMetric(c.ioBytes, prometheus.CounterValue, u.readBytes, "read")
	ch <- prometheus.MustNewConstMetric(c.ioBytes, prometheus.CounterValue, u.writeBytes, "write")
}
