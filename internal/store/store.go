// Package store keeps bounded in-memory time series per (plugin, metric)
// with append-only CSV persistence, archive-on-rotate, and retention
// cleanup. The in-memory view is the source of truth for the process
// lifetime; file I/O runs on a background writer and never fails an
// append.
package store

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/azzuwayed/serversentry/internal/model"
	"github.com/azzuwayed/serversentry/internal/stats"
)

// DefaultMaxPoints bounds each series in memory.
const DefaultMaxPoints = 1000

// Options configure a Store.
type Options struct {
	// Dir is the data directory. Empty disables persistence.
	Dir string

	// MaxPoints caps each in-memory series (default DefaultMaxPoints).
	MaxPoints int

	// QueueSize bounds the persistence queue (default 4096).
	QueueSize int
}

// Store maps series keys to bounded rings.
type Store struct {
	mu     sync.RWMutex
	series map[model.SeriesKey]*series

	maxPoints int
	logger    *zap.Logger
	persist   *persister // nil when persistence is disabled
}

// series is one bounded ring. head indexes the oldest element.
type series struct {
	mu   sync.Mutex
	buf  []model.MetricReading
	head int
	size int
}

// New creates a Store and, when opts.Dir is set, loads the tail of any
// existing data files from a previous run.
func New(opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = DefaultMaxPoints
	}
	s := &Store{
		series:    make(map[model.SeriesKey]*series),
		maxPoints: opts.MaxPoints,
		logger:    logger.Named("store"),
	}
	if opts.Dir != "" {
		p, err := newPersister(opts.Dir, opts.QueueSize, s.logger)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		s.persist = p
		s.loadAll(opts.Dir)
		p.start()
	}
	return s, nil
}

// Append validates and records one reading, rotating the series to its
// archive when full. Persistence failures are logged, never returned.
func (s *Store) Append(r model.MetricReading) error {
	key := r.Key()
	if err := key.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("store: non-finite value for %s", key)
	}

	sr := s.getOrCreate(key)

	sr.mu.Lock()
	if sr.size > 0 {
		last := sr.buf[(sr.head+sr.size-1)%len(sr.buf)]
		if r.Timestamp < last.Timestamp {
			sr.mu.Unlock()
			return fmt.Errorf("store: out-of-order append for %s: %d < %d",
				key, r.Timestamp, last.Timestamp)
		}
	}
	var archived, tail []model.MetricReading
	if sr.size == len(sr.buf) {
		archived = sr.rotate()
	}
	sr.push(r)
	if archived != nil {
		tail = sr.snapshot()
	}
	sr.mu.Unlock()

	if s.persist != nil {
		if archived != nil {
			s.persist.enqueue(persistOp{kind: opRotate, key: key, archived: archived, tail: tail})
		} else {
			s.persist.enqueue(persistOp{kind: opAppend, key: key, reading: r})
		}
	}
	return nil
}

// Recent returns the last n readings, newest last. n <= 0 or n larger
// than the series returns everything.
func (s *Store) Recent(key model.SeriesKey, n int) ([]model.MetricReading, error) {
	sr := s.lookup(key)
	if sr == nil {
		return nil, fmt.Errorf("store: no series %s", key)
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.size == 0 {
		return nil, fmt.Errorf("store: series %s is empty", key)
	}
	if n <= 0 || n > sr.size {
		n = sr.size
	}
	out := make([]model.MetricReading, n)
	start := sr.size - n
	for i := 0; i < n; i++ {
		out[i] = sr.buf[(sr.head+start+i)%len(sr.buf)]
	}
	return out, nil
}

// Latest returns the most recent reading of the series.
func (s *Store) Latest(key model.SeriesKey) (model.MetricReading, error) {
	readings, err := s.Recent(key, 1)
	if err != nil {
		return model.MetricReading{}, err
	}
	return readings[0], nil
}

// Range returns readings with t0 <= timestamp <= t1, oldest first.
// An empty result is not an error; a missing series is.
func (s *Store) Range(key model.SeriesKey, t0, t1 int64) ([]model.MetricReading, error) {
	sr := s.lookup(key)
	if sr == nil {
		return nil, fmt.Errorf("store: no series %s", key)
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	var out []model.MetricReading
	for i := 0; i < sr.size; i++ {
		r := sr.buf[(sr.head+i)%len(sr.buf)]
		if r.Timestamp >= t0 && r.Timestamp <= t1 {
			out = append(out, r)
		}
	}
	return out, nil
}

// Statistics summarizes the last n readings of the series.
func (s *Store) Statistics(key model.SeriesKey, n int) (model.Statistics, error) {
	readings, err := s.Recent(key, n)
	if err != nil {
		return model.Statistics{}, err
	}
	values := make([]float64, len(readings))
	for i, r := range readings {
		values[i] = r.Value
	}
	return stats.Summary(values), nil
}

// Len returns the in-memory point count for the series, 0 if absent.
func (s *Store) Len(key model.SeriesKey) int {
	sr := s.lookup(key)
	if sr == nil {
		return 0
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.size
}

// Keys returns all series keys, sorted for deterministic output.
func (s *Store) Keys() []model.SeriesKey {
	s.mu.RLock()
	keys := make([]model.SeriesKey, 0, len(s.series))
	for k := range s.series {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Plugin != keys[j].Plugin {
			return keys[i].Plugin < keys[j].Plugin
		}
		return keys[i].Metric < keys[j].Metric
	})
	return keys
}

// ExportSeries is the serializable snapshot of one series.
type ExportSeries struct {
	Plugin   string                `json:"plugin"`
	Metric   string                `json:"metric"`
	Readings []model.MetricReading `json:"readings"`
}

// Export snapshots series for inspection. Empty plugin matches all
// plugins, empty metric all metrics. t1 <= 0 means no upper bound.
func (s *Store) Export(plugin, metric string, t0, t1 int64) []ExportSeries {
	if t1 <= 0 {
		t1 = math.MaxInt64
	}
	var out []ExportSeries
	for _, key := range s.Keys() {
		if plugin != "" && key.Plugin != plugin {
			continue
		}
		if metric != "" && key.Metric != metric {
			continue
		}
		readings, err := s.Range(key, t0, t1)
		if err != nil {
			continue
		}
		out = append(out, ExportSeries{Plugin: key.Plugin, Metric: key.Metric, Readings: readings})
	}
	return out
}

// Close flushes the persistence queue and releases file handles.
func (s *Store) Close() {
	if s.persist != nil {
		s.persist.stop()
	}
}

func (s *Store) lookup(key model.SeriesKey) *series {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series[key]
}

func (s *Store) getOrCreate(key model.SeriesKey) *series {
	s.mu.RLock()
	sr := s.series[key]
	s.mu.RUnlock()
	if sr != nil {
		return sr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr = s.series[key]; sr == nil {
		sr = &series{buf: make([]model.MetricReading, s.maxPoints)}
		s.series[key] = sr
	}
	return sr
}

// push appends to the ring. The caller holds the series lock and has
// already made room.
func (sr *series) push(r model.MetricReading) {
	sr.buf[(sr.head+sr.size)%len(sr.buf)] = r
	sr.size++
}

// rotate removes and returns the oldest half of a full ring.
func (sr *series) rotate() []model.MetricReading {
	n := sr.size / 2
	if n == 0 {
		n = 1
	}
	out := make([]model.MetricReading, n)
	for i := 0; i < n; i++ {
		out[i] = sr.buf[(sr.head+i)%len(sr.buf)]
	}
	sr.head = (sr.head + n) % len(sr.buf)
	sr.size -= n
	return out
}

// snapshot copies the ring contents in order, oldest first.
func (sr *series) snapshot() []model.MetricReading {
	out := make([]model.MetricReading, sr.size)
	for i := 0; i < sr.size; i++ {
		out[i] = sr.buf[(sr.head+i)%len(sr.buf)]
	}
	return out
}
