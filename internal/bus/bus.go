// Package bus provides the bounded in-process event stream between
// the evaluators and the notification dispatcher. When the queue is
// full the oldest droppable event is discarded; recoveries and
// criticals are kept as long as anything else can go.
package bus

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/azzuwayed/serversentry/internal/model"
)

// DefaultCapacity bounds the pending queue.
const DefaultCapacity = 1024

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus: closed")

// Stats is a point-in-time view of the bus counters.
type Stats struct {
	Published uint64
	Dropped   uint64
	Pending   int
}

// Bus is a single ordered queue pumped to one consumer channel.
// Consumers must drain Events() until it closes.
type Bus struct {
	capacity int
	logger   *zap.Logger
	out      chan model.Event

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []model.Event
	closed    bool
	published uint64
	dropped   uint64
}

// New returns a running bus. A capacity of zero or less means
// DefaultCapacity.
func New(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		capacity: capacity,
		logger:   logger.Named("bus"),
		out:      make(chan model.Event),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Publish enqueues an event, discarding the oldest droppable one if
// the queue is full.
func (b *Bus) Publish(ev model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.queue = append(b.queue, ev)
	b.published++
	if len(b.queue) > b.capacity {
		victim := victimIndex(b.queue)
		dropped := b.queue[victim]
		copy(b.queue[victim:], b.queue[victim+1:])
		b.queue = b.queue[:len(b.queue)-1]
		b.dropped++
		b.logger.Warn("queue full, dropping event",
			zap.String("kind", string(dropped.EventKind())),
			zap.String("source", dropped.Source()))
	}
	b.cond.Signal()
	return nil
}

// Events returns the consumer channel. It closes once Close has been
// called and the queue is drained.
func (b *Bus) Events() <-chan model.Event { return b.out }

// Close stops accepting events. Already queued events are still
// delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cond.Signal()
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Published: b.published, Dropped: b.dropped, Pending: len(b.queue)}
}

func (b *Bus) run() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			close(b.out)
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		b.out <- ev
	}
}

// victimIndex picks the oldest droppable event, falling back to the
// oldest overall when everything queued is protected.
func victimIndex(queue []model.Event) int {
	for i, ev := range queue {
		if !protected(ev) {
			return i
		}
	}
	return 0
}

// protected marks the events worth keeping under pressure: status
// recoveries and criticals, and composite recoveries and
// critical-or-worse triggers.
func protected(ev model.Event) bool {
	switch e := ev.(type) {
	case *model.StatusEvent:
		return e.Recovery || e.Status == model.StatusCritical
	case *model.CompositeEvent:
		return e.Recovery || e.Severity >= model.SeverityCritical
	default:
		return false
	}
}
