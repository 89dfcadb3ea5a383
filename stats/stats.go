// Package stats records Listener metrics.
//
// A Recorder is a sqpool.MetricHandler that forwards events to a Store
// without blocking the workers reporting them. Recording is best effort:
// when the Store falls behind, events are dropped and counted.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/leelynne/sqpool"
)

// Event is one metric report.
type Event struct {
	Type     sqpool.MetricType
	Value    float64
	InFlight int
	At       time.Time
}

// Store persists events.
type Store interface {
	Record(ctx context.Context, ev Event) error
}

// Recorder queues events for a Store.
type Recorder struct {
	store   Store
	log     logrus.FieldLogger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	events  chan Event
	dropped atomic.Int64
	done    chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBuffer sets how many events may wait for the Store. The default is 1024.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) { r.events = make(chan Event, n) }
}

// WithRecordTimeout bounds each Store.Record call. The default is one second.
func WithRecordTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.timeout = d }
}

// WithRecorderLogger sets the logger for Store errors.
func WithRecorderLogger(l logrus.FieldLogger) RecorderOption {
	return func(r *Recorder) { r.log = l }
}

// NewRecorder starts a Recorder writing to store. Close it to flush.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		log:     logrus.StandardLogger(),
		timeout: time.Second,
		events:  make(chan Event, 1024),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Handle has the signature of sqpool.MetricHandler. Events reported after
// Close are dropped.
func (r *Recorder) Handle(mtype sqpool.MetricType, val float64, inflight int) {
	ev := Event{Type: mtype, Value: val, InFlight: inflight, At: time.Now()}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was
// full or the Recorder was closed.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits until the queued ones are
// recorded. It may be called more than once.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.store.Record(ctx, ev); err != nil {
			r.log.WithError(err).WithField("metric", ev.Type.String()).Warn("failed to record metric")
		}
		cancel()
	}
}
