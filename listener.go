package sqpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

var (
	// ErrAlreadyStarted is returned by Start on a running Listener.
	ErrAlreadyStarted = errors.New("sqpool: listener already started")
	// ErrListenerClosed is returned by Start once shutdown was requested.
	ErrListenerClosed = errors.New("sqpool: listener shut down")
)

// State is the lifecycle state of a Listener.
type State int32

const (
	// StateNotStarted is the state of a new Listener.
	StateNotStarted State = iota
	// StateRunning means the coordinator is polling.
	StateRunning
	// StateShutdownRequested means Shutdown was called and dispatched
	// messages may still be running.
	StateShutdownRequested
	// StateTerminated means shutdown was requested and the pool drained.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateShutdownRequested:
		return "shutdown_requested"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Listener keeps a fixed pool of workers fed with messages from a Source.
//
// A single coordinator goroutine acquires a batch worth of permits, receives
// up to that many messages, gives back the unused permits and dispatches each
// message to the pool. Workers run the handler, delete the message and give
// back one permit. The permit count therefore bounds the messages that are
// received but not finished to Workers*RunnablesPerWorker + MaxBatch - 1.
type Listener struct {
	src  Source
	res  Resolver
	opts options
	log  logrus.FieldLogger

	permits  *permits
	pool     *workerPool
	inFlight atomic.Int64

	mu       sync.Mutex
	state    State
	stop     atomic.Bool
	imminent atomic.Bool

	pollCtx   context.Context
	stopPoll  func()
	taskCtx   context.Context
	stopTasks func()
}

// New creates a Listener consuming from src and dispatching through res.
func New(src Source, res Resolver, opts ...Option) (*Listener, error) {
	if src == nil {
		return nil, errors.New("sqpool: nil source")
	}
	if res == nil {
		return nil, errors.New("sqpool: nil resolver")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	switch {
	case o.workers < 1:
		return nil, fmt.Errorf("sqpool: workers must be >= 1, got %d", o.workers)
	case o.maxBatch < 1:
		return nil, fmt.Errorf("sqpool: max batch must be >= 1, got %d", o.maxBatch)
	case o.runnablesPerWorker < 1:
		return nil, fmt.Errorf("sqpool: runnables per worker must be >= 1, got %d", o.runnablesPerWorker)
	case o.deleteAttempts < 1:
		return nil, fmt.Errorf("sqpool: delete attempts must be >= 1, got %d", o.deleteAttempts)
	}

	pollctx, pollcancel := context.WithCancel(context.Background())
	taskctx, taskcancel := context.WithCancel(context.Background())
	capacity := o.permitCapacity()
	return &Listener{
		src:       src,
		res:       res,
		opts:      o,
		log:       o.logger,
		permits:   newPermits(capacity),
		pool:      newWorkerPool(o.workers, capacity),
		pollCtx:   pollctx,
		stopPoll:  pollcancel,
		taskCtx:   taskctx,
		stopTasks: taskcancel,
	}, nil
}

// Start launches the coordinator and returns without blocking.
func (l *Listener) Start() error {
	l.mu.Lock()
	switch l.state {
	case StateRunning:
		l.mu.Unlock()
		return ErrAlreadyStarted
	case StateShutdownRequested, StateTerminated:
		l.mu.Unlock()
		return ErrListenerClosed
	}
	l.state = StateRunning
	l.mu.Unlock()

	if n, ok := l.res.(StartNotifier); ok {
		n.ListenerStarted(l)
	}
	l.log.WithFields(logrus.Fields{
		"workers":   l.opts.workers,
		"max_batch": l.opts.maxBatch,
		"permits":   l.opts.permitCapacity(),
	}).Info("listener started")
	go l.run()
	return nil
}

// PrepareForShutdown shortens the long poll of subsequent receives so that
// a following Shutdown takes effect quickly. The listener keeps running.
func (l *Listener) PrepareForShutdown() {
	l.imminent.Store(true)
}

// Shutdown stops the coordinator after its current iteration. Messages
// already dispatched are still processed. A receive the coordinator was
// about to start when Shutdown ran may still go out; the messages it
// returns are processed like any other. Stop cancels such a receive.
// If the listener was never started the worker pool is shut down directly.
func (l *Listener) Shutdown() {
	l.stop.Store(true)
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateNotStarted:
		l.state = StateShutdownRequested
		l.pool.close()
	case StateRunning:
		l.state = StateShutdownRequested
	}
}

// AwaitShutdown blocks until every dispatched message has finished or
// timeout elapses, and reports whether the pool drained.
func (l *Listener) AwaitShutdown(timeout time.Duration) bool {
	return l.pool.await(timeout)
}

// Stop prepares for shutdown, shuts down, cancels a long poll in progress and
// waits up to maxWait for in-flight messages. If they do not finish in time
// the context passed to handlers is cancelled. It reports whether the pool
// drained within maxWait.
func (l *Listener) Stop(maxWait time.Duration) bool {
	l.PrepareForShutdown()
	l.Shutdown()
	l.stopPoll()
	if l.AwaitShutdown(maxWait) {
		return true
	}
	l.log.WithField("max_wait", maxWait).Warn("in-flight messages did not finish, cancelling handlers")
	l.stopTasks()
	return false
}

// State returns the lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	s := l.state
	l.mu.Unlock()
	if s == StateShutdownRequested && l.pool.drained() {
		return StateTerminated
	}
	return s
}

// ShutdownImminent reports whether PrepareForShutdown was called.
func (l *Listener) ShutdownImminent() bool {
	return l.imminent.Load()
}

// InFlight returns the number of received messages that have not finished.
func (l *Listener) InFlight() int {
	return int(l.inFlight.Load())
}

func (l *Listener) run() {
	defer l.pool.close()
	for !l.stop.Load() {
		l.poll()
	}
	l.log.Info("listener stopped polling")
	l.metric(MetricShutdown, 1)
}

// poll runs one coordinator iteration.
func (l *Listener) poll() {
	max := l.opts.maxBatch
	if err := l.permits.acquire(l.pollCtx, max); err != nil {
		return
	}
	if l.stop.Load() {
		l.permits.release(max)
		return
	}

	msgs, err := l.src.Receive(l.pollCtx, l.waitSeconds(), max)
	if err != nil {
		l.permits.release(max)
		if l.stop.Load() {
			return
		}
		l.log.WithError(err).Error("failed to receive messages")
		l.metric(MetricPollFailure, 1)
		l.pause(l.opts.receiveErrorPause)
		return
	}
	if len(msgs) > max {
		l.log.WithFields(logrus.Fields{
			"received":  len(msgs),
			"max_batch": max,
		}).Warn("source returned more messages than requested, ignoring the surplus")
		msgs = msgs[:max]
	}
	l.permits.release(max - len(msgs))
	if len(msgs) == 0 {
		return
	}
	l.inFlight.Add(int64(len(msgs)))
	l.metric(MetricReceive, float64(len(msgs)))

	for i, m := range msgs {
		h := l.res.Resolve(m)
		if h == nil {
			l.log.WithField("message_id", m.ID).Trace("no handler for message")
			l.metric(MetricUnhandled, 1)
			l.finish(m)
			continue
		}
		if l.opts.throttle != nil {
			if err := l.opts.throttle.Wait(l.pollCtx); err != nil {
				if l.pollCtx.Err() == nil {
					l.log.WithError(err).WithField("abandoned", len(msgs)-i).Warn("throttle failed, abandoning messages")
				}
				// Undispatched messages stay on the queue and reappear
				// once their visibility timeout expires.
				for _, rest := range msgs[i:] {
					l.abandon(rest)
				}
				l.pause(l.opts.receiveErrorPause)
				return
			}
		}
		if err := l.pool.submit(func() { l.process(h, m) }); err != nil {
			l.log.WithError(err).WithField("message_id", m.ID).Error("failed to submit message to worker pool")
			l.finish(m)
		}
	}
}

func (l *Listener) waitSeconds() int {
	if l.imminent.Load() {
		return int(l.opts.imminentPollWait / time.Second)
	}
	return int(l.opts.pollWait / time.Second)
}

// pause sleeps for d unless the poll context is cancelled first.
func (l *Listener) pause(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.pollCtx.Done():
	}
}

// process runs on a worker.
func (l *Listener) process(h Handler, m *Message) {
	l.handle(h, m)
	l.finish(m)
}

func (l *Listener) handle(h Handler, m *Message) {
	logger := l.log.WithField("message_id", m.ID)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("handler panicked: %v", r)
			l.metric(MetricHandlerError, 1)
		}
	}()
	if err := h.HandleMessage(l.taskCtx, m); err != nil {
		logger.WithError(err).Error("handler failed")
		l.metric(MetricHandlerError, 1)
		return
	}
	l.metric(MetricHandled, 1)
}

// finish deletes m and gives back its permit.
func (l *Listener) finish(m *Message) {
	defer l.abandon(m)
	l.delete(m)
}

// abandon gives back the permit of m without deleting it.
func (l *Listener) abandon(_ *Message) {
	l.inFlight.Add(-1)
	l.permits.release(1)
}

func (l *Listener) delete(m *Message) bool {
	logger := l.log.WithField("message_id", m.ID)
	attempts := l.opts.deleteAttempts
	for attempt := 1; ; attempt++ {
		err := l.src.Delete(l.taskCtx, m)
		if err == nil {
			l.metric(MetricAck, 1)
			return true
		}
		if attempt >= attempts || l.taskCtx.Err() != nil {
			logger.WithError(err).Errorf("failed to delete message after %d attempts, giving up", attempt)
			l.metric(MetricAckFailure, 1)
			return false
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("failed to delete message, retrying")
		time.Sleep(l.opts.deleteBackoff)
	}
}

// metric reports to the MetricHandler. A panicking handler is logged and
// does not reach the worker.
func (l *Listener) metric(mtype MetricType, val float64) {
	if l.opts.metrics == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("metric", mtype.String()).Errorf("metric handler panicked: %v", r)
		}
	}()
	l.opts.metrics(mtype, val, l.InFlight())
}
