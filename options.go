package sqpool

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultWorkers            = 10
	defaultMaxBatch           = 10
	defaultRunnablesPerWorker = 2
	defaultPollWait           = 20 * time.Second
	defaultImminentPollWait   = 2 * time.Second
	defaultReceiveErrorPause  = 500 * time.Millisecond
	defaultDeleteAttempts     = 5
	defaultDeleteBackoff      = 1500 * time.Millisecond
)

type options struct {
	workers            int
	maxBatch           int
	runnablesPerWorker int
	throttle           Throttle
	logger             logrus.FieldLogger
	metrics            MetricHandler
	pollWait           time.Duration
	imminentPollWait   time.Duration
	receiveErrorPause  time.Duration
	deleteAttempts     int
	deleteBackoff      time.Duration
}

func defaultOptions() options {
	return options{
		workers:            defaultWorkers,
		maxBatch:           defaultMaxBatch,
		runnablesPerWorker: defaultRunnablesPerWorker,
		logger:             logrus.StandardLogger(),
		pollWait:           defaultPollWait,
		imminentPollWait:   defaultImminentPollWait,
		receiveErrorPause:  defaultReceiveErrorPause,
		deleteAttempts:     defaultDeleteAttempts,
		deleteBackoff:      defaultDeleteBackoff,
	}
}

// permitCapacity is the most messages that may be received but not yet
// finished at any time.
func (o options) permitCapacity() int {
	return o.workers*o.runnablesPerWorker + o.maxBatch - 1
}

// Option configures a Listener.
type Option func(*options)

// WithWorkers sets the size of the worker pool.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithMaxBatch sets how many messages are requested per receive call.
func WithMaxBatch(n int) Option {
	return func(o *options) { o.maxBatch = n }
}

// WithRunnablesPerWorker sets how many messages per worker may be queued or
// running before the coordinator stops receiving.
func WithRunnablesPerWorker(n int) Option {
	return func(o *options) { o.runnablesPerWorker = n }
}

// WithThrottle makes the coordinator wait on t before dispatching each
// message that has a handler.
func WithThrottle(t Throttle) Option {
	return func(o *options) { o.throttle = t }
}

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics registers a MetricHandler.
func WithMetrics(m MetricHandler) Option {
	return func(o *options) { o.metrics = m }
}

// WithPollWait sets the long poll durations used normally and once shutdown
// is imminent.
func WithPollWait(normal, imminent time.Duration) Option {
	return func(o *options) {
		o.pollWait = normal
		o.imminentPollWait = imminent
	}
}

// WithReceiveErrorPause sets how long the coordinator sleeps after a failed
// receive.
func WithReceiveErrorPause(d time.Duration) Option {
	return func(o *options) { o.receiveErrorPause = d }
}

// WithDeleteRetry sets the number of delete attempts and the pause between
// them.
func WithDeleteRetry(attempts int, backoff time.Duration) Option {
	return func(o *options) {
		o.deleteAttempts = attempts
		o.deleteBackoff = backoff
	}
}
