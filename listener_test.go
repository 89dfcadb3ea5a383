package sqpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
	"golang.org/x/time/rate"
)

func startListener(t *testing.T, src Source, res Resolver, opts ...Option) *Listener {
	t.Helper()
	l, err := New(src, res, opts...)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	return l
}

func stopAndDrain(t *testing.T, l *Listener) {
	t.Helper()
	l.PrepareForShutdown()
	l.Shutdown()
	require.True(t, l.AwaitShutdown(5*time.Second), "listener did not drain")
}

// assertPermitsConserved checks that every permit acquired was released.
func assertPermitsConserved(t *testing.T, l *Listener) {
	t.Helper()
	assert.Equal(t, int64(0), l.permits.outstanding())
	assert.Equal(t, l.permits.acquired.Load(), l.permits.released.Load())
	assert.Equal(t, 0, l.InFlight())
	assert.True(t, l.permits.sem.TryAcquire(l.permits.capacity), "full permit capacity should be available")
}

func TestNew_Validation(t *testing.T) {
	res := Fixed(HandlerFunc(func(context.Context, *Message) error { return nil }))
	src := newFakeSource(0)

	_, err := New(nil, res)
	assert.Error(t, err)
	_, err = New(src, nil)
	assert.Error(t, err)
	_, err = New(src, res, WithWorkers(0))
	assert.Error(t, err)
	_, err = New(src, res, WithMaxBatch(0))
	assert.Error(t, err)
	_, err = New(src, res, WithRunnablesPerWorker(0))
	assert.Error(t, err)
	_, err = New(src, res, WithDeleteRetry(0, time.Second))
	assert.Error(t, err)
}

func TestListener_PermitCapacity(t *testing.T) {
	l, err := New(newFakeSource(0), Fixed(nil), WithWorkers(3), WithMaxBatch(10))
	require.NoError(t, err)
	assert.Equal(t, int64(3*2+10-1), l.permits.capacity)

	l, err = New(newFakeSource(0), Fixed(nil), WithWorkers(3), WithMaxBatch(4), WithRunnablesPerWorker(5))
	require.NoError(t, err)
	assert.Equal(t, int64(3*5+4-1), l.permits.capacity)
}

func TestListener_ProcessesAndDeletesEveryMessage(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(57)
	var handled atomic.Int32
	metrics := newMetricCounter()

	l := startListener(t, src, Fixed(HandlerFunc(func(_ context.Context, m *Message) error {
		handled.Add(1)
		return nil
	})), testOptions(logger, WithMetrics(metrics.handle))...)

	require.Eventually(t, func() bool { return src.deletedCount() == 57 }, 5*time.Second, 5*time.Millisecond)
	stopAndDrain(t, l)

	assert.Equal(t, int32(57), handled.Load())
	assert.Equal(t, float64(57), metrics.get(MetricReceive))
	assert.Equal(t, float64(57), metrics.get(MetricHandled))
	assert.Equal(t, float64(57), metrics.get(MetricAck))
	assert.Equal(t, float64(1), metrics.get(MetricShutdown))
	assertPermitsConserved(t, l)
}

func TestListener_HandlerErrorStillDeletes(t *testing.T) {
	logger, hook := nullLogger()
	src := newFakeSource(5)
	metrics := newMetricCounter()

	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error {
		return errors.New("boom")
	})), testOptions(logger, WithMetrics(metrics.handle))...)

	require.Eventually(t, func() bool { return src.deletedCount() == 5 }, 5*time.Second, 5*time.Millisecond)
	stopAndDrain(t, l)

	assert.Equal(t, float64(5), metrics.get(MetricHandlerError))
	assert.Equal(t, float64(5), metrics.get(MetricAck))
	var errorEntries int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "handler failed" {
			errorEntries++
		}
	}
	assert.Equal(t, 5, errorEntries)
	assertPermitsConserved(t, l)
}

func TestListener_HandlerPanicStillDeletes(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(3)

	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error {
		panic("handler bug")
	})), testOptions(logger)...)

	require.Eventually(t, func() bool { return src.deletedCount() == 3 }, 5*time.Second, 5*time.Millisecond)
	stopAndDrain(t, l)
	assertPermitsConserved(t, l)
}

func TestListener_UnresolvedMessageIsDeletedInline(t *testing.T) {
	logger, hook := nullLogger()
	src := newFakeSource(4)
	metrics := newMetricCounter()

	l := startListener(t, src, Fixed(nil), testOptions(logger, WithMetrics(metrics.handle))...)

	require.Eventually(t, func() bool { return src.deletedCount() == 4 }, 5*time.Second, 5*time.Millisecond)
	stopAndDrain(t, l)

	assert.Equal(t, float64(4), metrics.get(MetricUnhandled))
	var traces int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.TraceLevel && e.Message == "no handler for message" {
			traces++
		}
	}
	assert.Equal(t, 4, traces)
	assertPermitsConserved(t, l)
}

func TestListener_DeleteRetriesThenGivesUp(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(2)
	src.deleteErr = func(*Message, int) error { return errors.New("delete unavailable") }
	metrics := newMetricCounter()

	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error { return nil })),
		testOptions(logger, WithMetrics(metrics.handle))...)

	require.Eventually(t, func() bool { return metrics.get(MetricAckFailure) == 2 }, 5*time.Second, 5*time.Millisecond)
	stopAndDrain(t, l)

	assert.Equal(t, 5, src.deleteAttempts("m-0"))
	assert.Equal(t, 5, src.deleteAttempts("m-1"))
	assert.Equal(t, float64(0), metrics.get(MetricAck))
	assertPermitsConserved(t, l)
}

func TestListener_DeleteSucceedsOnRetry(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(1)
	src.deleteErr = func(_ *Message, attempt int) error {
		if attempt < 3 {
			return errors.New("throttled")
		}
		return nil
	}

	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error { return nil })), testOptions(logger)...)

	require.Eventually(t, func() bool { return src.deletedCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	stopAndDrain(t, l)
	assert.Equal(t, 3, src.deleteAttempts("m-0"))
	assertPermitsConserved(t, l)
}

func TestListener_ReceiveErrorPausesAndContinues(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(3)
	src.receiveErr = func(call int) error {
		if call <= 2 {
			return errors.New("network down")
		}
		return nil
	}
	metrics := newMetricCounter()

	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error { return nil })),
		testOptions(logger, WithMetrics(metrics.handle))...)

	require.Eventually(t, func() bool { return src.deletedCount() == 3 }, 5*time.Second, 5*time.Millisecond)
	stopAndDrain(t, l)
	assert.Equal(t, float64(2), metrics.get(MetricPollFailure))
	assertPermitsConserved(t, l)
}

func TestListener_InFlightBoundedByPermits(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(100)
	release := make(chan struct{})
	var running, maxRunning atomic.Int32

	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})), testOptions(logger, WithWorkers(2), WithMaxBatch(3))...)

	capacity := 2*2 + 3 - 1
	require.Eventually(t, func() bool { return l.InFlight() == capacity }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, capacity, l.InFlight(), "coordinator must not receive beyond the permit capacity")
	assert.Equal(t, int32(2), maxRunning.Load(), "only the pool's workers run handlers")

	close(release)
	require.Eventually(t, func() bool { return src.deletedCount() == 100 }, 5*time.Second, 5*time.Millisecond)
	stopAndDrain(t, l)
	assertPermitsConserved(t, l)
}

func TestListener_ShutdownStopsReceivingAndDrains(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(8)
	release := make(chan struct{})
	var finished atomic.Int32

	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error {
		<-release
		finished.Add(1)
		return nil
	})), testOptions(logger, WithWorkers(2))...)

	require.Eventually(t, func() bool { return l.InFlight() == 8 }, 5*time.Second, 5*time.Millisecond)
	l.Shutdown()
	assert.Equal(t, StateShutdownRequested, l.State())
	assert.False(t, l.AwaitShutdown(20*time.Millisecond), "handlers are still blocked")

	close(release)
	require.True(t, l.AwaitShutdown(5*time.Second))
	assert.Equal(t, StateTerminated, l.State())
	assert.Equal(t, int32(8), finished.Load())

	receives := src.receiveCount()
	src.push(5)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, receives, src.receiveCount(), "no receive after the coordinator stopped")
	assertPermitsConserved(t, l)
}

func TestListener_ShutdownBeforeStart(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(3)
	l, err := New(src, Fixed(nil), testOptions(logger)...)
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, l.State())

	l.Shutdown()
	assert.True(t, l.AwaitShutdown(time.Second))
	assert.Equal(t, StateTerminated, l.State())
	assert.ErrorIs(t, l.Start(), ErrListenerClosed)
	assert.Equal(t, 0, src.receiveCount())
}

func TestListener_AwaitShutdownWithoutShutdownTimesOut(t *testing.T) {
	logger, _ := nullLogger()
	l := startListener(t, newFakeSource(0), Fixed(nil), testOptions(logger)...)
	assert.False(t, l.AwaitShutdown(20*time.Millisecond))
	stopAndDrain(t, l)
}

func TestListener_StartTwice(t *testing.T) {
	logger, _ := nullLogger()
	l := startListener(t, newFakeSource(0), Fixed(nil), testOptions(logger)...)
	assert.Equal(t, StateRunning, l.State())
	assert.ErrorIs(t, l.Start(), ErrAlreadyStarted)
	stopAndDrain(t, l)
}

func TestListener_PrepareForShutdownShortensPoll(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(0)
	l := startListener(t, src, Fixed(nil), testOptions(logger)...)

	require.Eventually(t, func() bool { return src.lastWait() == 20 }, time.Second, time.Millisecond)
	l.PrepareForShutdown()
	assert.True(t, l.ShutdownImminent())
	assert.Equal(t, StateRunning, l.State())
	require.Eventually(t, func() bool { return src.lastWait() == 2 }, time.Second, time.Millisecond)
	stopAndDrain(t, l)
}

func TestListener_ThrottleLimitsDispatchRate(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(5)
	limiter := rate.NewLimiter(rate.Every(40*time.Millisecond), 1)

	start := time.Now()
	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error { return nil })),
		testOptions(logger, WithThrottle(limiter))...)

	require.Eventually(t, func() bool { return src.deletedCount() == 5 }, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 4*40*time.Millisecond)
	stopAndDrain(t, l)
	assertPermitsConserved(t, l)
}

type blockingThrottle struct{}

func (blockingThrottle) Wait(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestListener_StopAbandonsMessagesWaitingOnThrottle(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(4)
	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error { return nil })),
		testOptions(logger, WithThrottle(blockingThrottle{}))...)

	require.Eventually(t, func() bool { return l.InFlight() == 4 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, l.Stop(5*time.Second))
	assert.Equal(t, 0, src.deletedCount(), "abandoned messages are left for redelivery")
	assertPermitsConserved(t, l)
}

// failingThrottle rejects every wait without being cancelled.
type failingThrottle struct{}

func (failingThrottle) Wait(context.Context) error {
	return errors.New("rate: Wait(n=1) exceeds limiter's burst 0")
}

func TestListener_ThrottleErrorIsLoggedAndAbandons(t *testing.T) {
	logger, hook := nullLogger()
	src := newFakeSource(3)
	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error { return nil })),
		testOptions(logger, WithThrottle(failingThrottle{}))...)

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && e.Message == "throttle failed, abandoning messages" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, l.Stop(5*time.Second))
	assert.Equal(t, 0, src.deletedCount())
	assertPermitsConserved(t, l)
}

func TestListener_MetricHandlerPanicDoesNotStopWorkers(t *testing.T) {
	logger, hook := nullLogger()
	src := newFakeSource(6)
	var handled atomic.Int32
	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error {
		handled.Add(1)
		panic("handler bug")
	})), testOptions(logger, WithMetrics(func(MetricType, float64, int) {
		panic("metrics bug")
	}))...)

	require.Eventually(t, func() bool { return src.deletedCount() == 6 }, 5*time.Second, 5*time.Millisecond)
	stopAndDrain(t, l)
	assert.Equal(t, int32(6), handled.Load())
	assertPermitsConserved(t, l)

	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Message == "metric handler panicked: metrics bug" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestListener_StopCancelsHandlersAfterMaxWait(t *testing.T) {
	logger, _ := nullLogger()
	src := newFakeSource(1)
	var cancelled atomic.Bool
	l := startListener(t, src, Fixed(HandlerFunc(func(ctx context.Context, _ *Message) error {
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})), testOptions(logger)...)

	require.Eventually(t, func() bool { return l.InFlight() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, l.Stop(20*time.Millisecond))
	require.True(t, l.AwaitShutdown(5*time.Second))
	assert.True(t, cancelled.Load())
}

type notifyingResolver struct {
	Resolver
	mu      sync.Mutex
	started *Listener
}

func (r *notifyingResolver) ListenerStarted(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = l
}

func TestListener_NotifiesResolverOnStart(t *testing.T) {
	logger, _ := nullLogger()
	res := &notifyingResolver{Resolver: Fixed(nil)}
	l := startListener(t, newFakeSource(0), res, testOptions(logger)...)
	res.mu.Lock()
	assert.Same(t, l, res.started)
	res.mu.Unlock()
	stopAndDrain(t, l)
}

type oversizedSource struct {
	*fakeSource
}

func (s oversizedSource) Receive(ctx context.Context, waitSeconds int, _ int) ([]*Message, error) {
	return s.fakeSource.Receive(ctx, waitSeconds, 100)
}

func TestListener_IgnoresSurplusMessages(t *testing.T) {
	logger, _ := nullLogger()
	src := oversizedSource{newFakeSource(12)}
	l := startListener(t, src, Fixed(HandlerFunc(func(context.Context, *Message) error { return nil })),
		testOptions(logger, WithMaxBatch(5))...)

	require.Eventually(t, func() bool { return src.deletedCount() == 5 }, 5*time.Second, 5*time.Millisecond)
	stopAndDrain(t, l)
	assert.Equal(t, 5, src.deletedCount())
	assertPermitsConserved(t, l)
}
