package sqpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/net/context"
)

// fakeSource is an in-memory queue that records every call made to it.
type fakeSource struct {
	mu         sync.Mutex
	queue      []*Message
	receives   int
	waits      []int
	deletes    map[string]int
	deleted    []string
	receiveErr func(call int) error
	deleteErr  func(m *Message, attempt int) error
}

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{deletes: make(map[string]int)}
	s.push(n)
	return s
}

func (s *fakeSource) push(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.queue) + len(s.deleted)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m-%d", start+i)
		s.queue = append(s.queue, &Message{ID: id, ReceiptHandle: "rh-" + id, Body: id})
	}
}

func (s *fakeSource) Receive(ctx context.Context, waitSeconds int, maxMessages int) ([]*Message, error) {
	s.mu.Lock()
	s.receives++
	call := s.receives
	s.waits = append(s.waits, waitSeconds)
	if s.receiveErr != nil {
		if err := s.receiveErr(call); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	n := maxMessages
	if n > len(s.queue) {
		n = len(s.queue)
	}
	out := s.queue[:n]
	s.queue = s.queue[n:]
	s.mu.Unlock()

	if n == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return out, nil
}

func (s *fakeSource) Delete(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes[m.ID]++
	if s.deleteErr != nil {
		if err := s.deleteErr(m, s.deletes[m.ID]); err != nil {
			return err
		}
	}
	s.deleted = append(s.deleted, m.ID)
	return nil
}

func (s *fakeSource) deletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deleted)
}

func (s *fakeSource) deleteAttempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[id]
}

func (s *fakeSource) receiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receives
}

func (s *fakeSource) lastWait() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waits) == 0 {
		return -1
	}
	return s.waits[len(s.waits)-1]
}

// metricCounter records MetricHandler events.
type metricCounter struct {
	mu          sync.Mutex
	counts      map[MetricType]float64
	maxInflight int
}

func newMetricCounter() *metricCounter {
	return &metricCounter{counts: make(map[MetricType]float64)}
}

func (c *metricCounter) handle(mtype MetricType, val float64, inflight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[mtype] += val
	if inflight > c.maxInflight {
		c.maxInflight = inflight
	}
}

func (c *metricCounter) get(mtype MetricType) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[mtype]
}

func nullLogger() (*logrus.Logger, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)
	return logger, hook
}

// testOptions keep retries and pauses short.
func testOptions(logger logrus.FieldLogger, extra ...Option) []Option {
	opts := []Option{
		WithLogger(logger),
		WithWorkers(4),
		WithPollWait(20*time.Second, 2*time.Second),
		WithReceiveErrorPause(10 * time.Millisecond),
		WithDeleteRetry(5, time.Millisecond),
	}
	return append(opts, extra...)
}
