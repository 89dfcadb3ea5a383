package sqpool

import (
	"sync/atomic"

	"golang.org/x/net/context"
	"golang.org/x/sync/semaphore"
)

// permits bounds the number of received but unfinished messages. The
// coordinator acquires a whole batch before each receive and gives back what
// the receive did not use; every received message gives back exactly one.
type permits struct {
	sem      *semaphore.Weighted
	capacity int64
	acquired atomic.Int64
	released atomic.Int64
}

func newPermits(capacity int) *permits {
	return &permits{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

func (p *permits) acquire(ctx context.Context, n int) error {
	if err := p.sem.Acquire(ctx, int64(n)); err != nil {
		return err
	}
	p.acquired.Add(int64(n))
	return nil
}

// release panics if more permits are released than are held.
func (p *permits) release(n int) {
	if n <= 0 {
		return
	}
	p.released.Add(int64(n))
	p.sem.Release(int64(n))
}

// outstanding is the number of permits currently held.
func (p *permits) outstanding() int64 {
	return p.acquired.Load() - p.released.Load()
}
