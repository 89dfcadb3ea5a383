package sqpool

import (
	"errors"
	"sync"
	"time"
)

var (
	errPoolClosed = errors.New("sqpool: worker pool closed")
	errPoolFull   = errors.New("sqpool: worker pool queue full")
)

// workerPool is a fixed set of goroutines draining a task queue. Closing the
// pool lets queued tasks finish; done is closed once every worker has exited.
type workerPool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWorkerPool(workers, queueSize int) *workerPool {
	p := &workerPool{
		tasks: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p
}

// submit queues task without blocking.
func (p *workerPool) submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return errPoolFull
	}
}

func (p *workerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
}

func (p *workerPool) drained() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// await reports whether the pool drained within timeout.
func (p *workerPool) await(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}
