// Package ratelimit provides a token bucket for throttling work.
//
// A TokenBucket holds a fixed number of tokens. Taking a token immediately
// puts a replacement in the bucket that becomes available after the token
// replacement delay. A fresh bucket of capacity C allows a burst of C takes
// with no delay; after that the sustained rate is C per delay.
package ratelimit

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/context"
)

// ErrInvalidParameters is returned for a capacity below one or a negative delay.
var ErrInvalidParameters = errors.New("ratelimit: capacity must be >= 1 and delay >= 0")

// TokenBucket is safe for concurrent use.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int
	delay    time.Duration
	tokens   tokenHeap
	// changed is closed and replaced whenever the parameters change so that
	// waiters re-examine the bucket.
	changed chan struct{}
	now     func() time.Time
}

// New returns a bucket holding capacity tokens, all available immediately.
func New(capacity int, delay time.Duration) (*TokenBucket, error) {
	if capacity < 1 || delay < 0 {
		return nil, fmt.Errorf("%w: capacity=%d delay=%s", ErrInvalidParameters, capacity, delay)
	}
	b := &TokenBucket{
		capacity: capacity,
		delay:    delay,
		changed:  make(chan struct{}),
		now:      time.Now,
	}
	now := b.now()
	b.tokens = make(tokenHeap, 0, capacity)
	for i := 0; i < capacity; i++ {
		b.tokens = append(b.tokens, now)
	}
	heap.Init(&b.tokens)
	return b, nil
}

// FromRate returns a bucket allowing bursts of burst operations and a
// sustained perSecond operations per second.
func FromRate(perSecond float64, burst int) (*TokenBucket, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("%w: rate must be > 0, got %v", ErrInvalidParameters, perSecond)
	}
	delay := time.Duration(float64(burst) / perSecond * float64(time.Second))
	return New(burst, delay)
}

// TakeToken blocks until a token is available and takes it. It only fails
// when ctx is done.
func (b *TokenBucket) TakeToken(ctx context.Context) error {
	for {
		wait, changed, ok := b.tryTake()
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-changed:
			t.Stop()
		case <-t.C:
		}
	}
}

// Wait is TakeToken; it lets a TokenBucket stand in for a rate.Limiter.
func (b *TokenBucket) Wait(ctx context.Context) error {
	return b.TakeToken(ctx)
}

// PollToken takes a token if one is available now.
func (b *TokenBucket) PollToken() bool {
	_, _, ok := b.tryTake()
	return ok
}

// PollTokenTimeout waits up to timeout for a token and reports whether one
// was taken.
func (b *TokenBucket) PollTokenTimeout(timeout time.Duration) bool {
	if timeout <= 0 {
		return b.PollToken()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return b.TakeToken(ctx) == nil
}

// SetParameters changes the capacity and the replacement delay. Added
// tokens are available immediately; when the capacity shrinks arbitrary
// tokens are discarded. The new delay applies to replacements created from
// now on, so the rate moves to the new value over one old delay period.
func (b *TokenBucket) SetParameters(capacity int, delay time.Duration) error {
	if capacity < 1 || delay < 0 {
		return fmt.Errorf("%w: capacity=%d delay=%s", ErrInvalidParameters, capacity, delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if capacity > len(b.tokens) {
		now := b.now()
		for len(b.tokens) < capacity {
			heap.Push(&b.tokens, now)
		}
	} else if capacity < len(b.tokens) {
		// Truncating a binary heap's backing slice keeps the heap property.
		b.tokens = b.tokens[:capacity]
	}
	b.capacity = capacity
	b.delay = delay

	close(b.changed)
	b.changed = make(chan struct{})
	return nil
}

// BucketCapacity returns the number of tokens in the bucket.
func (b *TokenBucket) BucketCapacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// TokenReplacementDelay returns how long a replacement token takes to become
// available.
func (b *TokenBucket) TokenReplacementDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// Size returns the number of tokens held, available or pending. It always
// equals BucketCapacity.
func (b *TokenBucket) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens)
}

// Available returns the number of tokens that could be taken right now.
func (b *TokenBucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	n := 0
	for _, at := range b.tokens {
		if !at.After(now) {
			n++
		}
	}
	return n
}

// tryTake takes the earliest token if it is available. Otherwise it returns
// how long until that token is available and the channel signalling a
// parameter change.
func (b *TokenBucket) tryTake() (time.Duration, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if wait := b.tokens[0].Sub(now); wait > 0 {
		return wait, b.changed, false
	}
	// The replacement takes the slot of the token just taken.
	b.tokens[0] = now.Add(b.delay)
	heap.Fix(&b.tokens, 0)
	return 0, nil, true
}

// tokenHeap orders tokens by the time they become available.
type tokenHeap []time.Time

func (h tokenHeap) Len() int           { return len(h) }
func (h tokenHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h tokenHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *tokenHeap) Push(x interface{}) { *h = append(*h, x.(time.Time)) }

func (h *tokenHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
