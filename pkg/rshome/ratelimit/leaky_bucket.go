// Package ratelimit provides a non-blocking leaky bucket used to throttle
// calls into external backends.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

// LeakyBucket admits at most Capacity operations per Window. The level drains
// continuously at Capacity/Window per second, so a bucket left idle for a full
// window is empty again. TryAcquire never blocks and never queues.
type LeakyBucket struct {
	capacity int
	window   time.Duration
	limiter  *rate.Limiter
	now      func() time.Time
}

// New creates a bucket with the given capacity and drain window.
func New(capacity int, window time.Duration) (*LeakyBucket, error) {
	if capacity <= 0 {
		return nil, faults.Invalid("capacity must be positive, got %d", capacity)
	}
	if window <= 0 {
		return nil, faults.Invalid("window must be positive, got %s", window)
	}
	perSecond := float64(capacity) / window.Seconds()
	return &LeakyBucket{
		capacity: capacity,
		window:   window,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), capacity),
		now:      time.Now,
	}, nil
}

// MustNew is New for static configuration; it panics on invalid arguments.
func MustNew(capacity int, window time.Duration) *LeakyBucket {
	b, err := New(capacity, window)
	if err != nil {
		panic(err)
	}
	return b
}

// TryAcquire consumes one unit and returns true if the bucket has room.
// A denied call leaves the bucket unchanged.
func (b *LeakyBucket) TryAcquire() bool {
	return b.limiter.AllowN(b.now(), 1)
}

// Capacity returns the maximum number of units admitted per window.
func (b *LeakyBucket) Capacity() int { return b.capacity }

// Window returns the time it takes a full bucket to drain.
func (b *LeakyBucket) Window() time.Duration { return b.window }

// Available reports how many units could be acquired right now.
func (b *LeakyBucket) Available() int {
	n := int(b.limiter.TokensAt(b.now()))
	if n < 0 {
		return 0
	}
	return n
}
