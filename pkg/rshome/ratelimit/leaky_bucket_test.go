package ratelimit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBucket(t *testing.T, capacity int, window time.Duration) (*LeakyBucket, *fakeClock) {
	t.Helper()
	b, err := New(capacity, window)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b.now = clock.Now
	return b, clock
}

func TestTryAcquireCapacity(t *testing.T) {
	t.Parallel()

	b, _ := newTestBucket(t, 3, 10*time.Second)

	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire(), "fourth call must be denied")
	assert.False(t, b.TryAcquire(), "denied calls must not change the level")
}

func TestTryAcquireRestoresAfterWindow(t *testing.T) {
	t.Parallel()

	b, clock := newTestBucket(t, 3, 10*time.Second)
	for i := 0; i < 3; i++ {
		require.True(t, b.TryAcquire())
	}
	require.False(t, b.TryAcquire())

	clock.Advance(10 * time.Second)
	assert.Equal(t, 3, b.Available())
	for i := 0; i < 3; i++ {
		assert.True(t, b.TryAcquire(), "call %d after full window", i+1)
	}
	assert.False(t, b.TryAcquire())
}

func TestTryAcquirePartialDrain(t *testing.T) {
	t.Parallel()

	b, clock := newTestBucket(t, 10, 60*time.Second)
	for i := 0; i < 10; i++ {
		require.True(t, b.TryAcquire())
	}
	require.False(t, b.TryAcquire())

	// one unit drains every six seconds
	clock.Advance(7 * time.Second)
	assert.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())
}

func TestTryAcquireConcurrent(t *testing.T) {
	t.Parallel()

	b, _ := newTestBucket(t, 50, time.Hour)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryAcquire() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), granted.Load())
}

func TestNewRejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		capacity int
		window   time.Duration
	}{
		{"zero capacity", 0, time.Second},
		{"negative capacity", -1, time.Second},
		{"zero window", 1, 0},
		{"negative window", 1, -time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.capacity, tt.window)
			require.Error(t, err)
			assert.True(t, errors.Is(err, faults.ErrInvalidArgument))
		})
	}
}
