package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestAddValidates(t *testing.T) {
	t.Parallel()

	s := New(discard)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add("status", "@every 30m", noop))
	assert.True(t, errors.Is(s.Add("status", "@hourly", noop), faults.ErrInvalidArgument), "duplicate")
	assert.True(t, errors.Is(s.Add("bad", "jede Stunde", noop), faults.ErrInvalidArgument))
	assert.True(t, errors.Is(s.Add("", "@hourly", noop), faults.ErrInvalidArgument))
	assert.True(t, errors.Is(s.Add("nil", "@hourly", nil), faults.ErrInvalidArgument))
	require.NoError(t, s.Add("nightly", "0 3 * * *", noop))

	jobs := s.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, "nightly", jobs[0].ID)
	assert.Equal(t, "status", jobs[1].ID)

	require.NoError(t, s.Remove("nightly"))
	assert.True(t, errors.Is(s.Remove("nightly"), faults.ErrNotFound))
}

func TestRunNowRecordsOutcome(t *testing.T) {
	t.Parallel()

	s := New(discard)
	require.NoError(t, s.Add("ok", "@hourly", func(context.Context) error { return nil }))
	require.NoError(t, s.Add("fail", "@hourly", func(context.Context) error { return errors.New("discord offline") }))
	require.NoError(t, s.Add("panic", "@hourly", func(context.Context) error { panic("kaputt") }))

	for _, id := range []string{"ok", "fail", "panic"} {
		require.NoError(t, s.RunNow(id))
	}
	assert.True(t, errors.Is(s.RunNow("missing"), faults.ErrNotFound))

	byID := map[string]Job{}
	for _, j := range s.List() {
		byID[j.ID] = j
	}
	assert.Equal(t, 1, byID["ok"].Runs)
	assert.Empty(t, byID["ok"].LastError)
	assert.Equal(t, "discord offline", byID["fail"].LastError)
	assert.Equal(t, "panic: kaputt", byID["panic"].LastError)
	assert.False(t, byID["panic"].LastRunAt.IsZero())
}

func TestScheduledJobsFire(t *testing.T) {
	t.Parallel()

	s := New(discard)
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		runs.Add(1)
		return nil
	}))

	s.Start(context.Background())
	defer s.Stop()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestJobsDoNotOverlap(t *testing.T) {
	t.Parallel()

	s := New(discard)
	release := make(chan struct{})
	var active, maxActive atomic.Int32
	require.NoError(t, s.Add("slow", "@hourly", func(context.Context) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		<-release
		active.Add(-1)
		return nil
	}))

	done := make(chan struct{})
	go func() {
		_ = s.RunNow("slow")
		close(done)
	}()
	require.Eventually(t, func() bool { return active.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.RunNow("slow"), "second run is skipped, not queued")
	close(release)
	<-done

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 1, s.List()[0].Runs)
}
