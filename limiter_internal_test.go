package jobflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := newLimiter(3)
	ctx := context.Background()

	var (
		inUse   atomic.Int64
		maxSeen atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			jtest.RequireNil(t, l.Acquire(ctx))
			defer l.Release()

			n := inUse.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}

			time.Sleep(5 * time.Millisecond)
			inUse.Add(-1)
		}()
	}

	wg.Wait()
	require.Equal(t, int64(3), maxSeen.Load())
}

func TestLimiterUnbounded(t *testing.T) {
	l := newLimiter(0)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		jtest.RequireNil(t, l.Acquire(ctx))
	}

	// Release is a noop for unbounded limiters.
	l.Release()
}

func TestLimiterAcquireCancelled(t *testing.T) {
	l := newLimiter(1)
	jtest.RequireNil(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	t.Cleanup(cancel)

	err := l.Acquire(ctx)
	jtest.Require(t, context.DeadlineExceeded, err)
}

func TestLimiterPause(t *testing.T) {
	l := newLimiter(2)
	l.Pause()
	require.True(t, l.Paused())

	// Pausing twice is safe.
	l.Pause()

	acquired := make(chan struct{})
	go func() {
		jtest.RequireNil(t, l.Acquire(context.Background()))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquired a slot while paused")
	case <-time.After(20 * time.Millisecond):
	}

	l.Resume()
	require.False(t, l.Paused())

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("slot not acquired after resume")
	}

	// Resuming twice is safe.
	l.Resume()
}

func TestLimiterPauseWhileWaitingForSlot(t *testing.T) {
	l := newLimiter(1)
	jtest.RequireNil(t, l.Acquire(context.Background()))

	acquired := make(chan struct{})
	go func() {
		jtest.RequireNil(t, l.Acquire(context.Background()))
		close(acquired)
	}()

	// The second acquirer is waiting for the slot when the workflow is paused.
	time.Sleep(10 * time.Millisecond)
	l.Pause()
	l.Release()

	select {
	case <-acquired:
		t.Fatal("acquired a slot after pausing")
	case <-time.After(20 * time.Millisecond):
	}

	l.Resume()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("slot not acquired after resume")
	}
}
