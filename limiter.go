package jobflow

import (
	"context"
	"sync"
)

// limiter is the per-workflow counting semaphore that bounds the number of executing jobs. Workers acquire a slot
// before popping so that jobs waiting for a slot remain on the queue in FIFO order. It also gates the worker loop
// while the workflow is paused.
type limiter struct {
	// slots is nil when the workflow is unbounded.
	slots chan struct{}

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newLimiter(capacity int) *limiter {
	l := &limiter{}
	if capacity > 0 {
		l.slots = make(chan struct{}, capacity)
	}

	return l
}

// Acquire blocks while the workflow is paused and then until a slot is free. A pause that arrives while waiting
// for a slot still holds the worker back.
func (l *limiter) Acquire(ctx context.Context) error {
	for {
		err := l.awaitResume(ctx)
		if err != nil {
			return err
		}

		if l.slots != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case l.slots <- struct{}{}:
			}
		}

		if !l.Paused() {
			return nil
		}

		l.Release()
	}
}

func (l *limiter) awaitResume(ctx context.Context) error {
	for {
		l.mu.Lock()
		if !l.paused {
			l.mu.Unlock()
			return nil
		}
		resume := l.resume
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}

func (l *limiter) Release() {
	if l.slots == nil {
		return
	}

	<-l.slots
}

func (l *limiter) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return
	}

	l.paused = true
	l.resume = make(chan struct{})
}

func (l *limiter) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.paused {
		return
	}

	l.paused = false
	close(l.resume)
}

func (l *limiter) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.paused
}
