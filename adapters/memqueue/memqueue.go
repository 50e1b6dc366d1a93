// Package memqueue is an in-memory Queue for tests and single process deployments. Jobs are serialised on push so
// that they behave as they would on a real broker.
package memqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/andrewwormald/jobflow"
)

var (
	_ jobflow.Queue     = (*Queue)(nil)
	_ jobflow.Recoverer = (*Queue)(nil)
)

type Queue struct {
	mu     sync.Mutex
	clock  clock.Clock
	queues map[string]*queue
	seq    int64
}

type queue struct {
	ready    []entry
	delayed  []delayedEntry
	inflight []entry
	// dead holds popped entries that could not be decoded.
	dead [][]byte
	// notify is closed and replaced whenever a job becomes available.
	notify chan struct{}
}

type entry struct {
	seq int64
	b   []byte
}

type delayedEntry struct {
	entry
	at time.Time
}

type Option func(q *Queue)

func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		clock:  clock.RealClock{},
		queues: make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(q)
	}

	return q
}

func (q *Queue) Push(ctx context.Context, name string, j *jobflow.Job) error {
	b, err := jobflow.MarshalJob(j)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	qu := q.get(name)
	q.seq++
	qu.ready = append(qu.ready, entry{seq: q.seq, b: b})
	qu.wake()
	return nil
}

func (q *Queue) PushDelayed(ctx context.Context, name string, j *jobflow.Job, at time.Time) error {
	b, err := jobflow.MarshalJob(j)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	qu := q.get(name)
	q.seq++
	qu.delayed = append(qu.delayed, delayedEntry{entry: entry{seq: q.seq, b: b}, at: at})
	sort.SliceStable(qu.delayed, func(i, j int) bool {
		return qu.delayed[i].at.Before(qu.delayed[j].at)
	})
	qu.wake()
	return nil
}

func (q *Queue) Pop(ctx context.Context, name string) (*jobflow.Job, jobflow.Ack, error) {
	for {
		q.mu.Lock()
		qu := q.get(name)
		q.promote(qu)

		if len(qu.ready) > 0 {
			e := qu.ready[0]
			qu.ready = qu.ready[1:]

			j, err := jobflow.UnmarshalJob(e.b)
			if err != nil {
				// A job that cannot be decoded would never succeed, so it is parked rather than recovered.
				qu.dead = append(qu.dead, e.b)
				q.mu.Unlock()
				continue
			}

			qu.inflight = append(qu.inflight, e)
			q.mu.Unlock()

			return j, q.ack(name, e.seq), nil
		}

		notify := qu.notify
		var (
			t    clock.Timer
			wait <-chan time.Time
		)
		if len(qu.delayed) > 0 {
			t = q.clock.NewTimer(qu.delayed[0].at.Sub(q.clock.Now()))
			wait = t.C()
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-notify:
		case <-wait:
		}

		if t != nil {
			t.Stop()
		}

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
	}
}

func (q *Queue) Len(ctx context.Context, name string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qu := q.get(name)
	return int64(len(qu.ready) + len(qu.delayed)), nil
}

// DeadLetters returns the entries of the queue that were popped but could not be decoded.
func (q *Queue) DeadLetters(ctx context.Context, name string) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([][]byte(nil), q.get(name).dead...), nil
}

// Recover returns jobs that were popped but never acked to the front of the queue in the order they were popped.
func (q *Queue) Recover(ctx context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	qu := q.get(name)
	if len(qu.inflight) == 0 {
		return nil
	}

	qu.ready = append(qu.inflight, qu.ready...)
	qu.inflight = nil
	qu.wake()
	return nil
}

func (q *Queue) ack(name string, seq int64) jobflow.Ack {
	return func() error {
		q.mu.Lock()
		defer q.mu.Unlock()

		qu := q.get(name)
		for i, e := range qu.inflight {
			if e.seq == seq {
				qu.inflight = append(qu.inflight[:i], qu.inflight[i+1:]...)
				break
			}
		}

		return nil
	}
}

// promote moves due delayed jobs onto the ready list. Callers must hold q.mu.
func (q *Queue) promote(qu *queue) {
	now := q.clock.Now()
	for len(qu.delayed) > 0 && !qu.delayed[0].at.After(now) {
		qu.ready = append(qu.ready, qu.delayed[0].entry)
		qu.delayed = qu.delayed[1:]
	}
}

// get returns the named queue, creating it if needed. Callers must hold q.mu.
func (q *Queue) get(name string) *queue {
	qu, ok := q.queues[name]
	if !ok {
		qu = &queue{notify: make(chan struct{})}
		q.queues[name] = qu
	}

	return qu
}

func (qu *queue) wake() {
	close(qu.notify)
	qu.notify = make(chan struct{})
}
