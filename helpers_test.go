package jobflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
	"github.com/andrewwormald/jobflow/adapters/memqueue"
	"github.com/andrewwormald/jobflow/adapters/mempubsub"
	"github.com/andrewwormald/jobflow/adapters/memstore"
)

type harness struct {
	engine *jobflow.Engine
	queue  *memqueue.Queue
	store  *memstore.Store
	pubsub *mempubsub.PubSub
}

func newHarness(t *testing.T, opts ...jobflow.Option) *harness {
	t.Helper()

	h := &harness{
		queue:  memqueue.New(),
		store:  memstore.New(),
		pubsub: mempubsub.New(),
	}

	opts = append([]jobflow.Option{
		jobflow.WithErrBackOff(10 * time.Millisecond),
		jobflow.WithScheduleRefresh(0),
	}, opts...)

	h.engine = jobflow.New(h.queue, h.store, h.store, h.pubsub, opts...)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.Run(ctx)
	t.Cleanup(func() {
		cancel()
		h.engine.Stop()
	})
}

// awaitStatus waits for the record to reach the status and returns it.
func (h *harness) awaitStatus(t *testing.T, id int64, status jobflow.JobStatus) *jobflow.Record {
	t.Helper()

	var rec *jobflow.Record
	require.Eventually(t, func() bool {
		r, err := h.store.Lookup(context.Background(), id)
		if err != nil {
			return false
		}

		rec = r
		return r.Status == status
	}, 5*time.Second, 5*time.Millisecond)

	return rec
}

// recordByJobID finds the record created for the job.
func (h *harness) recordByJobID(t *testing.T, workflow, jobID string) *jobflow.Record {
	t.Helper()

	list, err := h.store.List(context.Background(), workflow, jobflow.JobStatusUnknown, 0, 1000)
	jtest.RequireNil(t, err)

	for _, r := range list {
		if r.JobID == jobID {
			return &r
		}
	}

	t.Fatalf("no record for job %s", jobID)
	return nil
}

// counter counts step executions by step name.
type counter struct {
	mu     sync.Mutex
	counts map[string]int
	order  []string
}

func newCounter() *counter {
	return &counter{counts: make(map[string]int)}
}

func (c *counter) step(name string) jobflow.StepFunc {
	return func(ctx context.Context, sc *jobflow.StepContext) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.counts[name]++
		c.order = append(c.order, name)
		return nil
	}
}

func (c *counter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counts[name]
}

func (c *counter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, v := range c.counts {
		n += v
	}

	return n
}

// stepIndexRecorder wraps a RecordStore and records every persisted step index per record.
type stepIndexRecorder struct {
	jobflow.RecordStore

	mu      sync.Mutex
	history map[int64][]int
}

func (s *stepIndexRecorder) Update(ctx context.Context, r *jobflow.Record) error {
	s.mu.Lock()
	s.history[r.ID] = append(s.history[r.ID], r.StepIndex)
	s.mu.Unlock()

	return s.RecordStore.Update(ctx, r)
}

func (s *stepIndexRecorder) indexes(id int64) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.history[id]...)
}
