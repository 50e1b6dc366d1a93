package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
)

// TestQueue runs the queue conformance suite. Each test uses its own queue name so the factory may return a shared
// backend.
func TestQueue(t *testing.T, factory func() jobflow.Queue) {
	t.Run("Pop returns jobs in push order", func(t *testing.T) {
		q := factory()
		ctx := context.Background()
		name := queueName()

		var ids []string
		for i := 0; i < 5; i++ {
			j := newJob(name, i)
			ids = append(ids, j.ID)
			jtest.RequireNil(t, q.Push(ctx, name, j))
		}

		n, err := q.Len(ctx, name)
		jtest.RequireNil(t, err)
		require.Equal(t, int64(5), n)

		for _, id := range ids {
			j, ack, err := q.Pop(ctx, name)
			jtest.RequireNil(t, err)
			require.Equal(t, id, j.ID)
			jtest.RequireNil(t, ack())
		}

		n, err = q.Len(ctx, name)
		jtest.RequireNil(t, err)
		require.Equal(t, int64(0), n)
	})

	t.Run("Job payload survives the round trip", func(t *testing.T) {
		q := factory()
		ctx := context.Background()
		name := queueName()

		last := 2
		j := newJob(name, 3)
		j.Payload.NeedResponse = true
		j.Payload.RequesterRuntimeID = "runtime"
		j.Payload.ResponseKey = "key"
		j.Payload.LastStepIndex = &last
		j.Payload.Steps = []string{"a", "b", "c"}
		jtest.RequireNil(t, q.Push(ctx, name, j))

		actual, ack, err := q.Pop(ctx, name)
		jtest.RequireNil(t, err)
		jtest.RequireNil(t, ack())

		require.Equal(t, j.ID, actual.ID)
		require.Equal(t, j.Workflow, actual.Workflow)
		require.Equal(t, j.Payload.StepIndex, actual.Payload.StepIndex)
		require.Equal(t, j.Payload.NeedResponse, actual.Payload.NeedResponse)
		require.Equal(t, j.Payload.RequesterRuntimeID, actual.Payload.RequesterRuntimeID)
		require.Equal(t, j.Payload.ResponseKey, actual.Payload.ResponseKey)
		require.Equal(t, last, *actual.Payload.LastStepIndex)
		require.Equal(t, j.Payload.Steps, actual.Payload.Steps)
		require.Equal(t, map[string]any{"n": float64(3)}, actual.Payload.Context)
		require.True(t, j.EnqueuedAt.Equal(actual.EnqueuedAt))
	})

	t.Run("Pop blocks until a job is pushed", func(t *testing.T) {
		q := factory()
		ctx := context.Background()
		name := queueName()

		popped := make(chan *jobflow.Job, 1)
		go func() {
			j, ack, err := q.Pop(ctx, name)
			if err != nil {
				return
			}

			_ = ack()
			popped <- j
		}()

		select {
		case <-popped:
			t.Fatal("popped from an empty queue")
		case <-time.After(100 * time.Millisecond):
		}

		j := newJob(name, 1)
		jtest.RequireNil(t, q.Push(ctx, name, j))

		select {
		case actual := <-popped:
			require.Equal(t, j.ID, actual.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("pop did not return after push")
		}
	})

	t.Run("Pop returns on context cancellation", func(t *testing.T) {
		q := factory()
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		t.Cleanup(cancel)

		_, _, err := q.Pop(ctx, queueName())
		require.Error(t, err)
		require.NotNil(t, ctx.Err())
	})

	t.Run("Delayed jobs are not popped early", func(t *testing.T) {
		q := factory()
		ctx := context.Background()
		name := queueName()

		delayed := newJob(name, 1)
		jtest.RequireNil(t, q.PushDelayed(ctx, name, delayed, time.Now().Add(time.Second)))

		immediate := newJob(name, 2)
		jtest.RequireNil(t, q.Push(ctx, name, immediate))

		j, ack, err := q.Pop(ctx, name)
		jtest.RequireNil(t, err)
		jtest.RequireNil(t, ack())
		require.Equal(t, immediate.ID, j.ID)

		popCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		t.Cleanup(cancel)

		t0 := time.Now()
		j, ack, err = q.Pop(popCtx, name)
		jtest.RequireNil(t, err)
		jtest.RequireNil(t, ack())
		require.Equal(t, delayed.ID, j.ID)
		require.GreaterOrEqual(t, time.Since(t0), 500*time.Millisecond)
	})

	t.Run("Queues are isolated", func(t *testing.T) {
		q := factory()
		ctx := context.Background()
		a, b := queueName(), queueName()

		jtest.RequireNil(t, q.Push(ctx, a, newJob(a, 1)))

		n, err := q.Len(ctx, b)
		jtest.RequireNil(t, err)
		require.Equal(t, int64(0), n)
	})
}

// TestRecoverer checks that jobs popped but never acked are returned to the queue by Recover.
func TestRecoverer(t *testing.T, factory func() jobflow.Queue) {
	q := factory()
	r, ok := q.(jobflow.Recoverer)
	require.True(t, ok)

	ctx := context.Background()
	name := queueName()

	first := newJob(name, 1)
	second := newJob(name, 2)
	jtest.RequireNil(t, q.Push(ctx, name, first))
	jtest.RequireNil(t, q.Push(ctx, name, second))

	j, _, err := q.Pop(ctx, name)
	jtest.RequireNil(t, err)
	require.Equal(t, first.ID, j.ID)

	jtest.RequireNil(t, r.Recover(ctx, name))

	n, err := q.Len(ctx, name)
	jtest.RequireNil(t, err)
	require.Equal(t, int64(2), n)

	// The recovered job is next in line.
	j, ack, err := q.Pop(ctx, name)
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, ack())
	require.Equal(t, first.ID, j.ID)

	// Acked jobs are not recovered.
	jtest.RequireNil(t, r.Recover(ctx, name))
	n, err = q.Len(ctx, name)
	jtest.RequireNil(t, err)
	require.Equal(t, int64(1), n)
}

func queueName() string {
	return "queue-" + uuid.New().String()
}

func newJob(workflow string, n int) *jobflow.Job {
	return &jobflow.Job{
		ID:       uuid.New().String(),
		Workflow: workflow,
		Payload: jobflow.Payload{
			StepIndex: 1,
			Context:   map[string]any{"n": n},
		},
		EnqueuedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}
