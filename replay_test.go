package jobflow_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
)

func TestReplay(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, jobflow.WithDispatchOnly())
	jtest.RequireNil(t, h.engine.Register(
		simpleWorkflow("billing", "charge", "receipt"),
		jobflow.NewBuilder("hidden").Internal().AddStep("one").
			Build(jobflow.StaticFactory(jobflow.Steps{"one": noop})),
	))

	// Fill the store so the job under test is record 42.
	for range 41 {
		_, err := h.store.Create(ctx, &jobflow.Record{WorkflowName: "filler", Status: jobflow.JobStatusCompleted})
		jtest.RequireNil(t, err)
	}

	originalID, err := h.engine.Enqueue(ctx, "billing", map[string]any{"x": 0, "token": "abc"})
	jtest.RequireNil(t, err)

	original := h.recordByJobID(t, "billing", originalID)
	require.Equal(t, int64(42), original.ID)

	_, ack, err := h.queue.Pop(ctx, "billing")
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, ack())

	t.Run("With new context", func(t *testing.T) {
		jobID, err := h.engine.Replay(ctx, 42, jobflow.WithReplayContext(map[string]any{"x": 1}))
		jtest.RequireNil(t, err)
		require.NotEqual(t, originalID, jobID)

		job, ack, err := h.queue.Pop(ctx, "billing")
		jtest.RequireNil(t, err)
		jtest.RequireNil(t, ack())

		require.Equal(t, jobID, job.ID)
		require.Equal(t, map[string]any{"x": float64(1)}, job.Payload.Context)
		require.Equal(t, 0, job.Payload.StepIndex)
		require.True(t, job.Payload.IsRetry)
		require.NotEqual(t, int64(42), job.Payload.DBJobID)

		rec := h.recordByJobID(t, "billing", jobID)
		require.Equal(t, int64(42), rec.ParentID)
		require.Equal(t, jobflow.JobStatusPending, rec.Status)

		// The original record is left as it was.
		after, err := h.store.Lookup(ctx, 42)
		jtest.RequireNil(t, err)
		require.Equal(t, original.Status, after.Status)
		require.Equal(t, original.JobID, after.JobID)
	})

	t.Run("With persisted context", func(t *testing.T) {
		_, err := h.engine.Replay(ctx, 42)
		jtest.RequireNil(t, err)

		job, ack, err := h.queue.Pop(ctx, "billing")
		jtest.RequireNil(t, err)
		jtest.RequireNil(t, ack())

		// Replays without a new context get the redacted copy.
		require.Equal(t, map[string]any{"x": float64(0), "token": "[REDACTED]"}, job.Payload.Context)
	})

	t.Run("Step range", func(t *testing.T) {
		_, err := h.engine.Replay(ctx, 42, jobflow.WithReplayFromStep("receipt"), jobflow.WithReplayUntilStep("receipt"))
		jtest.RequireNil(t, err)

		job, ack, err := h.queue.Pop(ctx, "billing")
		jtest.RequireNil(t, err)
		jtest.RequireNil(t, ack())

		require.Equal(t, 1, job.Payload.StepIndex)
		require.NotNil(t, job.Payload.LastStepIndex)
		require.Equal(t, 1, *job.Payload.LastStepIndex)
	})

	t.Run("Unknown step", func(t *testing.T) {
		_, err := h.engine.Replay(ctx, 42, jobflow.WithReplayFromStep("refund"))
		jtest.Require(t, jobflow.ErrUnknownStep, err)
	})

	t.Run("Range ends before it starts", func(t *testing.T) {
		_, err := h.engine.Replay(ctx, 42, jobflow.WithReplayFromStep("receipt"), jobflow.WithReplayUntilStep("charge"))
		jtest.Require(t, jobflow.ErrConfig, err)
	})

	t.Run("Unknown job", func(t *testing.T) {
		_, err := h.engine.Replay(ctx, 1000)
		jtest.Require(t, jobflow.ErrJobNotFound, err)
	})

	t.Run("Internal workflow", func(t *testing.T) {
		rec := &jobflow.Record{WorkflowName: "hidden", Status: jobflow.JobStatusCompleted}
		id, err := h.store.Create(ctx, rec)
		jtest.RequireNil(t, err)

		_, err = h.engine.Replay(ctx, id)
		jtest.Require(t, jobflow.ErrReplayInternal, err)
	})
}

func TestReplayUntilStepStopsEarly(t *testing.T) {
	ctx := context.Background()
	c := newCounter()

	h := newHarness(t)
	jtest.RequireNil(t, h.engine.Register(countingWorkflow("partial", c, "a", "b", "c")))
	h.run(t)

	jobID, err := h.engine.Enqueue(ctx, "partial", nil)
	jtest.RequireNil(t, err)

	original := h.recordByJobID(t, "partial", jobID)
	h.awaitStatus(t, original.ID, jobflow.JobStatusCompleted)

	replayID, err := h.engine.Replay(ctx, original.ID, jobflow.WithReplayUntilStep("b"))
	jtest.RequireNil(t, err)

	rec := h.recordByJobID(t, "partial", replayID)
	rec = h.awaitStatus(t, rec.ID, jobflow.JobStatusCompleted)

	require.Equal(t, 2, rec.StepIndex)
	require.Equal(t, 2, c.get("a"))
	require.Equal(t, 2, c.get("b"))
	require.Equal(t, 1, c.get("c"))
}
