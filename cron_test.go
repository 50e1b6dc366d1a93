package jobflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	clock_testing "k8s.io/utils/clock/testing"

	"github.com/andrewwormald/jobflow"
	"github.com/andrewwormald/jobflow/adapters/memqueue"
	"github.com/andrewwormald/jobflow/adapters/mempubsub"
	"github.com/andrewwormald/jobflow/adapters/memstore"
)

func cronWorkflow(name, pattern string, opts ...jobflow.CronOption) jobflow.Definition {
	return jobflow.NewBuilder(name).
		AddCron(pattern, opts...).
		AddStep("one").
		Build(jobflow.StaticFactory(jobflow.Steps{"one": noop}))
}

func popJob(t *testing.T, h *harness, queue string) *jobflow.Job {
	t.Helper()

	require.Eventually(t, func() bool {
		n, err := h.queue.Len(context.Background(), queue)
		return err == nil && n > 0
	}, 5*time.Second, 5*time.Millisecond)

	job, ack, err := h.queue.Pop(context.Background(), queue)
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, ack())
	return job
}

func TestCronFires(t *testing.T) {
	now := time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC)
	clock := clock_testing.NewFakeClock(now)

	h := newHarness(t, jobflow.WithClock(clock), jobflow.WithDispatchOnly())
	jtest.RequireNil(t, h.engine.Register(cronWorkflow("nightly", "0 0 * * *")))
	h.run(t)

	for range 2 {
		require.Eventually(t, clock.HasWaiters, 5*time.Second, time.Millisecond)

		n, err := h.queue.Len(context.Background(), "nightly")
		jtest.RequireNil(t, err)
		require.Equal(t, int64(0), n)

		// Midnight is at most a day away.
		clock.Step(24 * time.Hour)

		job := popJob(t, h, "nightly")
		require.Equal(t, "0 0 * * *", job.Payload.ScheduleID)
		require.Nil(t, job.Payload.Context)
	}
}

func TestCronFireImmediately(t *testing.T) {
	clock := clock_testing.NewFakeClock(time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC))

	h := newHarness(t, jobflow.WithClock(clock), jobflow.WithDispatchOnly())
	jtest.RequireNil(t, h.engine.Register(cronWorkflow("eager", "0 0 * * *", jobflow.FireImmediately())))
	h.run(t)

	job := popJob(t, h, "eager")
	require.Equal(t, "0 0 * * *", job.Payload.ScheduleID)

	require.Eventually(t, clock.HasWaiters, 5*time.Second, time.Millisecond)
	n, err := h.queue.Len(context.Background(), "eager")
	jtest.RequireNil(t, err)
	require.Equal(t, int64(0), n)
}

func TestCronRenameLeavesOneTimer(t *testing.T) {
	testCases := []struct {
		name       string
		defs       []jobflow.Definition
		separately bool
		exp        []jobflow.TimerInfo
	}{
		{
			name: "Pattern changed",
			defs: []jobflow.Definition{
				cronWorkflow("report", "0 0 * * *", jobflow.Replaces("", "*/5 * * * *")),
			},
			exp: []jobflow.TimerInfo{
				{Workflow: "report", ScheduleID: "0 0 * * *", Pattern: "0 0 * * *"},
			},
		},
		{
			name: "Workflow renamed",
			defs: []jobflow.Definition{
				cronWorkflow("report-v1", "0 0 * * *"),
				cronWorkflow("report-v2", "0 0 * * *", jobflow.Replaces("report-v1", "")),
			},
			exp: []jobflow.TimerInfo{
				{Workflow: "report-v2", ScheduleID: "0 0 * * *", Pattern: "0 0 * * *"},
			},
		},
		{
			name: "Replacement registered before the workflow it replaces",
			defs: []jobflow.Definition{
				cronWorkflow("report-v2", "0 0 * * *", jobflow.Replaces("report-v1", "")),
				cronWorkflow("report-v1", "0 0 * * *"),
			},
			exp: []jobflow.TimerInfo{
				{Workflow: "report-v2", ScheduleID: "0 0 * * *", Pattern: "0 0 * * *"},
			},
		},
		{
			name: "Replacement registered in an earlier call",
			defs: []jobflow.Definition{
				cronWorkflow("report-v2", "0 0 * * *", jobflow.Replaces("report-v1", "*/5 * * * *")),
				cronWorkflow("report-v1", "*/5 * * * *"),
			},
			separately: true,
			exp: []jobflow.TimerInfo{
				{Workflow: "report-v2", ScheduleID: "0 0 * * *", Pattern: "0 0 * * *"},
			},
		},
		{
			name: "Replacing its own pattern keeps the timer",
			defs: []jobflow.Definition{
				cronWorkflow("report", "0 0 * * *", jobflow.Replaces("", "0 0 * * *")),
			},
			exp: []jobflow.TimerInfo{
				{Workflow: "report", ScheduleID: "0 0 * * *", Pattern: "0 0 * * *"},
			},
		},
		{
			name: "Workflow renamed and pattern changed",
			defs: []jobflow.Definition{
				cronWorkflow("report-v1", "*/5 * * * *"),
				cronWorkflow("report-v2", "0 0 * * *", jobflow.Replaces("report-v1", "*/5 * * * *")),
			},
			exp: []jobflow.TimerInfo{
				{Workflow: "report-v2", ScheduleID: "0 0 * * *", Pattern: "0 0 * * *"},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, jobflow.WithDispatchOnly())
			if tc.separately {
				for _, def := range tc.defs {
					jtest.RequireNil(t, h.engine.Register(def))
				}
			} else {
				jtest.RequireNil(t, h.engine.Register(tc.defs...))
			}
			require.Equal(t, tc.exp, h.engine.Timers())
		})
	}
}

func TestRenamedTimerFiresOnce(t *testing.T) {
	clock := clock_testing.NewFakeClock(time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC))

	h := newHarness(t, jobflow.WithClock(clock), jobflow.WithDispatchOnly())
	jtest.RequireNil(t, h.engine.Register(
		cronWorkflow("report-v1", "0 0 * * *"),
		cronWorkflow("report-v2", "0 0 * * *", jobflow.Replaces("report-v1", "")),
	))
	h.run(t)

	require.Eventually(t, clock.HasWaiters, 5*time.Second, time.Millisecond)
	clock.Step(24 * time.Hour)

	job := popJob(t, h, "report-v2")
	require.Equal(t, "report-v2", job.Workflow)

	n, err := h.queue.Len(context.Background(), "report-v1")
	jtest.RequireNil(t, err)
	require.Equal(t, int64(0), n)
}

func TestUpdateSchedule(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, jobflow.WithDispatchOnly())
	jtest.RequireNil(t, h.engine.Register(
		cronWorkflow("report", "0 0 * * *", jobflow.WithTimezone("Africa/Johannesburg")),
		simpleWorkflow("hook", "one"),
	))

	s, err := h.engine.UpdateSchedule(ctx, jobflow.Schedule{
		WorkflowName:   "report",
		CronExpression: "*/5 * * * *",
		Active:         true,
	})
	jtest.RequireNil(t, err)
	require.NotEmpty(t, s.ID)

	require.Equal(t, []jobflow.TimerInfo{
		{Workflow: "report", ScheduleID: s.ID, Pattern: "*/5 * * * *", Timezone: "Africa/Johannesburg"},
	}, h.engine.Timers())

	stored, err := h.store.LookupSchedule(ctx, "report")
	jtest.RequireNil(t, err)
	require.Equal(t, "*/5 * * * *", stored.CronExpression)
	require.True(t, stored.Active)

	// Suspending keeps the override but removes the timer.
	s.Active = false
	_, err = h.engine.UpdateSchedule(ctx, *s)
	jtest.RequireNil(t, err)
	require.Empty(t, h.engine.Timers())

	stored, err = h.store.LookupSchedule(ctx, "report")
	jtest.RequireNil(t, err)
	require.False(t, stored.Active)

	_, err = h.engine.UpdateSchedule(ctx, jobflow.Schedule{WorkflowName: "report", CronExpression: "every tuesday"})
	jtest.Require(t, jobflow.ErrConfig, err)

	_, err = h.engine.UpdateSchedule(ctx, jobflow.Schedule{WorkflowName: "hook", CronExpression: "* * * * *"})
	jtest.Require(t, jobflow.ErrConfig, err)

	_, err = h.engine.UpdateSchedule(ctx, jobflow.Schedule{WorkflowName: "missing", CronExpression: "* * * * *"})
	jtest.Require(t, jobflow.ErrUnknownWorkflow, err)
}

func TestUpdateScheduleWithoutStore(t *testing.T) {
	store := memstore.New()
	engine := jobflow.New(memqueue.New(), store, nil, mempubsub.New())
	jtest.RequireNil(t, engine.Register(cronWorkflow("report", "0 0 * * *")))

	_, err := engine.UpdateSchedule(context.Background(), jobflow.Schedule{
		WorkflowName:   "report",
		CronExpression: "* * * * *",
		Active:         true,
	})
	jtest.Require(t, jobflow.ErrConfig, err)
}

func TestScheduleOverrideFires(t *testing.T) {
	ctx := context.Background()
	clock := clock_testing.NewFakeClock(time.Date(2024, time.January, 1, 10, 1, 0, 0, time.UTC))

	h := newHarness(t, jobflow.WithClock(clock), jobflow.WithDispatchOnly())
	jtest.RequireNil(t, h.engine.Register(cronWorkflow("report", "0 0 * * *")))
	h.run(t)

	s, err := h.engine.UpdateSchedule(ctx, jobflow.Schedule{
		WorkflowName:   "report",
		CronExpression: "*/5 * * * *",
		Active:         true,
	})
	jtest.RequireNil(t, err)

	require.Eventually(t, func() bool {
		clock.Step(time.Minute)

		n, err := h.queue.Len(ctx, "report")
		return err == nil && n > 0
	}, 5*time.Second, 5*time.Millisecond)

	job := popJob(t, h, "report")
	require.Equal(t, s.ID, job.Payload.ScheduleID)
}

func TestRefreshSchedules(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, jobflow.WithDispatchOnly())
	jtest.RequireNil(t, h.engine.Register(cronWorkflow("report", "0 0 * * *")))

	// Another process stores an override.
	jtest.RequireNil(t, h.store.StoreSchedule(ctx, &jobflow.Schedule{
		ID:             "override",
		WorkflowName:   "report",
		CronExpression: "0 12 * * *",
		Active:         true,
	}))

	require.Equal(t, "0 0 * * *", h.engine.Timers()[0].Pattern)

	jtest.RequireNil(t, h.engine.RefreshSchedules(ctx))
	require.Equal(t, []jobflow.TimerInfo{
		{Workflow: "report", ScheduleID: "override", Pattern: "0 12 * * *"},
	}, h.engine.Timers())
}
