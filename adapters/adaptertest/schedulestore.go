package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
)

// TestScheduleStore runs the schedule store conformance suite against a fresh store per test.
func TestScheduleStore(t *testing.T, factory func() jobflow.ScheduleStore) {
	t.Run("Lookup of unknown workflow", func(t *testing.T) {
		store := factory()

		_, err := store.LookupSchedule(context.Background(), "report")
		jtest.Require(t, jobflow.ErrScheduleNotFound, err)
	})

	t.Run("Store then lookup", func(t *testing.T) {
		store := factory()
		ctx := context.Background()

		s := &jobflow.Schedule{
			ID:             "sched-1",
			WorkflowName:   "report",
			CronExpression: "0 0 * * *",
			Active:         true,
			UpdatedAt:      time.Now().UTC().Truncate(time.Second),
		}
		err := store.StoreSchedule(ctx, s)
		jtest.RequireNil(t, err)

		actual, err := store.LookupSchedule(ctx, "report")
		jtest.RequireNil(t, err)
		require.Equal(t, s.ID, actual.ID)
		require.Equal(t, s.WorkflowName, actual.WorkflowName)
		require.Equal(t, s.CronExpression, actual.CronExpression)
		require.Equal(t, s.Active, actual.Active)
		require.True(t, s.UpdatedAt.Equal(actual.UpdatedAt))
	})

	t.Run("Store replaces the workflow's schedule", func(t *testing.T) {
		store := factory()
		ctx := context.Background()

		err := store.StoreSchedule(ctx, &jobflow.Schedule{
			ID:             "sched-1",
			WorkflowName:   "report",
			CronExpression: "0 0 * * *",
			Active:         true,
		})
		jtest.RequireNil(t, err)

		err = store.StoreSchedule(ctx, &jobflow.Schedule{
			ID:             "sched-2",
			WorkflowName:   "report",
			CronExpression: "@hourly",
			Active:         false,
		})
		jtest.RequireNil(t, err)

		actual, err := store.LookupSchedule(ctx, "report")
		jtest.RequireNil(t, err)
		require.Equal(t, "sched-2", actual.ID)
		require.Equal(t, "@hourly", actual.CronExpression)
		require.False(t, actual.Active)

		list, err := store.ListSchedules(ctx)
		jtest.RequireNil(t, err)
		require.Len(t, list, 1)
	})

	t.Run("List returns every workflow's schedule", func(t *testing.T) {
		store := factory()
		ctx := context.Background()

		for _, name := range []string{"a", "b", "c"} {
			err := store.StoreSchedule(ctx, &jobflow.Schedule{
				ID:             name + "-sched",
				WorkflowName:   name,
				CronExpression: "@daily",
				Active:         true,
			})
			jtest.RequireNil(t, err)
		}

		list, err := store.ListSchedules(ctx)
		jtest.RequireNil(t, err)
		require.Len(t, list, 3)

		names := make(map[string]bool)
		for _, s := range list {
			names[s.WorkflowName] = true
		}
		require.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, names)
	})
}
