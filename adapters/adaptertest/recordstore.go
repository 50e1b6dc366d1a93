package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
)

// TestRecordStore runs the record store conformance suite against a fresh store per test.
func TestRecordStore(t *testing.T, factory func() jobflow.RecordStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store jobflow.RecordStore)
	}{
		{name: "Create assigns increasing IDs", fn: testCreate},
		{name: "Lookup returns the stored record", fn: testLookup},
		{name: "Lookup of unknown ID", fn: testLookupNotFound},
		{name: "Update replaces the record", fn: testUpdate},
		{name: "Update of unknown ID", fn: testUpdateNotFound},
		{name: "List filters and pages", fn: testList},
		{name: "Count by status", fn: testCount},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.fn(t, factory())
		})
	}
}

func newRecord(workflowName, jobID string, status jobflow.JobStatus) *jobflow.Record {
	now := time.Now().UTC().Truncate(time.Second)
	return &jobflow.Record{
		WorkflowName: workflowName,
		JobID:        jobID,
		Status:       status,
		Payload:      []byte(`{"stepIndex":0,"context":{"x":1}}`),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func testCreate(t *testing.T, store jobflow.RecordStore) {
	ctx := context.Background()

	first, err := store.Create(ctx, newRecord("report", "job-1", jobflow.JobStatusPending))
	jtest.RequireNil(t, err)

	second, err := store.Create(ctx, newRecord("report", "job-2", jobflow.JobStatusPending))
	jtest.RequireNil(t, err)

	require.Greater(t, first, int64(0))
	require.Greater(t, second, first)
}

func testLookup(t *testing.T, store jobflow.RecordStore) {
	ctx := context.Background()

	r := newRecord("report", "job-1", jobflow.JobStatusPending)
	r.ParentID = 7
	r.StepIndex = 2

	id, err := store.Create(ctx, r)
	jtest.RequireNil(t, err)

	actual, err := store.Lookup(ctx, id)
	jtest.RequireNil(t, err)

	r.ID = id
	requireRecordEqual(t, r, actual)
}

func testLookupNotFound(t *testing.T, store jobflow.RecordStore) {
	_, err := store.Lookup(context.Background(), 99)
	jtest.Require(t, jobflow.ErrRecordNotFound, err)
}

func testUpdate(t *testing.T, store jobflow.RecordStore) {
	ctx := context.Background()

	r := newRecord("report", "job-1", jobflow.JobStatusPending)
	id, err := store.Create(ctx, r)
	jtest.RequireNil(t, err)

	r.ID = id
	r.Status = jobflow.JobStatusCompleted
	r.StepIndex = 3
	r.Attempts = 1
	r.Runs = 2
	r.Error = "boom"
	r.ResponseStatus = 200
	r.ResponseHeaders = map[string]string{"Content-Type": "application/json"}
	r.UpdatedAt = r.UpdatedAt.Add(time.Minute)
	r.FinishedAt = r.UpdatedAt

	err = store.Update(ctx, r)
	jtest.RequireNil(t, err)

	actual, err := store.Lookup(ctx, id)
	jtest.RequireNil(t, err)
	requireRecordEqual(t, r, actual)
}

func testUpdateNotFound(t *testing.T, store jobflow.RecordStore) {
	r := newRecord("report", "job-1", jobflow.JobStatusRunning)
	r.ID = 99

	err := store.Update(context.Background(), r)
	jtest.Require(t, jobflow.ErrRecordNotFound, err)
}

func testList(t *testing.T, store jobflow.RecordStore) {
	ctx := context.Background()

	var failed []int64
	for i := 0; i < 6; i++ {
		status := jobflow.JobStatusCompleted
		if i%2 == 0 {
			status = jobflow.JobStatusFailed
		}

		id, err := store.Create(ctx, newRecord("report", "job", status))
		jtest.RequireNil(t, err)

		if status == jobflow.JobStatusFailed {
			failed = append(failed, id)
		}
	}

	_, err := store.Create(ctx, newRecord("other", "job", jobflow.JobStatusFailed))
	jtest.RequireNil(t, err)

	all, err := store.List(ctx, "report", jobflow.JobStatusUnknown, 0, 100)
	jtest.RequireNil(t, err)
	require.Len(t, all, 6)

	page, err := store.List(ctx, "report", jobflow.JobStatusFailed, 0, 2)
	jtest.RequireNil(t, err)
	require.Len(t, page, 2)
	require.Equal(t, failed[0], page[0].ID)
	require.Equal(t, failed[1], page[1].ID)

	next, err := store.List(ctx, "report", jobflow.JobStatusFailed, page[1].ID, 2)
	jtest.RequireNil(t, err)
	require.Len(t, next, 1)
	require.Equal(t, failed[2], next[0].ID)
}

func testCount(t *testing.T, store jobflow.RecordStore) {
	ctx := context.Background()

	for _, status := range []jobflow.JobStatus{
		jobflow.JobStatusFailed,
		jobflow.JobStatusFailed,
		jobflow.JobStatusCompleted,
	} {
		_, err := store.Create(ctx, newRecord("report", "job", status))
		jtest.RequireNil(t, err)
	}

	n, err := store.Count(ctx, "report", jobflow.JobStatusFailed)
	jtest.RequireNil(t, err)
	require.Equal(t, int64(2), n)

	n, err = store.Count(ctx, "report", jobflow.JobStatusUnknown)
	jtest.RequireNil(t, err)
	require.Equal(t, int64(3), n)

	n, err = store.Count(ctx, "other", jobflow.JobStatusFailed)
	jtest.RequireNil(t, err)
	require.Equal(t, int64(0), n)
}

func requireRecordEqual(t *testing.T, expected, actual *jobflow.Record) {
	t.Helper()

	require.Equal(t, expected.ID, actual.ID)
	require.Equal(t, expected.WorkflowName, actual.WorkflowName)
	require.Equal(t, expected.JobID, actual.JobID)
	require.Equal(t, expected.Status, actual.Status)
	require.Equal(t, expected.StepIndex, actual.StepIndex)
	require.JSONEq(t, string(expected.Payload), string(actual.Payload))
	require.Equal(t, expected.Error, actual.Error)
	require.Equal(t, expected.ResponseStatus, actual.ResponseStatus)
	require.Equal(t, len(expected.ResponseHeaders), len(actual.ResponseHeaders))
	for k, v := range expected.ResponseHeaders {
		require.Equal(t, v, actual.ResponseHeaders[k])
	}
	require.Equal(t, expected.Attempts, actual.Attempts)
	require.Equal(t, expected.Runs, actual.Runs)
	require.Equal(t, expected.ParentID, actual.ParentID)
	require.True(t, expected.CreatedAt.Equal(actual.CreatedAt))
	require.True(t, expected.UpdatedAt.Equal(actual.UpdatedAt))
	require.True(t, expected.FinishedAt.Equal(actual.FinishedAt))
}
