package jobflow

import (
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_Finished(t *testing.T) {
	testCases := []struct {
		status   JobStatus
		finished bool
	}{
		{status: JobStatusPending},
		{status: JobStatusRunning},
		{status: JobStatusAwaitingRetry},
		{status: JobStatusCompleted, finished: true},
		{status: JobStatusFailed, finished: true},
		{status: JobStatusCancelled, finished: true},
	}

	for _, tc := range testCases {
		t.Run(tc.status.String(), func(t *testing.T) {
			require.True(t, tc.status.Valid())
			require.Equal(t, tc.finished, tc.status.Finished())
		})
	}
}

func TestJobStatus_String(t *testing.T) {
	require.Equal(t, "AwaitingRetry", JobStatusAwaitingRetry.String())
	require.Equal(t, "JobStatus(99)", JobStatus(99).String())
	require.False(t, JobStatus(99).Valid())
	require.False(t, JobStatusUnknown.Valid())
}

func TestValidateStatusTransition(t *testing.T) {
	testCases := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{name: "pending to running", from: JobStatusPending, to: JobStatusRunning},
		{name: "running progress", from: JobStatusRunning, to: JobStatusRunning},
		{name: "running to retry", from: JobStatusRunning, to: JobStatusAwaitingRetry},
		{name: "retry to running", from: JobStatusAwaitingRetry, to: JobStatusRunning},
		{name: "pending to failed", from: JobStatusPending, to: JobStatusFailed},
		{name: "pending to completed", from: JobStatusPending, to: JobStatusCompleted, wantErr: true},
		{name: "completed is terminal", from: JobStatusCompleted, to: JobStatusRunning, wantErr: true},
		{name: "failed is terminal", from: JobStatusFailed, to: JobStatusCancelled, wantErr: true},
		{name: "cancelled is terminal", from: JobStatusCancelled, to: JobStatusCancelled, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateStatusTransition(&Record{Status: tc.from}, tc.to)
			if tc.wantErr {
				jtest.Require(t, ErrInvalidStatusTransition, err)
				return
			}

			jtest.RequireNil(t, err)
		})
	}
}
