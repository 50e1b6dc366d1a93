package jobflow

import (
	"fmt"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/andrewwormald/jobflow/internal/graph"
)

type JobStatus int

const (
	JobStatusUnknown       JobStatus = 0
	JobStatusPending       JobStatus = 1
	JobStatusRunning       JobStatus = 2
	JobStatusAwaitingRetry JobStatus = 3
	JobStatusCompleted     JobStatus = 4
	JobStatusFailed        JobStatus = 5
	JobStatusCancelled     JobStatus = 6
	jobStatusSentinel      JobStatus = 7
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusUnknown:
		return "Unknown"
	case JobStatusPending:
		return "Pending"
	case JobStatusRunning:
		return "Running"
	case JobStatusAwaitingRetry:
		return "AwaitingRetry"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusFailed:
		return "Failed"
	case JobStatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("JobStatus(%d)", s)
	}
}

func (s JobStatus) Valid() bool {
	return s > JobStatusUnknown && s < jobStatusSentinel
}

// Finished reports whether the status is terminal. Records in a terminal status are never mutated again.
func (s JobStatus) Finished() bool {
	return statusGraph.IsTerminal(s)
}

var statusGraph = func() *graph.Graph[JobStatus] {
	g := graph.New[JobStatus]()

	g.AddTransition(JobStatusPending, JobStatusPending)
	g.AddTransition(JobStatusPending, JobStatusRunning)
	// Jobs that could not be pushed or whose workflow cannot be constructed fail before running.
	g.AddTransition(JobStatusPending, JobStatusFailed)
	g.AddTransition(JobStatusPending, JobStatusCancelled)

	// Running to Running persists step progress.
	g.AddTransition(JobStatusRunning, JobStatusRunning)
	g.AddTransition(JobStatusRunning, JobStatusAwaitingRetry)
	g.AddTransition(JobStatusRunning, JobStatusCompleted)
	g.AddTransition(JobStatusRunning, JobStatusFailed)
	g.AddTransition(JobStatusRunning, JobStatusCancelled)

	g.AddTransition(JobStatusAwaitingRetry, JobStatusRunning)
	g.AddTransition(JobStatusAwaitingRetry, JobStatusFailed)
	g.AddTransition(JobStatusAwaitingRetry, JobStatusCancelled)

	return g
}()

func validateStatusTransition(r *Record, to JobStatus) error {
	if !statusGraph.IsValid(r.Status) || statusGraph.IsTerminal(r.Status) {
		return errors.Wrap(ErrInvalidStatusTransition, "current status is terminal", j.MKV{
			"record_id":     r.ID,
			"workflow_name": r.WorkflowName,
			"status":        r.Status.String(),
			"to":            to.String(),
		})
	}

	if !statusGraph.CanTransition(r.Status, to) {
		return errors.Wrap(ErrInvalidStatusTransition, fmt.Sprintf("current status cannot transition to %v", to), j.MKV{
			"record_id":     r.ID,
			"workflow_name": r.WorkflowName,
			"status":        r.Status.String(),
		})
	}

	return nil
}
