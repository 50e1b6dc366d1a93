package jobflow

import (
	"context"
	"time"
)

// RecordStore implementations should all be tested with adaptertest.TestRecordStore. Create must assign and return
// the record's ID. Update replaces the record with the matching ID and returns ErrRecordNotFound if none exists.
type RecordStore interface {
	Create(ctx context.Context, r *Record) (int64, error)
	Update(ctx context.Context, r *Record) error
	Lookup(ctx context.Context, id int64) (*Record, error)

	// List provides records of the workflow with an ID greater than offsetID ordered by ID ascending. A zero status
	// lists all statuses.
	List(ctx context.Context, workflowName string, status JobStatus, offsetID int64, limit int) ([]Record, error)
	Count(ctx context.Context, workflowName string, status JobStatus) (int64, error)
}

// Schedule is the persisted cron override of a workflow. When present and active it supersedes the compiled cron
// pattern. An inactive schedule suspends firing without deleting the record.
type Schedule struct {
	ID             string
	WorkflowName   string
	CronExpression string
	Active         bool
	UpdatedAt      time.Time
}

// ScheduleStore implementations should all be tested with adaptertest.TestScheduleStore. LookupSchedule returns
// ErrScheduleNotFound when the workflow has no persisted schedule.
type ScheduleStore interface {
	LookupSchedule(ctx context.Context, workflowName string) (*Schedule, error)
	StoreSchedule(ctx context.Context, s *Schedule) error
	ListSchedules(ctx context.Context) ([]Schedule, error)
}
