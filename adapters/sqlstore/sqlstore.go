// Package sqlstore implements the record and schedule stores on MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/andrewwormald/jobflow"
)

const defaultListLimit = 25

type SQLStore struct {
	writer *sql.DB
	reader *sql.DB

	recordTableName    string
	recordCols         string
	recordSelectPrefix string

	scheduleTableName    string
	scheduleSelectPrefix string
}

func New(writer *sql.DB, reader *sql.DB, recordTableName, scheduleTableName string) *SQLStore {
	s := &SQLStore{
		writer:            writer,
		reader:            reader,
		recordTableName:   recordTableName,
		scheduleTableName: scheduleTableName,
	}

	s.recordCols = " `id`, `workflow_name`, `job_id`, `status`, `step_index`, `payload`, `error`, `response_status`, " +
		"`response_headers`, `attempts`, `runs`, `parent_id`, `created_at`, `updated_at`, `finished_at` "
	s.recordSelectPrefix = " select " + s.recordCols + " from " + s.recordTableName + " where "
	s.scheduleSelectPrefix = " select `id`, `workflow_name`, `cron_expression`, `active`, `updated_at` from " +
		s.scheduleTableName + " "

	return s
}

var (
	_ jobflow.RecordStore   = (*SQLStore)(nil)
	_ jobflow.ScheduleStore = (*SQLStore)(nil)
)

func (s *SQLStore) Create(ctx context.Context, r *jobflow.Record) (int64, error) {
	headers, err := marshalHeaders(r.ResponseHeaders)
	if err != nil {
		return 0, err
	}

	resp, err := s.writer.ExecContext(ctx, "insert into "+s.recordTableName+" set "+
		" workflow_name=?, job_id=?, status=?, step_index=?, payload=?, error=?, response_status=?, "+
		" response_headers=?, attempts=?, runs=?, parent_id=?, created_at=?, updated_at=?, finished_at=? ",
		r.WorkflowName,
		r.JobID,
		r.Status,
		r.StepIndex,
		r.Payload,
		r.Error,
		r.ResponseStatus,
		headers,
		r.Attempts,
		r.Runs,
		r.ParentID,
		r.CreatedAt,
		r.UpdatedAt,
		nullTime(r.FinishedAt),
	)
	if err != nil {
		return 0, classify(errors.Wrap(err, "failed to create record", j.MKV{
			"workflow_name": r.WorkflowName,
			"job_id":        r.JobID,
		}))
	}

	return resp.LastInsertId()
}

// Update locks the row before writing it so that a missing record is reported rather than silently ignored.
func (s *SQLStore) Update(ctx context.Context, r *jobflow.Record) error {
	headers, err := marshalHeaders(r.ResponseHeaders)
	if err != nil {
		return err
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	_, err = recordScan(tx.QueryRowContext(ctx, s.recordSelectPrefix+"id=? for update", r.ID))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "update "+s.recordTableName+" set "+
		" status=?, step_index=?, payload=?, error=?, response_status=?, response_headers=?, attempts=?, "+
		" runs=?, parent_id=?, updated_at=?, finished_at=? where id=?",
		r.Status,
		r.StepIndex,
		r.Payload,
		r.Error,
		r.ResponseStatus,
		headers,
		r.Attempts,
		r.Runs,
		r.ParentID,
		r.UpdatedAt,
		nullTime(r.FinishedAt),
		r.ID,
	)
	if err != nil {
		return classify(errors.Wrap(err, "failed to update record", j.MKV{"id": r.ID}))
	}

	return classify(tx.Commit())
}

func (s *SQLStore) Lookup(ctx context.Context, id int64) (*jobflow.Record, error) {
	return s.lookupWhere(ctx, s.reader, "id=?", id)
}

func (s *SQLStore) List(ctx context.Context, workflowName string, status jobflow.JobStatus, offsetID int64, limit int) ([]jobflow.Record, error) {
	if limit == 0 {
		limit = defaultListLimit
	}

	where := "workflow_name=? and id>?"
	args := []any{workflowName, offsetID}
	if status != jobflow.JobStatusUnknown {
		where += " and status=?"
		args = append(args, status)
	}

	where += " order by id asc limit ?"
	args = append(args, limit)

	ls, err := s.listWhere(ctx, s.reader, where, args...)
	if err != nil {
		return nil, err
	}

	resp := make([]jobflow.Record, 0, len(ls))
	for _, r := range ls {
		resp = append(resp, *r)
	}

	return resp, nil
}

func (s *SQLStore) Count(ctx context.Context, workflowName string, status jobflow.JobStatus) (int64, error) {
	q := "select count(*) from " + s.recordTableName + " where workflow_name=?"
	args := []any{workflowName}
	if status != jobflow.JobStatusUnknown {
		q += " and status=?"
		args = append(args, status)
	}

	var n int64
	err := s.reader.QueryRowContext(ctx, q, args...).Scan(&n)
	if err != nil {
		return 0, classify(errors.Wrap(err, "count records"))
	}

	return n, nil
}

func (s *SQLStore) LookupSchedule(ctx context.Context, workflowName string) (*jobflow.Schedule, error) {
	return scheduleScan(s.reader.QueryRowContext(ctx, s.scheduleSelectPrefix+"where workflow_name=?", workflowName))
}

// StoreSchedule upserts the workflow's schedule. Each workflow has at most one persisted schedule.
func (s *SQLStore) StoreSchedule(ctx context.Context, sched *jobflow.Schedule) error {
	updatedAt := sched.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.writer.ExecContext(ctx, "insert into "+s.scheduleTableName+" set "+
		" workflow_name=?, id=?, cron_expression=?, active=?, updated_at=? "+
		" on duplicate key update id=values(id), cron_expression=values(cron_expression), "+
		" active=values(active), updated_at=values(updated_at)",
		sched.WorkflowName,
		sched.ID,
		sched.CronExpression,
		sched.Active,
		updatedAt,
	)
	if err != nil {
		return classify(errors.Wrap(err, "failed to store schedule", j.MKV{
			"workflow_name": sched.WorkflowName,
		}))
	}

	return nil
}

func (s *SQLStore) ListSchedules(ctx context.Context) ([]jobflow.Schedule, error) {
	rows, err := s.reader.QueryContext(ctx, s.scheduleSelectPrefix+"order by workflow_name")
	if err != nil {
		return nil, classify(errors.Wrap(err, "list schedules"))
	}
	defer rows.Close()

	var res []jobflow.Schedule
	for rows.Next() {
		sched, err := scheduleScan(rows)
		if err != nil {
			return nil, err
		}

		res = append(res, *sched)
	}

	if rows.Err() != nil {
		return nil, classify(errors.Wrap(rows.Err(), "rows"))
	}

	return res, nil
}

func marshalHeaders(h map[string]string) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}

	return json.Marshal(h)
}
