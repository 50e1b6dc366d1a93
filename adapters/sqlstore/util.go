package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/errors"

	"github.com/andrewwormald/jobflow"
)

func (s *SQLStore) lookupWhere(ctx context.Context, dbc *sql.DB, where string, args ...any) (*jobflow.Record, error) {
	return recordScan(dbc.QueryRowContext(ctx, s.recordSelectPrefix+where, args...))
}

// listWhere queries the table with the provided where clause, then scans
// and returns all the rows.
func (s *SQLStore) listWhere(ctx context.Context, dbc *sql.DB, where string, args ...any) ([]*jobflow.Record, error) {
	rows, err := dbc.QueryContext(ctx, s.recordSelectPrefix+where, args...)
	if err != nil {
		return nil, classify(errors.Wrap(err, "listWhere"))
	}
	defer rows.Close()

	var res []*jobflow.Record
	for rows.Next() {
		r, err := recordScan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}

	if rows.Err() != nil {
		return nil, classify(errors.Wrap(rows.Err(), "rows"))
	}

	return res, nil
}

func recordScan(row row) (*jobflow.Record, error) {
	var (
		r          jobflow.Record
		headers    []byte
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&r.ID,
		&r.WorkflowName,
		&r.JobID,
		&r.Status,
		&r.StepIndex,
		&r.Payload,
		&r.Error,
		&r.ResponseStatus,
		&headers,
		&r.Attempts,
		&r.Runs,
		&r.ParentID,
		&r.CreatedAt,
		&r.UpdatedAt,
		&finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(jobflow.ErrRecordNotFound, "")
	} else if err != nil {
		return nil, classify(errors.Wrap(err, "recordScan"))
	}

	if len(headers) > 0 {
		err = json.Unmarshal(headers, &r.ResponseHeaders)
		if err != nil {
			return nil, errors.Wrap(err, "decode response headers")
		}
	}

	if finishedAt.Valid {
		r.FinishedAt = finishedAt.Time
	}

	return &r, nil
}

func scheduleScan(row row) (*jobflow.Schedule, error) {
	var s jobflow.Schedule
	err := row.Scan(
		&s.ID,
		&s.WorkflowName,
		&s.CronExpression,
		&s.Active,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(jobflow.ErrScheduleNotFound, "")
	} else if err != nil {
		return nil, classify(errors.Wrap(err, "scheduleScan"))
	}

	return &s, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// classify marks connection level failures as transient so that the engine retries them.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.As(err, &netErr) {
		return jobflow.Transient(err)
	}

	return err
}

// row is a common interface for *sql.Rows and *sql.Row.
type row interface {
	Scan(dest ...any) error
}
