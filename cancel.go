package jobflow

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Cancel marks the job as cancelled. A running job stops before its next step; a job still on the queue is skipped
// when popped. Cancelling a finished job returns ErrInvalidStatusTransition.
func (e *Engine) Cancel(ctx context.Context, dbJobID int64) error {
	_, err := e.updateRecord(ctx, dbJobID, func(r *Record) error {
		r.Status = JobStatusCancelled
		r.Error = ErrJobCancelled.Error()
		r.FinishedAt = e.clock.Now()
		return nil
	})
	if errors.Is(err, ErrRecordNotFound) {
		return errors.Wrap(ErrJobNotFound, "", j.MKV{"db_job_id": dbJobID})
	} else if err != nil {
		return err
	}

	e.logger.Debug(ctx, "cancelled job", MKV{"db_job_id": itoa(dbJobID)})
	return nil
}
