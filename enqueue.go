package jobflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/andrewwormald/jobflow/internal/metrics"
)

const (
	triggerCron    = "cron"
	triggerEvent   = "event"
	triggerWebhook = "webhook"
	triggerManual  = "manual"
	triggerStep    = "step"
	triggerReplay  = "replay"
)

type enqueueRequest struct {
	reg     *registration
	payload Payload
	trigger string
	// parentID links the created record to the record it was replayed from.
	parentID int64
}

// Enqueue creates a job of the named workflow with the provided context and pushes it onto the workflow's queue.
// Internal workflows cannot be enqueued externally and can only be enqueued from within a step.
func (e *Engine) Enqueue(ctx context.Context, workflow string, jobContext any) (jobID string, err error) {
	reg, err := e.lookupRegistration(workflow)
	if err != nil {
		return "", err
	}

	if reg.def.Internal {
		return "", errors.Wrap(ErrInternalWorkflow, "", j.MKV{"workflow_name": workflow})
	}

	job, err := e.enqueue(ctx, enqueueRequest{
		reg:     reg,
		payload: Payload{Context: jobContext},
		trigger: triggerManual,
	})
	if err != nil {
		return "", err
	}

	return job.ID, nil
}

// enqueue creates the job's record and pushes the job. Transient errors are retried with backoff at both
// boundaries.
func (e *Engine) enqueue(ctx context.Context, req enqueueRequest) (*Job, error) {
	name := req.reg.def.Name

	p := req.payload
	p.Steps = req.reg.def.stepNames()

	job := &Job{
		ID:         uuid.New().String(),
		Workflow:   name,
		Payload:    p,
		EnqueuedAt: e.clock.Now(),
	}

	persisted, err := redactPayload(p, e.opts.redactKeys)
	if err != nil {
		return nil, errors.Wrap(err, "redact payload", j.MKV{"workflow_name": name})
	}

	now := e.clock.Now()
	rec := &Record{
		WorkflowName: name,
		JobID:        job.ID,
		Status:       JobStatusPending,
		StepIndex:    p.StepIndex,
		Payload:      persisted,
		ParentID:     req.parentID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = e.retryTransient(ctx, "store", func(ctx context.Context) error {
		id, err := e.records.Create(ctx, rec)
		if err != nil {
			return err
		}

		job.Payload.DBJobID = id
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "create job record", j.MKV{"workflow_name": name})
	}

	err = e.push(ctx, job)
	if err != nil {
		e.abandon(ctx, job.Payload.DBJobID, err)
		return nil, err
	}

	metrics.JobsEnqueued.WithLabelValues(name, req.trigger).Inc()
	e.logger.Debug(ctx, "enqueued job", MKV{
		"workflow_name": name,
		"job_id":        job.ID,
		"db_job_id":     itoa(job.Payload.DBJobID),
		"trigger":       req.trigger,
	})

	return job, nil
}

func (e *Engine) push(ctx context.Context, job *Job) error {
	err := e.retryTransient(ctx, "queue", func(ctx context.Context) error {
		return e.queue.Push(ctx, job.Workflow, job)
	})
	if err != nil {
		return errors.Wrap(err, "push job", j.MKV{
			"workflow_name": job.Workflow,
			"job_id":        job.ID,
		})
	}

	return nil
}

// abandon fails the record of a job that could not be pushed so that it does not remain pending forever.
func (e *Engine) abandon(ctx context.Context, dbJobID int64, cause error) {
	_, err := e.updateRecord(ctx, dbJobID, func(r *Record) error {
		r.Status = JobStatusFailed
		r.Error = cause.Error()
		r.FinishedAt = e.clock.Now()
		return nil
	})
	if err != nil {
		e.logger.Error(ctx, errors.Wrap(err, "abandon job record", j.MKV{"db_job_id": dbJobID}))
	}
}

// retryTransient calls fn until it succeeds, fails with an error that is not transient, or the retry budget is
// exhausted. Transient failures flip the engine's health to degraded until the next success.
func (e *Engine) retryTransient(ctx context.Context, boundary string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= max(e.opts.enqueueAttempts, 1); attempt++ {
		err = fn(ctx)
		if err == nil {
			e.setDegraded(boundary, false)
			return nil
		}

		if !errors.Is(err, ErrTransientInfra) {
			return err
		}

		e.setDegraded(boundary, true)
		if attempt >= e.opts.enqueueAttempts {
			break
		}

		metrics.InfraRetries.WithLabelValues(boundary).Inc()
		e.logger.Debug(ctx, "retrying transient error", MKV{
			"boundary": boundary,
			"attempt":  itoa(int64(attempt)),
			"error":    err.Error(),
		})

		t := e.clock.NewTimer(e.opts.enqueueBackOff.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C():
		}
	}

	return err
}

// updateRecord reads the latest version of the record, applies fn and writes it back. Status changes are validated
// against the transition table so that terminal records are never mutated.
func (e *Engine) updateRecord(ctx context.Context, id int64, fn func(r *Record) error) (*Record, error) {
	var updated *Record
	err := e.retryTransient(ctx, "store", func(ctx context.Context) error {
		current, err := e.records.Lookup(ctx, id)
		if err != nil {
			return err
		}

		next := current.clone()
		err = fn(next)
		if err != nil {
			return err
		}

		err = validateStatusTransition(current, next.Status)
		if err != nil {
			return err
		}

		next.UpdatedAt = e.clock.Now()
		err = e.records.Update(ctx, next)
		if err != nil {
			return err
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (e *Engine) lookupRecord(ctx context.Context, id int64) (*Record, error) {
	var rec *Record
	err := e.retryTransient(ctx, "store", func(ctx context.Context) error {
		r, err := e.records.Lookup(ctx, id)
		if err != nil {
			return err
		}

		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}
