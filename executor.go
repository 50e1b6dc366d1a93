package jobflow

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/andrewwormald/jobflow/internal/metrics"
)

// Recoverer is implemented by queues that keep popped jobs in an in-flight set until they are acked. The engine
// calls Recover when it takes over a workflow's queue so that jobs abandoned by a previous worker run again.
type Recoverer interface {
	Recover(ctx context.Context, queue string) error
}

// work pops and executes jobs of the workflow until ctx is cancelled. A slot is acquired before popping so that jobs
// that cannot start remain on the queue.
func (e *Engine) work(ctx context.Context, reg *registration) error {
	name := reg.def.Name

	if r, ok := e.queue.(Recoverer); ok {
		err := e.retryTransient(ctx, "queue", func(ctx context.Context) error {
			return r.Recover(ctx, name)
		})
		if err != nil {
			return errors.Wrap(err, "recover in-flight jobs", j.MKV{"workflow_name": name})
		}
	}

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		err := reg.limiter.Acquire(ctx)
		if err != nil {
			return err
		}

		job, ack, err := e.queue.Pop(ctx, name)
		if err != nil {
			reg.limiter.Release()
			return err
		}

		inflight.Add(1)
		e.executing.Add(1)
		reg.active.Add(1)
		go func() {
			defer e.executing.Done()
			defer inflight.Done()
			defer reg.limiter.Release()
			defer reg.active.Add(-1)

			e.execute(ctx, reg, job, ack)
		}()
	}
}

func (e *Engine) execute(ctx context.Context, reg *registration, job *Job, ack Ack) {
	meta := j.MKV{
		"workflow_name": reg.def.Name,
		"job_id":        job.ID,
		"db_job_id":     job.Payload.DBJobID,
	}

	err := e.executeJob(ctx, reg, job)
	if ctx.Err() != nil {
		// The job is left unacked so that the queue hands it to the next worker.
		return
	}

	if err != nil {
		e.logger.Error(ctx, errors.Wrap(err, "execute job", meta))

		// Progress is persisted on the record so the job resumes from the step it reached.
		err = e.retryTransient(ctx, "queue", func(ctx context.Context) error {
			return e.queue.PushDelayed(ctx, reg.def.Name, job, e.clock.Now().Add(e.opts.errBackOff))
		})
		if err != nil {
			e.logger.Error(ctx, errors.Wrap(err, "requeue job", meta))
			return
		}
	}

	err = ack()
	if err != nil {
		e.logger.Error(ctx, errors.Wrap(err, "ack job", meta))
	}
}

func (e *Engine) executeJob(ctx context.Context, reg *registration, job *Job) error {
	def := reg.def

	rec, err := e.lookupRecord(ctx, job.Payload.DBJobID)
	if errors.Is(err, ErrRecordNotFound) {
		e.logger.Error(ctx, errors.Wrap(err, "dropping job without record", j.MKV{
			"workflow_name": def.Name,
			"job_id":        job.ID,
		}))
		return nil
	} else if err != nil {
		return err
	}

	resp := newResponder(e, job, rec)

	if rec.Status.Finished() {
		if rec.Status == JobStatusCancelled {
			e.respondCancelled(ctx, resp, rec.ID)
		}

		e.logger.Debug(ctx, "skipping finished job", MKV{
			"workflow_name": def.Name,
			"job_id":        job.ID,
			"status":        rec.Status.String(),
		})
		return nil
	}

	start := max(job.Payload.StepIndex, rec.StepIndex)
	if start > len(def.Steps) {
		start = len(def.Steps)
	}

	inst, err := def.New(e.opts.locator)
	if err != nil {
		return e.handleStepError(ctx, reg, job, rec.ID, resp, start, Terminal(errors.Wrap(err, "construct workflow")))
	}

	fns := inst.Steps()
	for _, s := range def.Steps[start:] {
		if fns[s.Name] == nil {
			return e.handleStepError(ctx, reg, job, rec.ID, resp, start, Terminal(errors.Wrap(ErrUnknownStep, "", j.MKV{
				"workflow_name": def.Name,
				"step":          s.Name,
			})))
		}
	}

	running, err := e.updateRecord(ctx, rec.ID, func(r *Record) error {
		r.Status = JobStatusRunning
		r.Runs++
		if r.StepIndex < start {
			r.StepIndex = start
		}
		return nil
	})
	if errors.Is(err, ErrInvalidStatusTransition) {
		// Cancelled since it was looked up.
		e.respondCancelled(ctx, resp, rec.ID)
		return nil
	} else if err != nil {
		return err
	}

	resp.setRun(running.Runs)

	metrics.JobsRunning.WithLabelValues(def.Name).Inc()
	defer metrics.JobsRunning.WithLabelValues(def.Name).Dec()

	for i := start; i < len(def.Steps); i++ {
		if last := job.Payload.LastStepIndex; last != nil && i > *last {
			break
		}

		current, err := e.lookupRecord(ctx, rec.ID)
		if err != nil {
			return err
		}

		if current.Status == JobStatusCancelled {
			e.respondCancelled(ctx, resp, rec.ID)
			return nil
		}

		step := def.Steps[i]
		sc := &StepContext{
			engine:    e,
			job:       *job,
			dbJobID:   rec.ID,
			step:      step.Name,
			index:     i,
			responder: resp,
		}

		t0 := e.clock.Now()
		err = fns[step.Name](ctx, sc)
		metrics.StepLatency.WithLabelValues(def.Name, step.Name).Observe(e.clock.Since(t0).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return e.handleStepError(ctx, reg, job, rec.ID, resp, i, err)
		}

		next := i + 1
		_, err = e.updateRecord(ctx, rec.ID, func(r *Record) error {
			if r.StepIndex < next {
				r.StepIndex = next
			}
			r.Error = ""
			return nil
		})
		if errors.Is(err, ErrInvalidStatusTransition) {
			e.respondCancelled(ctx, resp, rec.ID)
			return nil
		} else if err != nil {
			return err
		}

		e.logger.Debug(ctx, "step completed", MKV{
			"workflow_name": def.Name,
			"job_id":        job.ID,
			"step":          step.Name,
		})
	}

	// The caller is answered before the record is finalised so that the synthesised response status is recorded.
	err = resp.Complete(ctx)
	if err != nil {
		e.logger.Error(ctx, errors.Wrap(err, "complete response", j.MKV{"job_id": job.ID}))
	}

	_, err = e.updateRecord(ctx, rec.ID, func(r *Record) error {
		r.Status = JobStatusCompleted
		r.FinishedAt = e.clock.Now()
		return nil
	})
	if errors.Is(err, ErrInvalidStatusTransition) {
		return nil
	} else if err != nil {
		return err
	}

	metrics.JobsCompleted.WithLabelValues(def.Name).Inc()
	return nil
}

// handleStepError either schedules a retry of the failed step or fails the job and, if a caller is waiting,
// answers it with the error.
func (e *Engine) handleStepError(
	ctx context.Context,
	reg *registration,
	job *Job,
	dbJobID int64,
	resp *responder,
	index int,
	stepErr error,
) error {
	def := reg.def

	stepName := ""
	if index < len(def.Steps) {
		stepName = def.Steps[index].Name
	}

	e.logger.Error(ctx, errors.Wrap(stepErr, "step failed", j.MKV{
		"workflow_name": def.Name,
		"job_id":        job.ID,
		"step":          stepName,
	}))

	var retry bool
	updated, err := e.updateRecord(ctx, dbJobID, func(r *Record) error {
		r.Error = stepErr.Error()

		if !IsTerminal(stepErr) && r.Attempts < def.MaxRetries {
			retry = true
			r.Status = JobStatusAwaitingRetry
			r.Attempts++
			return nil
		}

		retry = false
		r.Status = JobStatusFailed
		r.FinishedAt = e.clock.Now()
		if resp.enabled && r.ResponseStatus == 0 {
			r.ResponseStatus = http.StatusInternalServerError
		}
		return nil
	})
	if errors.Is(err, ErrInvalidStatusTransition) {
		e.respondCancelled(ctx, resp, dbJobID)
		return nil
	} else if err != nil {
		return err
	}

	if retry {
		next := *job
		next.ID = uuid.New().String()
		next.EnqueuedAt = e.clock.Now()
		next.Payload.StepIndex = index
		next.Payload.IsRetry = true

		err = e.retryTransient(ctx, "queue", func(ctx context.Context) error {
			return e.queue.PushDelayed(ctx, def.Name, &next, e.clock.Now().Add(def.RetryBackOff))
		})
		if err != nil {
			return errors.Wrap(err, "push retry", j.MKV{"workflow_name": def.Name})
		}

		metrics.JobsRetried.WithLabelValues(def.Name).Inc()
		return nil
	}

	metrics.JobsFailed.WithLabelValues(def.Name).Inc()

	err = resp.Fail(ctx, errors.Wrap(ErrStepFailed, stepErr.Error()))
	if err != nil {
		e.logger.Error(ctx, errors.Wrap(err, "send error response", j.MKV{"job_id": job.ID}))
	}

	return nil
}

func (e *Engine) respondCancelled(ctx context.Context, resp *responder, dbJobID int64) {
	err := resp.Fail(ctx, ErrJobCancelled)
	if err != nil {
		e.logger.Error(ctx, errors.Wrap(err, "send cancellation response", j.MKV{"db_job_id": dbJobID}))
	}
}
