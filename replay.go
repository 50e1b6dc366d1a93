package jobflow

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

type replayOptions struct {
	context    any
	hasContext bool
	fromStep   string
	untilStep  string
}

type ReplayOption func(o *replayOptions)

// WithReplayContext replaces the persisted context of the job being replayed.
func WithReplayContext(v any) ReplayOption {
	return func(o *replayOptions) {
		o.context = v
		o.hasContext = true
	}
}

// WithReplayFromStep starts the replayed job at the named step instead of the first step.
func WithReplayFromStep(step string) ReplayOption {
	return func(o *replayOptions) {
		o.fromStep = step
	}
}

// WithReplayUntilStep stops the replayed job after the named step.
func WithReplayUntilStep(step string) ReplayOption {
	return func(o *replayOptions) {
		o.untilStep = step
	}
}

// Replay enqueues a new job equivalent to the recorded job. The new job's record links back to the original
// through ParentID and the original record is left untouched. Without WithReplayContext the persisted context is
// used, which has secret values redacted.
func (e *Engine) Replay(ctx context.Context, dbJobID int64, opts ...ReplayOption) (jobID string, err error) {
	var o replayOptions
	for _, opt := range opts {
		opt(&o)
	}

	meta := j.MKV{"db_job_id": dbJobID}

	rec, err := e.lookupRecord(ctx, dbJobID)
	if errors.Is(err, ErrRecordNotFound) {
		return "", errors.Wrap(ErrJobNotFound, "", meta)
	} else if err != nil {
		return "", err
	}

	reg, err := e.lookupRegistration(rec.WorkflowName)
	if err != nil {
		return "", err
	}

	if reg.def.Internal {
		return "", errors.Wrap(ErrReplayInternal, "", j.MKV{
			"db_job_id":     dbJobID,
			"workflow_name": rec.WorkflowName,
		})
	}

	original, err := rec.DecodePayload()
	if err != nil {
		return "", errors.Wrap(err, "decode persisted payload", meta)
	}

	p := Payload{
		Context: original.Context,
		IsRetry: true,
	}

	if o.hasContext {
		p.Context = o.context
	}

	if o.fromStep != "" {
		idx, ok := reg.def.stepIndex(o.fromStep)
		if !ok {
			return "", errors.Wrap(ErrUnknownStep, "", j.MKV{"step": o.fromStep})
		}

		p.StepIndex = idx
	}

	if o.untilStep != "" {
		idx, ok := reg.def.stepIndex(o.untilStep)
		if !ok {
			return "", errors.Wrap(ErrUnknownStep, "", j.MKV{"step": o.untilStep})
		}

		if idx < p.StepIndex {
			return "", errors.Wrap(ErrConfig, "replay would stop before it starts", j.MKV{
				"from": o.fromStep,
				"to":   o.untilStep,
			})
		}

		p.LastStepIndex = &idx
	}

	job, err := e.enqueue(ctx, enqueueRequest{
		reg:      reg,
		payload:  p,
		trigger:  triggerReplay,
		parentID: rec.ID,
	})
	if err != nil {
		return "", err
	}

	return job.ID, nil
}
