package jobflow

import (
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	ErrConfig                  = errors.New("invalid workflow configuration", j.C("ERR_5a1c0e7f2b9d4e61"))
	ErrTransientInfra          = errors.New("infrastructure temporarily unavailable", j.C("ERR_0c3f6b2ad8e17f95"))
	ErrStepFailed              = errors.New("step failed", j.C("ERR_91d2e44b0fa3c6e8"))
	ErrRecordNotFound          = errors.New("job record not found", j.C("ERR_7e0b9d15c2a4f836"))
	ErrJobNotFound             = errors.New("job not found", j.C("ERR_c84a27e1b9f05d3c"))
	ErrScheduleNotFound        = errors.New("schedule not found", j.C("ERR_2f6d18a9e0c7b453"))
	ErrUnknownWorkflow         = errors.New("workflow is not registered", j.C("ERR_b37e5c0a91d2f864"))
	ErrInternalWorkflow        = errors.New("workflow is internal and cannot be triggered externally", j.C("ERR_4d9a7f3e16b0c258"))
	ErrReplayInternal          = errors.New("internal workflows cannot be replayed", j.C("ERR_e6c1a05b7d3f2984"))
	ErrUnknownEventSource      = errors.New("unknown event source", j.C("ERR_8b2f4d6e0a9c1735"))
	ErrUnknownStep             = errors.New("step is not declared for workflow", j.C("ERR_a0e93b7c5d1f6248"))
	ErrResponseStarted         = errors.New("response meta already sent", j.C("ERR_3c7e2a9f1b5d0e64"))
	ErrResponseFinished        = errors.New("response already finalised", j.C("ERR_f15b8d3c6a2e9047"))
	ErrResponseTimeout         = errors.New("timed out waiting for workflow response", j.C("ERR_6a4c0e8b2d7f1359"))
	ErrInvalidStatusTransition = errors.New("job status cannot transition", j.C("ERR_5e9c3a7f1d0b6842"))
	ErrJobCancelled            = errors.New("job was cancelled", j.C("ERR_9a1d5f3b7e0c2864"))
)

// terminalError marks a step error as non-retryable regardless of the workflow's retry budget.
type terminalError struct {
	err error
}

func (t *terminalError) Error() string {
	return t.err.Error()
}

func (t *terminalError) Unwrap() error {
	return t.err
}

// Terminal wraps err so that the executor fails the job immediately instead of scheduling a retry.
func Terminal(err error) error {
	if err == nil {
		return nil
	}

	return &terminalError{err: err}
}

// IsTerminal reports whether err, or anything it wraps, was marked with Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// transientError marks an infrastructure failure as retryable at the dispatch and persistence boundaries.
type transientError struct {
	err error
}

func (t *transientError) Error() string {
	return "transient: " + t.err.Error()
}

func (t *transientError) Unwrap() error {
	return t.err
}

func (t *transientError) Is(target error) bool {
	return target == ErrTransientInfra
}

// Transient wraps an infrastructure error so that dispatch and persistence boundaries know to retry it. Adapters
// return their broker / database errors wrapped with Transient.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &transientError{err: err}
}
