package jobflow

import (
	"context"
	"encoding/json"
)

// StepContext is provided to every step. It exposes the job being executed and the response bridge of the caller
// waiting on the job, if any.
type StepContext struct {
	engine    *Engine
	job       Job
	dbJobID   int64
	step      string
	index     int
	responder *responder
}

func (sc *StepContext) JobID() string {
	return sc.job.ID
}

func (sc *StepContext) DBJobID() int64 {
	return sc.dbJobID
}

func (sc *StepContext) Workflow() string {
	return sc.job.Workflow
}

// Step returns the name of the executing step.
func (sc *StepContext) Step() string {
	return sc.step
}

func (sc *StepContext) StepIndex() int {
	return sc.index
}

func (sc *StepContext) Payload() Payload {
	return sc.job.Payload
}

// Context returns the job's context as decoded from the queue. Use Decode to read it into a typed value.
func (sc *StepContext) Context() any {
	return sc.job.Payload.Context
}

// Decode reads the job's context into v.
func (sc *StepContext) Decode(v any) error {
	b, err := json.Marshal(sc.job.Payload.Context)
	if err != nil {
		return err
	}

	return json.Unmarshal(b, v)
}

func (sc *StepContext) IsRetry() bool {
	return sc.job.Payload.IsRetry
}

// NeedResponse reports whether a webhook caller is waiting on this job's response.
func (sc *StepContext) NeedResponse() bool {
	return sc.responder.enabled
}

// SendResponseMeta starts the waiting caller's response. Sending meta a second time returns ErrResponseStarted and
// sending after the response finished returns ErrResponseFinished; in both cases nothing is sent. It is a noop for
// jobs without a waiting caller.
func (sc *StepContext) SendResponseMeta(ctx context.Context, status int, headers map[string]string) error {
	return sc.responder.SendMeta(ctx, status, headers)
}

// SendResponse sends a body fragment to the waiting caller. A fragment sent before any meta implicitly starts the
// response with a 200. The response completes with the fragment flagged final.
func (sc *StepContext) SendResponse(ctx context.Context, body []byte, final bool) error {
	return sc.responder.SendBody(ctx, body, final)
}

// Enqueue triggers another workflow, including internal workflows, with the provided context.
func (sc *StepContext) Enqueue(ctx context.Context, workflow string, jobContext any) (jobID string, err error) {
	reg, err := sc.engine.lookupRegistration(workflow)
	if err != nil {
		return "", err
	}

	job, err := sc.engine.enqueue(ctx, enqueueRequest{
		reg:     reg,
		payload: Payload{Context: jobContext},
		trigger: triggerStep,
	})
	if err != nil {
		return "", err
	}

	return job.ID, nil
}

func (sc *StepContext) Logger() Logger {
	return sc.engine.logger
}

func (sc *StepContext) Locator() *Locator {
	return sc.engine.opts.locator
}
