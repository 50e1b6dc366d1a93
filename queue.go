package jobflow

import (
	"context"
	"time"
)

// Queue defines the durable broker adapter interface and all implementations should all be tested with
// adaptertest.TestQueue to ensure the behaviour is compatible with the engine. Jobs pushed onto a queue must be
// popped in the order they were pushed.
type Queue interface {
	Push(ctx context.Context, queue string, j *Job) error
	// PushDelayed makes the job available for popping once at has passed.
	PushDelayed(ctx context.Context, queue string, j *Job, at time.Time) error
	// Pop blocks until a job is available or the context is cancelled.
	Pop(ctx context.Context, queue string) (*Job, Ack, error)
	// Len returns the number of jobs waiting to be popped.
	Len(ctx context.Context, queue string) (int64, error)
}

// Ack is used for the queue to forget a popped job. If Ack is not called then the queue, depending on
// implementation, will keep the job in its in-flight set so that it can be recovered.
type Ack func() error
