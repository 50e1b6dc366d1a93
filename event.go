package jobflow

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// consumeEvents subscribes the workflow to the event trigger and enqueues a job per observed event with the event's
// payload as the job context. Only the process holding the trigger's role consumes so that each event results in a
// single job per workflow.
func (e *Engine) consumeEvents(ctx context.Context, reg *registration, et EventTrigger) error {
	err := e.opts.eventBus.Subscribe(ctx, et.Source, et.Event, func(ctx context.Context, ev *Event) error {
		job, err := e.enqueue(ctx, enqueueRequest{
			reg:     reg,
			payload: Payload{Context: ev.Payload},
			trigger: triggerEvent,
		})
		if err != nil {
			return errors.Wrap(err, "enqueue from event", j.MKV{
				"workflow_name": reg.def.Name,
				"event_id":      ev.ID,
			})
		}

		e.logger.Debug(ctx, "triggered by event", MKV{
			"workflow_name": reg.def.Name,
			"event_id":      ev.ID,
			"job_id":        job.ID,
		})

		return nil
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	return ctx.Err()
}
