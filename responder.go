package jobflow

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// responder is the worker side of the response bridge. Jobs that were not triggered by a waiting caller get a
// responder whose sends are noops.
type responder struct {
	engine  *Engine
	enabled bool
	channel string
	attempt int
	dbJobID int64

	mu       sync.Mutex
	seq      int
	started  bool
	finished bool
}

func newResponder(e *Engine, job *Job, rec *Record) *responder {
	p := job.Payload
	return &responder{
		engine:  e,
		enabled: p.NeedResponse && p.RequesterRuntimeID != "" && p.ResponseKey != "",
		channel: replyChannel(p.RequesterRuntimeID, p.ResponseKey),
		// Until this execution's run is recorded it numbers its frames after the last recorded run.
		attempt: rec.Runs + 1,
		dbJobID: rec.ID,
		// A previous attempt that started the response leaves the status on the record.
		started: rec.ResponseStatus != 0,
	}
}

func (r *responder) SendMeta(ctx context.Context, status int, headers map[string]string) error {
	if !r.enabled {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return errors.Wrap(ErrResponseFinished, "", j.MKV{"channel": r.channel})
	}

	if r.started {
		return errors.Wrap(ErrResponseStarted, "", j.MKV{"channel": r.channel})
	}

	return r.sendMeta(ctx, status, headers)
}

func (r *responder) SendBody(ctx context.Context, body []byte, final bool) error {
	if !r.enabled {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return errors.Wrap(ErrResponseFinished, "", j.MKV{"channel": r.channel})
	}

	if !r.started {
		err := r.sendMeta(ctx, http.StatusOK, nil)
		if err != nil {
			return err
		}
	}

	return r.sendBody(ctx, body, final)
}

// Complete finishes the response with an empty 200 unless the workflow already finished it.
func (r *responder) Complete(ctx context.Context) error {
	if !r.enabled {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return nil
	}

	if !r.started {
		err := r.sendMeta(ctx, http.StatusOK, nil)
		if err != nil {
			return err
		}
	}

	return r.sendBody(ctx, nil, true)
}

// Fail finishes the response with a 500 carrying the error. If the response has already started only the final
// fragment is sent.
func (r *responder) Fail(ctx context.Context, cause error) error {
	if !r.enabled {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return nil
	}

	if r.started {
		return r.sendBody(ctx, nil, true)
	}

	err := r.sendMeta(ctx, http.StatusInternalServerError, map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		return err
	}

	return r.sendBody(ctx, body, true)
}

func (r *responder) sendMeta(ctx context.Context, status int, headers map[string]string) error {
	err := r.publish(ctx, frame{
		Kind:    frameKindMeta,
		Status:  status,
		Headers: headers,
	})
	if err != nil {
		return err
	}

	r.started = true

	// Recording the status lets a retry of the job know the caller's response has already started.
	_, err = r.engine.updateRecord(ctx, r.dbJobID, func(rec *Record) error {
		rec.ResponseStatus = status
		rec.ResponseHeaders = headers
		return nil
	})
	if err != nil && !errors.Is(err, ErrInvalidStatusTransition) {
		r.engine.logger.Error(ctx, errors.Wrap(err, "record response meta", j.MKV{"db_job_id": r.dbJobID}))
	}

	return nil
}

func (r *responder) sendBody(ctx context.Context, body []byte, final bool) error {
	err := r.publish(ctx, frame{
		Kind:  frameKindBody,
		Body:  body,
		Final: final,
	})
	if err != nil {
		return err
	}

	if final {
		r.finished = true
	}

	return nil
}

// setRun numbers the frames that follow with the recorded run of this execution.
func (r *responder) setRun(run int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run == r.attempt {
		return
	}

	r.attempt = run
	r.seq = 0
}

// publish sends the next frame. Callers must hold r.mu.
func (r *responder) publish(ctx context.Context, f frame) error {
	f.Attempt = r.attempt
	f.Seq = r.seq

	b, err := marshalFrame(f)
	if err != nil {
		return errors.Wrap(err, "encode reply frame")
	}

	var receivers int64
	err = r.engine.retryTransient(ctx, "pubsub", func(ctx context.Context) error {
		n, err := r.engine.pubsub.Publish(ctx, r.channel, b)
		if err != nil {
			return err
		}

		receivers = n
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "publish reply frame", j.MKV{"channel": r.channel})
	}

	r.seq++

	if receivers == 0 {
		// The caller has already timed out and gone away.
		r.engine.logger.Debug(ctx, "dropped reply without receivers", MKV{
			"channel": r.channel,
			"kind":    f.Kind,
		})
	}

	return nil
}
