package jobflow

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/andrewwormald/jobflow/internal/metrics"
)

// PendingResponse is the receiving side of the response bridge for a single webhook-triggered job. The subscription
// is active before the job is enqueued so no reply can be missed.
type PendingResponse struct {
	JobID   string
	DBJobID int64

	engine   *Engine
	channel  string
	sub      Subscription
	timeout  time.Duration
	consumed atomic.Bool
}

// WriteTo suspends the calling goroutine until the workflow's response completes or the response timeout elapses
// and writes the outcome to w. Exactly one terminal outcome is written: either the full response in publish order or
// a gateway timeout. If the timeout elapses after the response has started the response is cut short.
func (p *PendingResponse) WriteTo(ctx context.Context, w http.ResponseWriter) error {
	if !p.consumed.CompareAndSwap(false, true) {
		return errors.Wrap(ErrResponseFinished, "pending response already written", j.MKV{"job_id": p.JobID})
	}
	defer p.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan []byte)
	recvErr := make(chan error, 1)
	go func() {
		for {
			b, err := p.sub.Recv(ctx)
			if err != nil {
				recvErr <- err
				return
			}

			select {
			case msgs <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	timeout := p.engine.clock.NewTimer(p.timeout)
	defer timeout.Stop()

	var (
		started bool
		buf     = newFrameBuffer()
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-recvErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if !started {
				writeJSONError(w, http.StatusBadGateway, "reply channel closed")
			}

			return errors.Wrap(err, "receive reply", j.MKV{"job_id": p.JobID})

		case <-timeout.C():
			metrics.ResponseTimeouts.Inc()
			if !started {
				writeJSONError(w, http.StatusGatewayTimeout, ErrResponseTimeout.Error())
			}

			return errors.Wrap(ErrResponseTimeout, "", j.MKV{
				"job_id":  p.JobID,
				"started": started,
			})

		case b := <-msgs:
			f, err := unmarshalFrame(b)
			if err != nil {
				p.engine.logger.Error(ctx, errors.Wrap(err, "decode reply frame", j.MKV{"channel": p.channel}))
				continue
			}

			buf.Add(f)

			for {
				next, ok := buf.Next()
				if !ok {
					break
				}

				switch next.Kind {
				case frameKindMeta:
					if started {
						// Headers can only be written once.
						continue
					}

					for k, v := range next.Headers {
						w.Header().Set(k, v)
					}

					w.WriteHeader(next.Status)
					started = true
				case frameKindBody:
					if !started {
						w.WriteHeader(http.StatusOK)
						started = true
					}

					if len(next.Body) > 0 {
						_, err := w.Write(next.Body)
						if err != nil {
							return errors.Wrap(err, "write response body", j.MKV{"job_id": p.JobID})
						}
					}

					if fl, ok := w.(http.Flusher); ok {
						fl.Flush()
					}
				}

				if next.Final {
					return nil
				}
			}
		}
	}
}

// Close releases the reply subscription of a pending response that will not be written.
func (p *PendingResponse) Close() error {
	if !p.consumed.CompareAndSwap(false, true) {
		return nil
	}

	return p.close()
}

func (p *PendingResponse) close() error {
	err := p.sub.Close()
	if err != nil {
		return errors.Wrap(err, "close reply subscription", j.MKV{"channel": p.channel})
	}

	return nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
