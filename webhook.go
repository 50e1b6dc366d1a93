package jobflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var ErrInvalidWebhookBody = errors.New("webhook body is not valid json", j.C("ERR_7c2e9a4f0b6d1385"))

// WebhookRequest is an inbound webhook call after authentication has been handled by the HTTP layer.
type WebhookRequest struct {
	Workflow string
	SubKey   string
	Body     []byte
	Query    url.Values
}

// Webhook enqueues a job of the workflow on behalf of a waiting caller and returns without waiting for the job.
// The returned PendingResponse must be written or closed.
func (e *Engine) Webhook(ctx context.Context, req WebhookRequest) (*PendingResponse, error) {
	reg, err := e.lookupRegistration(req.Workflow)
	if err != nil {
		return nil, err
	}

	meta := j.MKV{"workflow_name": req.Workflow, "sub_key": req.SubKey}

	if reg.def.Internal {
		return nil, errors.Wrap(ErrInternalWorkflow, "", meta)
	}

	wt, ok := reg.def.webhookTrigger()
	if !ok || wt.SubKey != req.SubKey {
		return nil, errors.Wrap(ErrUnknownWorkflow, "no webhook route", meta)
	}

	jobContext, err := webhookContext(reg.def.WebhookPayload, req)
	if err != nil {
		return nil, errors.Wrap(err, "", meta)
	}

	key := uuid.New().String()
	channel := replyChannel(e.runtimeID, key)

	sub, err := e.replies.Wait(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to reply channel", meta)
	}

	job, err := e.enqueue(ctx, enqueueRequest{
		reg: reg,
		payload: Payload{
			RequesterRuntimeID: e.runtimeID,
			ResponseKey:        key,
			NeedResponse:       true,
			Context:            jobContext,
		},
		trigger: triggerWebhook,
	})
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	return &PendingResponse{
		JobID:   job.ID,
		DBJobID: job.Payload.DBJobID,
		engine:  e,
		channel: channel,
		sub:     sub,
		timeout: e.opts.responseTimeout,
	}, nil
}

func webhookContext(pt PayloadType, req WebhookRequest) (any, error) {
	switch pt {
	case PayloadQuery:
		m := make(map[string]any, len(req.Query))
		for k, vals := range req.Query {
			if len(vals) == 1 {
				m[k] = vals[0]
				continue
			}

			list := make([]any, 0, len(vals))
			for _, v := range vals {
				list = append(list, v)
			}
			m[k] = list
		}

		return m, nil
	default:
		if len(strings.TrimSpace(string(req.Body))) == 0 {
			return nil, nil
		}

		var v any
		err := json.Unmarshal(req.Body, &v)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidWebhookBody, err.Error())
		}

		return v, nil
	}
}

const maxWebhookBody = 10 << 20

// NewWebhookHandler routes POST and GET calls on /{workflow} and /{workflow}/{subkey} to the engine and writes the
// workflow's response. Mount it with http.StripPrefix when serving under a prefix.
func NewWebhookHandler(e *Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(strings.Trim(r.URL.Path, "/"), "/", 2)
		if parts[0] == "" {
			writeJSONError(w, http.StatusNotFound, "workflow not specified")
			return
		}

		req := WebhookRequest{
			Workflow: parts[0],
			Query:    r.URL.Query(),
		}
		if len(parts) == 2 {
			req.SubKey = parts[1]
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "read body")
			return
		}
		req.Body = body

		ctx := r.Context()
		pending, err := e.Webhook(ctx, req)
		if errors.Is(err, ErrUnknownWorkflow) || errors.Is(err, ErrInternalWorkflow) {
			writeJSONError(w, http.StatusNotFound, "unknown webhook")
			return
		} else if errors.Is(err, ErrInvalidWebhookBody) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		} else if err != nil {
			e.logger.Error(ctx, err)
			writeJSONError(w, http.StatusServiceUnavailable, "could not enqueue job")
			return
		}

		err = pending.WriteTo(ctx, w)
		if err != nil && !errors.Is(err, ErrResponseTimeout) {
			e.logger.Error(ctx, err)
		}
	})
}
