package jobflow

import (
	"encoding/json"
	"strings"
	"time"
)

// Job is the unit of queued work. Jobs are serialised onto the workflow's queue and popped by the worker that owns
// the workflow, which may be running in a different process than the one that enqueued it.
type Job struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	Payload    Payload   `json:"payload"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type Payload struct {
	// RequesterRuntimeID identifies the process instance that received the triggering webhook.
	RequesterRuntimeID string `json:"requesterRuntimeId,omitempty"`
	// ResponseKey is the job scoped correlation key the waiting webhook caller is subscribed to.
	ResponseKey  string `json:"responseKey,omitempty"`
	NeedResponse bool   `json:"needResponse,omitempty"`
	DBJobID      int64  `json:"dbJobId,omitempty"`
	ScheduleID   string `json:"scheduleId,omitempty"`
	// StepIndex is the resume cursor. It is the index of the next step that has not yet completed.
	StepIndex int `json:"stepIndex"`
	// LastStepIndex, when set, stops execution after the step at that index.
	LastStepIndex *int     `json:"lastStepIndex,omitempty"`
	Context       any      `json:"context,omitempty"`
	IsRetry       bool     `json:"isRetry,omitempty"`
	Steps         []string `json:"steps,omitempty"`
}

func MarshalJob(j *Job) ([]byte, error) {
	return Marshal(j)
}

func UnmarshalJob(b []byte) (*Job, error) {
	var j Job
	err := Unmarshal(b, &j)
	if err != nil {
		return nil, err
	}

	return &j, nil
}

// Record is the durable audit trail of a job. It is created when the job is first enqueued and updated as steps
// progress.
type Record struct {
	ID           int64
	WorkflowName string
	JobID        string
	Status       JobStatus
	StepIndex    int
	// Payload is the redacted JSON encoding of the job payload. Secrets and response correlation fields are removed.
	Payload []byte
	Error   string

	ResponseStatus  int
	ResponseHeaders map[string]string

	Attempts int
	// Runs counts the executions of the job. Every pop of the job starts a new run, including resumes after a worker
	// stopped mid-step, and reply frames are numbered within their run.
	Runs int
	// ParentID links a replayed job back to the record it was replayed from.
	ParentID int64

	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

func (r *Record) clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}

	if r.ResponseHeaders != nil {
		c.ResponseHeaders = make(map[string]string, len(r.ResponseHeaders))
		for k, v := range r.ResponseHeaders {
			c.ResponseHeaders[k] = v
		}
	}

	return &c
}

// DecodePayload returns the persisted, redacted payload of the record.
func (r *Record) DecodePayload() (Payload, error) {
	var p Payload
	if len(r.Payload) == 0 {
		return p, nil
	}

	err := json.Unmarshal(r.Payload, &p)
	if err != nil {
		return Payload{}, err
	}

	return p, nil
}

const redactedValue = "[REDACTED]"

var defaultRedactKeys = []string{"password", "secret", "token", "authorization", "apikey", "api_key"}

// redactPayload produces the persisted copy of the payload. The response correlation fields only make sense while
// the original caller is waiting and are never written to the record.
func redactPayload(p Payload, keys []string) ([]byte, error) {
	p.RequesterRuntimeID = ""
	p.ResponseKey = ""
	p.Context = redactValue(p.Context, keys)
	return json.Marshal(p)
}

func redactValue(v any, keys []string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSecretKey(k, keys) {
				out[k] = redactedValue
				continue
			}

			out[k] = redactValue(val, keys)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSecretKey(k, keys) {
				out[k] = redactedValue
				continue
			}

			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val, keys)
		}
		return out
	default:
		return v
	}
}

func isSecretKey(key string, keys []string) bool {
	lowered := strings.ToLower(key)
	for _, k := range keys {
		if strings.Contains(lowered, k) {
			return true
		}
	}

	return false
}
