package jobflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/andrewwormald/jobflow/internal/cron"
)

// Trigger is one of CronTrigger, EventTrigger or WebhookTrigger.
type Trigger interface {
	isTrigger()
}

type CronTrigger struct {
	Pattern string
	// Timezone is an IANA location name. Empty means the engine clock's location.
	Timezone string
	// Immediate fires the workflow once when the engine starts in addition to the schedule.
	Immediate bool
	// OldPattern and OldName identify a previous registration of this timer that must be retired before this one
	// is registered.
	OldPattern string
	OldName    string
}

type EventTrigger struct {
	Event  string
	Source string
}

type WebhookTrigger struct {
	// SubKey optionally narrows the route to /{workflow}/{subkey}.
	SubKey string
}

func (CronTrigger) isTrigger()    {}
func (EventTrigger) isTrigger()   {}
func (WebhookTrigger) isTrigger() {}

// PayloadType determines how an inbound webhook is mapped into the job's context.
type PayloadType int

const (
	PayloadBody  PayloadType = 0
	PayloadQuery PayloadType = 1
)

func (p PayloadType) String() string {
	switch p {
	case PayloadBody:
		return "Body"
	case PayloadQuery:
		return "Query"
	default:
		return fmt.Sprintf("PayloadType(%d)", p)
	}
}

type StepRef struct {
	Name  string
	Order int
}

// StepFunc is one unit of workflow logic. Returning an error fails the step and, depending on the workflow's retry
// budget, either schedules a retry of the same step or fails the job.
type StepFunc func(ctx context.Context, sc *StepContext) error

// Instance is a workflow object constructed fresh for every job. Step closures bind to the instance so that step
// local state cannot leak between concurrent executions of the same workflow.
type Instance interface {
	Steps() map[string]StepFunc
}

// Factory constructs an Instance. Dependencies are resolved from the Locator.
type Factory func(l *Locator) (Instance, error)

// Definition is computed once at startup and never mutated after registration.
type Definition struct {
	Name     string
	Triggers []Trigger
	Steps    []StepRef
	// Concurrency is the maximum number of jobs of this workflow executing at once. Zero means unbounded.
	Concurrency int
	// Internal workflows cannot be triggered externally and are only enqueued from other workflow steps.
	Internal       bool
	WebhookPayload PayloadType
	New            Factory

	// MaxRetries is the number of times a failing step is retried before the job fails. Zero disables retries.
	MaxRetries   int
	RetryBackOff time.Duration
}

func (d Definition) cronTriggers() []CronTrigger {
	var cts []CronTrigger
	for _, t := range d.Triggers {
		if ct, ok := t.(CronTrigger); ok {
			cts = append(cts, ct)
		}
	}

	return cts
}

func (d Definition) eventTriggers() []EventTrigger {
	var ets []EventTrigger
	for _, t := range d.Triggers {
		if et, ok := t.(EventTrigger); ok {
			ets = append(ets, et)
		}
	}

	return ets
}

func (d Definition) webhookTrigger() (WebhookTrigger, bool) {
	for _, t := range d.Triggers {
		if wt, ok := t.(WebhookTrigger); ok {
			return wt, true
		}
	}

	return WebhookTrigger{}, false
}

func (d Definition) stepNames() []string {
	names := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		names = append(names, s.Name)
	}

	return names
}

func (d Definition) stepIndex(name string) (int, bool) {
	for i, s := range d.Steps {
		if s.Name == name {
			return i, true
		}
	}

	return 0, false
}

// normalise validates the definition and returns a copy with its steps sorted by order.
func (d Definition) normalise() (Definition, error) {
	if d.Name == "" {
		return Definition{}, errors.Wrap(ErrConfig, "workflow name is required")
	}

	meta := j.MKV{"workflow_name": d.Name}

	if d.New == nil {
		return Definition{}, errors.Wrap(ErrConfig, "workflow factory is required", meta)
	}

	if len(d.Steps) == 0 {
		return Definition{}, errors.Wrap(ErrConfig, "workflow must declare at least one step", meta)
	}

	if d.Concurrency < 0 {
		return Definition{}, errors.Wrap(ErrConfig, "concurrency cannot be negative", meta)
	}

	if !d.Internal && len(d.Triggers) == 0 {
		return Definition{}, errors.Wrap(ErrConfig, "non-internal workflow must declare a trigger", meta)
	}

	steps := make([]StepRef, len(d.Steps))
	copy(steps, d.Steps)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})

	names := make(map[string]bool)
	for i, s := range steps {
		if s.Name == "" {
			return Definition{}, errors.Wrap(ErrConfig, "step name is required", meta)
		}

		if names[s.Name] {
			return Definition{}, errors.Wrap(ErrConfig, "duplicate step name", j.MKV{
				"workflow_name": d.Name,
				"step":          s.Name,
			})
		}
		names[s.Name] = true

		if i > 0 && steps[i-1].Order == s.Order {
			return Definition{}, errors.Wrap(ErrConfig, "duplicate step order", j.MKV{
				"workflow_name": d.Name,
				"step":          s.Name,
				"order":         s.Order,
			})
		}
	}

	var webhooks int
	for _, t := range d.Triggers {
		switch tt := t.(type) {
		case CronTrigger:
			_, err := cron.Parse(tt.Pattern, tt.Timezone)
			if err != nil {
				return Definition{}, errors.Wrap(ErrConfig, "invalid cron trigger: "+err.Error(), j.MKV{
					"workflow_name": d.Name,
					"pattern":       tt.Pattern,
					"timezone":      tt.Timezone,
				})
			}
		case EventTrigger:
			if tt.Event == "" || tt.Source == "" {
				return Definition{}, errors.Wrap(ErrConfig, "event trigger requires event and source", meta)
			}
		case WebhookTrigger:
			webhooks++
		case nil:
			return Definition{}, errors.Wrap(ErrConfig, "nil trigger", meta)
		}
	}

	if webhooks > 1 {
		return Definition{}, errors.Wrap(ErrConfig, "at most one webhook trigger per workflow", meta)
	}

	if d.WebhookPayload != PayloadBody && d.WebhookPayload != PayloadQuery {
		return Definition{}, errors.Wrap(ErrConfig, "unknown webhook payload type", meta)
	}

	d.Steps = steps
	return d, nil
}
