package jobflow

import "time"

const defaultStepOrderGap = 10

// NewBuilder starts the definition of a workflow. Steps are ordered by the sequence in which they are added unless
// an explicit order is provided with WithOrder.
func NewBuilder(name string) *Builder {
	return &Builder{
		def: Definition{
			Name: name,
		},
	}
}

type Builder struct {
	def       Definition
	nextOrder int
}

type stepOptions struct {
	order    int
	hasOrder bool
}

type StepOption func(so *stepOptions)

// WithOrder sets the step's position explicitly. Orders must be unique within a workflow.
func WithOrder(order int) StepOption {
	return func(so *stepOptions) {
		so.order = order
		so.hasOrder = true
	}
}

func (b *Builder) AddStep(name string, opts ...StepOption) *Builder {
	var so stepOptions
	for _, opt := range opts {
		opt(&so)
	}

	order := b.nextOrder + defaultStepOrderGap
	if so.hasOrder {
		order = so.order
	}

	if order > b.nextOrder {
		b.nextOrder = order
	}

	b.def.Steps = append(b.def.Steps, StepRef{Name: name, Order: order})
	return b
}

type CronOption func(ct *CronTrigger)

func WithTimezone(tz string) CronOption {
	return func(ct *CronTrigger) {
		ct.Timezone = tz
	}
}

// FireImmediately fires the workflow once when the engine starts.
func FireImmediately() CronOption {
	return func(ct *CronTrigger) {
		ct.Immediate = true
	}
}

// Replaces retires the timer previously registered under oldName with oldPattern. Either may be empty when only the
// other changed.
func Replaces(oldName, oldPattern string) CronOption {
	return func(ct *CronTrigger) {
		ct.OldName = oldName
		ct.OldPattern = oldPattern
	}
}

func (b *Builder) AddCron(pattern string, opts ...CronOption) *Builder {
	ct := CronTrigger{Pattern: pattern}
	for _, opt := range opts {
		opt(&ct)
	}

	b.def.Triggers = append(b.def.Triggers, ct)
	return b
}

func (b *Builder) AddEvent(source, event string) *Builder {
	b.def.Triggers = append(b.def.Triggers, EventTrigger{Source: source, Event: event})
	return b
}

type WebhookOption func(wt *WebhookTrigger, pt *PayloadType)

func WithSubKey(key string) WebhookOption {
	return func(wt *WebhookTrigger, _ *PayloadType) {
		wt.SubKey = key
	}
}

// WithQueryPayload uses the query string instead of the body as the job's context.
func WithQueryPayload() WebhookOption {
	return func(_ *WebhookTrigger, pt *PayloadType) {
		*pt = PayloadQuery
	}
}

func (b *Builder) AddWebhook(opts ...WebhookOption) *Builder {
	var (
		wt WebhookTrigger
		pt = PayloadBody
	)
	for _, opt := range opts {
		opt(&wt, &pt)
	}

	b.def.Triggers = append(b.def.Triggers, wt)
	b.def.WebhookPayload = pt
	return b
}

// Concurrency bounds the number of jobs of the workflow executing at once. Zero means unbounded.
func (b *Builder) Concurrency(n int) *Builder {
	b.def.Concurrency = n
	return b
}

// Internal marks the workflow as only triggerable from other workflows' steps.
func (b *Builder) Internal() *Builder {
	b.def.Internal = true
	return b
}

// Retries allows a failing step to be retried up to maxRetries times with backOff between attempts.
func (b *Builder) Retries(maxRetries int, backOff time.Duration) *Builder {
	b.def.MaxRetries = maxRetries
	b.def.RetryBackOff = backOff
	return b
}

// Build returns the definition. The definition is validated when it is registered with an engine.
func (b *Builder) Build(f Factory) Definition {
	def := b.def
	def.Steps = append([]StepRef(nil), b.def.Steps...)
	def.Triggers = append([]Trigger(nil), b.def.Triggers...)
	def.New = f
	return def
}

// Steps is an Instance of stateless step functions.
type Steps map[string]StepFunc

func (s Steps) Steps() map[string]StepFunc {
	return s
}

// StaticFactory returns a Factory that provides the same stateless steps to every job.
func StaticFactory(steps Steps) Factory {
	return func(*Locator) (Instance, error) {
		return steps, nil
	}
}
