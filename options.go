package jobflow

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/andrewwormald/jobflow/internal/backoff"
)

const (
	defaultResponseTimeout = 30 * time.Second
	defaultErrBackOff      = 1 * time.Second
	defaultScheduleRefresh = time.Minute
	defaultEnqueueAttempts = 5
)

var defaultEnqueueBackOff = backoff.Exponential{
	Initial: 50 * time.Millisecond,
	Max:     2 * time.Second,
	Jitter:  true,
}

type options struct {
	clock           clock.Clock
	logger          Logger
	debugMode       bool
	eventBus        EventBus
	locator         *Locator
	roleScheduler   RoleScheduler
	responseTimeout time.Duration
	runtimeID       string
	errBackOff      time.Duration
	enqueueBackOff  backoff.Exponential
	enqueueAttempts int
	scheduleRefresh time.Duration
	redactKeys      []string
	dispatchOnly    bool
}

func defaultOptions() options {
	return options{
		clock:           clock.RealClock{},
		responseTimeout: defaultResponseTimeout,
		errBackOff:      defaultErrBackOff,
		enqueueBackOff:  defaultEnqueueBackOff,
		enqueueAttempts: defaultEnqueueAttempts,
		scheduleRefresh: defaultScheduleRefresh,
		redactKeys:      defaultRedactKeys,
	}
}

type Option func(o *options)

// WithClock allows the clock to be swapped out for a fake clock in tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithDebugMode enables the engine's debug logs.
func WithDebugMode() Option {
	return func(o *options) {
		o.debugMode = true
	}
}

// WithEventBus provides the bus that event triggers subscribe to. Registering a workflow with an event trigger
// without an event bus is a configuration error.
func WithEventBus(b EventBus) Option {
	return func(o *options) {
		o.eventBus = b
	}
}

// WithLocator provides the service locator that workflow factories resolve their dependencies from.
func WithLocator(l *Locator) Option {
	return func(o *options) {
		o.locator = l
	}
}

// WithRoleScheduler sets the scheduler used to ensure that only one process fires a given cron timer and only one
// process works a given workflow queue. The default is an in-process scheduler which is only suitable when a single
// engine process is deployed.
func WithRoleScheduler(rs RoleScheduler) Option {
	return func(o *options) {
		o.roleScheduler = rs
	}
}

// WithResponseTimeout bounds how long a webhook caller waits for the workflow's response before receiving a
// gateway timeout.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) {
		o.responseTimeout = d
	}
}

// WithRuntimeID overrides the randomly generated identifier of this process instance.
func WithRuntimeID(id string) Option {
	return func(o *options) {
		o.runtimeID = id
	}
}

// WithErrBackOff sets how long background processes wait before retrying after an error.
func WithErrBackOff(d time.Duration) Option {
	return func(o *options) {
		o.errBackOff = d
	}
}

// WithEnqueueRetry configures the retrying of transient infrastructure errors when pushing jobs and persisting
// records.
func WithEnqueueRetry(attempts int, initial, max time.Duration) Option {
	return func(o *options) {
		o.enqueueAttempts = attempts
		o.enqueueBackOff = backoff.Exponential{
			Initial: initial,
			Max:     max,
			Jitter:  true,
		}
	}
}

// WithScheduleRefresh sets how often persisted schedule overrides are reloaded. Zero disables polling.
func WithScheduleRefresh(d time.Duration) Option {
	return func(o *options) {
		o.scheduleRefresh = d
	}
}

// WithRedactKeys replaces the list of payload keys whose values are redacted before the payload is persisted on
// the job record. Keys match case-insensitively on substring.
func WithRedactKeys(keys ...string) Option {
	return func(o *options) {
		o.redactKeys = keys
	}
}

// WithDispatchOnly runs the engine without workers. The engine still serves webhooks, fires timers and observes
// events but the registered workflows are executed by another process.
func WithDispatchOnly() Option {
	return func(o *options) {
		o.dispatchOnly = true
	}
}
