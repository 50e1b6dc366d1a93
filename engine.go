package jobflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/andrewwormald/jobflow/adapters/memrolescheduler"
)

// Engine owns the registered workflows and every background process that triggers and executes them. The same
// engine configuration is expected to be deployed to webhook receiving processes and worker processes so that both
// agree on the registered workflows.
type Engine struct {
	queue     Queue
	records   RecordStore
	schedules ScheduleStore
	pubsub    PubSub

	opts      options
	clock     clock.Clock
	logger    *engineLogger
	scheduler RoleScheduler
	runtimeID string
	replies   *replyRouter

	mu        sync.RWMutex
	workflows map[string]*registration
	// names holds the registered workflow names in registration order.
	names []string

	timersMu sync.Mutex
	timers   map[timerKey]*timer
	// retired holds the timers replaced by a renamed or re-patterned cron trigger. Guarded by mu.
	retired map[timerKey]bool

	ctx       context.Context
	cancel    context.CancelFunc
	once      sync.Once
	calledRun atomic.Bool

	// launching tracks the processes that have been spawned but have not yet recorded their state so that Run only
	// returns once every process is visible in States.
	launching sync.WaitGroup
	processes sync.WaitGroup
	executing sync.WaitGroup

	internalStateMu sync.Mutex
	internalState   map[string]State

	degradedMu sync.Mutex
	// degraded holds the boundaries whose most recent attempt failed with a transient error.
	degraded map[string]bool
}

// New creates an engine on top of the provided infrastructure. schedules may be nil in which case compiled cron
// patterns are always authoritative.
func New(queue Queue, records RecordStore, schedules ScheduleStore, pubsub PubSub, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = newDefaultLogger()
	}

	if o.locator == nil {
		o.locator = NewLocator()
	}

	if o.roleScheduler == nil {
		o.roleScheduler = memrolescheduler.New()
	}

	if o.runtimeID == "" {
		o.runtimeID = uuid.New().String()
	}

	e := &Engine{
		queue:     queue,
		records:   records,
		schedules: schedules,
		pubsub:    pubsub,
		opts:      o,
		clock:     o.clock,
		logger: &engineLogger{
			debugMode: o.debugMode,
			inner:     o.logger,
		},
		scheduler:     o.roleScheduler,
		runtimeID:     o.runtimeID,
		workflows:     make(map[string]*registration),
		timers:        make(map[timerKey]*timer),
		retired:       make(map[timerKey]bool),
		internalState: make(map[string]State),
		degraded:      make(map[string]bool),
	}
	e.replies = newReplyRouter(e)

	return e
}

// RuntimeID identifies this process instance on the reply channels of the response bridge.
func (e *Engine) RuntimeID() string {
	return e.runtimeID
}

// Run starts the workers, event subscriptions, cron timers and schedule refreshing of every registered workflow.
// Run only needs to be called once and subsequent calls are a noop. Workflows must be registered before Run is
// called.
func (e *Engine) Run(ctx context.Context) {
	e.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		e.ctx = ctx
		e.cancel = cancel
		e.calledRun.Store(true)

		for _, reg := range e.registrations() {
			name := reg.def.Name

			if !e.opts.dispatchOnly {
				track(e, func() {
					e.run(makeRole(name, "worker"), name+"-worker", func(ctx context.Context) error {
						return e.work(ctx, reg)
					}, e.opts.errBackOff)
				})
			}

			for _, et := range reg.def.eventTriggers() {
				track(e, func() {
					e.run(
						makeRole(name, "event", et.Source, et.Event),
						fmt.Sprintf("%s-%s-%s-consumer", name, et.Source, et.Event),
						func(ctx context.Context) error {
							return e.consumeEvents(ctx, reg, et)
						},
						e.opts.errBackOff,
					)
				})
			}
		}

		e.startTimers()

		if e.schedules != nil && e.opts.scheduleRefresh > 0 {
			track(e, func() {
				e.run(makeRole("jobflow", "schedule", "refresher"), "schedule-refresher", e.refreshSchedulesForever, e.opts.errBackOff)
			})
		}
	})

	e.launching.Wait()
}

// track starts a new goroutine to execute the provided function and ensures it is tracked using launching.
func track(e *Engine, fn func()) {
	e.launching.Add(1)
	e.processes.Add(1)
	go fn()
}

// run is a standardised way of running blocking calls under a role with a built-in retry mechanism.
func (e *Engine) run(role, processName string, process func(ctx context.Context) error, errBackOff time.Duration) {
	e.runUntil(e.ctx, role, processName, process, errBackOff)
}

func (e *Engine) runUntil(
	ctx context.Context,
	role string,
	processName string,
	process func(ctx context.Context) error,
	errBackOff time.Duration,
) {
	defer e.processes.Done()
	e.updateState(processName, StateIdle)
	defer e.updateState(processName, StateShutdown)
	// Mark that another go routine has launched and been added to internal state
	e.launching.Done()

	for {
		err := e.runOnce(ctx, role, processName, process, errBackOff)
		if err != nil {
			e.logger.Debug(ctx, "shutting down process", MKV{
				"role":         role,
				"process_name": processName,
			})

			return
		}
	}
}

func (e *Engine) runOnce(
	ctx context.Context,
	role string,
	processName string,
	process func(ctx context.Context) error,
	errBackOff time.Duration,
) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.updateState(processName, StateIdle)

	ctx, cancel, err := e.scheduler.Await(ctx, role)
	if errors.Is(err, context.Canceled) {
		// Exit cleanly if error returned is cancellation of context
		return err
	} else if err != nil {
		e.logger.Error(ctx, fmt.Errorf("run error [role=%s], [process=%s]: %v", role, processName, err))

		// Return nil to try again
		return nil
	}
	defer cancel()

	e.updateState(processName, StateRunning)

	err = process(ctx)
	if errors.Is(err, context.Canceled) {
		// Context can be cancelled by the role scheduler and thus return nil to attempt to gain the role again
		// and if the parent context was cancelled then that will exit safely.
		return nil
	} else if err != nil {
		e.logger.Error(ctx, fmt.Errorf("run error [role=%s], [process=%s]: %v", role, processName, err))

		timer := e.clock.NewTimer(errBackOff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C():
			// Return nil to try again
			return nil
		}
	}

	return nil
}

// Stop cancels the context provided to all the background processes that the engine launched and waits for them
// and any executing jobs to shut down gracefully. Pending webhook responses are released.
func (e *Engine) Stop() {
	e.replies.Close()

	if e.cancel == nil {
		return
	}

	e.cancel()
	e.processes.Wait()
	e.executing.Wait()
}
