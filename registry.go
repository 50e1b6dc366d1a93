package jobflow

import (
	"context"
	"sync/atomic"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

type registration struct {
	def     Definition
	limiter *limiter
	active  atomic.Int64
	// cron holds the compiled timers of the workflow's cron triggers.
	cron []timerSpec
}

// Register validates and registers the provided workflow definitions. Either all definitions are registered or
// none are. Workflows must be registered before Run is called.
func (e *Engine) Register(defs ...Definition) error {
	if e.calledRun.Load() {
		return errors.Wrap(ErrConfig, "workflows must be registered before Run is called")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		batch = make(map[string]bool)
		regs  []*registration
	)
	for _, d := range defs {
		def, err := d.normalise()
		if err != nil {
			return err
		}

		_, exists := e.workflows[def.Name]
		if exists || batch[def.Name] {
			return errors.Wrap(ErrConfig, "workflow name already registered", j.MKV{
				"workflow_name": def.Name,
			})
		}
		batch[def.Name] = true

		for _, et := range def.eventTriggers() {
			if e.opts.eventBus == nil || !e.opts.eventBus.HasSource(et.Source) {
				return errors.Wrap(ErrConfig, "unknown event source", j.MKV{
					"workflow_name": def.Name,
					"source":        et.Source,
					"event":         et.Event,
				})
			}
		}

		regs = append(regs, &registration{def: def, limiter: newLimiter(def.Concurrency)})
	}

	for _, reg := range regs {
		e.workflows[reg.def.Name] = reg
		e.names = append(e.names, reg.def.Name)
	}

	e.retireTimers(regs)

	for _, reg := range regs {
		for _, ct := range reg.def.cronTriggers() {
			e.addTimer(reg.def.Name, ct)
		}
	}

	return nil
}

// MustRegister calls Register and panics if the definitions are invalid.
func (e *Engine) MustRegister(defs ...Definition) {
	err := e.Register(defs...)
	if err != nil {
		panic(err)
	}
}

// Lookup returns the normalised definition of the registered workflow.
func (e *Engine) Lookup(name string) (Definition, bool) {
	reg, ok := e.registration(name)
	if !ok {
		return Definition{}, false
	}

	return reg.def, true
}

func (e *Engine) registration(name string) (*registration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	reg, ok := e.workflows[name]
	return reg, ok
}

func (e *Engine) lookupRegistration(name string) (*registration, error) {
	reg, ok := e.registration(name)
	if !ok {
		return nil, errors.Wrap(ErrUnknownWorkflow, "", j.MKV{"workflow_name": name})
	}

	return reg, nil
}

func (e *Engine) registrations() []*registration {
	e.mu.RLock()
	defer e.mu.RUnlock()

	regs := make([]*registration, 0, len(e.names))
	for _, name := range e.names {
		regs = append(regs, e.workflows[name])
	}

	return regs
}

// WorkflowStatus is a registered workflow along with its live counters.
type WorkflowStatus struct {
	Definition Definition
	// Active is the number of jobs executing in this process.
	Active int64
	// Waiting is the number of jobs on the workflow's queue.
	Waiting   int64
	Failed    int64
	Completed int64
	Paused    bool
}

// ListWorkflows returns every registered workflow in registration order.
func (e *Engine) ListWorkflows(ctx context.Context) ([]WorkflowStatus, error) {
	var resp []WorkflowStatus
	for _, reg := range e.registrations() {
		name := reg.def.Name

		waiting, err := e.queue.Len(ctx, name)
		if err != nil {
			return nil, errors.Wrap(err, "queue length", j.MKV{"workflow_name": name})
		}

		failed, err := e.records.Count(ctx, name, JobStatusFailed)
		if err != nil {
			return nil, errors.Wrap(err, "count failed", j.MKV{"workflow_name": name})
		}

		completed, err := e.records.Count(ctx, name, JobStatusCompleted)
		if err != nil {
			return nil, errors.Wrap(err, "count completed", j.MKV{"workflow_name": name})
		}

		resp = append(resp, WorkflowStatus{
			Definition: reg.def,
			Active:     reg.active.Load(),
			Waiting:    waiting,
			Failed:     failed,
			Completed:  completed,
			Paused:     reg.limiter.Paused(),
		})
	}

	return resp, nil
}

// Pause stops this process from starting new jobs of the workflow. Jobs already executing run to completion and
// triggers continue to enqueue.
func (e *Engine) Pause(name string) error {
	reg, err := e.lookupRegistration(name)
	if err != nil {
		return err
	}

	reg.limiter.Pause()
	e.logger.Debug(context.Background(), "paused workflow", MKV{"workflow_name": name})
	return nil
}

func (e *Engine) Resume(name string) error {
	reg, err := e.lookupRegistration(name)
	if err != nil {
		return err
	}

	reg.limiter.Resume()
	e.logger.Debug(context.Background(), "resumed workflow", MKV{"workflow_name": name})
	return nil
}
