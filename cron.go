package jobflow

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/andrewwormald/jobflow/internal/cron"
	"github.com/andrewwormald/jobflow/internal/metrics"
)

type timerKey struct {
	Workflow   string
	ScheduleID string
}

type timerSpec struct {
	key       timerKey
	pattern   string
	timezone  string
	immediate bool
	// role is held by whichever process fires the timer. A timer that replaces an older registration contends for
	// the older timer's role so that the two never fire at the same time during a rolling deploy.
	role string
}

type timer struct {
	spec     timerSpec
	schedule cron.Schedule
	cancel   context.CancelFunc

	immediatePending atomic.Bool
}

// TimerInfo describes a registered cron timer.
type TimerInfo struct {
	Workflow string
	// ScheduleID is the persisted schedule's ID for overridden timers and the compiled pattern otherwise.
	ScheduleID string
	Pattern    string
	Timezone   string
	Running    bool
}

// Timers lists the cron timers currently registered, ordered by workflow name and schedule ID.
func (e *Engine) Timers() []TimerInfo {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	resp := make([]TimerInfo, 0, len(e.timers))
	for _, t := range e.timers {
		resp = append(resp, TimerInfo{
			Workflow:   t.spec.key.Workflow,
			ScheduleID: t.spec.key.ScheduleID,
			Pattern:    t.spec.pattern,
			Timezone:   t.spec.timezone,
			Running:    t.cancel != nil,
		})
	}

	sort.Slice(resp, func(i, j int) bool {
		if resp[i].Workflow != resp[j].Workflow {
			return resp[i].Workflow < resp[j].Workflow
		}

		return resp[i].ScheduleID < resp[j].ScheduleID
	})

	return resp
}

// retireTimers records the timers replaced by the cron triggers of the definitions and removes any that are already
// registered. Retired timers are never registered afterwards so the outcome does not depend on registration order.
// Callers must hold e.mu.
func (e *Engine) retireTimers(regs []*registration) {
	for _, reg := range regs {
		for _, ct := range reg.def.cronTriggers() {
			old, ok := replacedTimer(reg.def.Name, ct)
			if !ok {
				continue
			}

			e.retired[old] = true
			e.removeTimer(old)
		}
	}
}

// replacedTimer returns the key of the timer a cron trigger replaces, if any.
func replacedTimer(workflow string, ct CronTrigger) (timerKey, bool) {
	if ct.OldName == "" && ct.OldPattern == "" {
		return timerKey{}, false
	}

	old := timerKey{Workflow: workflow, ScheduleID: ct.OldPattern}
	if ct.OldName != "" {
		old.Workflow = ct.OldName
	}

	if ct.OldPattern == "" {
		old.ScheduleID = ct.Pattern
	}

	if old == (timerKey{Workflow: workflow, ScheduleID: ct.Pattern}) {
		return timerKey{}, false
	}

	return old, true
}

// addTimer registers the compiled timer of a cron trigger unless a replacement has retired it. A replacing timer
// contends for the role of the timer it replaces. Callers must hold e.mu.
func (e *Engine) addTimer(workflow string, ct CronTrigger) {
	spec := timerSpec{
		key:       timerKey{Workflow: workflow, ScheduleID: ct.Pattern},
		pattern:   ct.Pattern,
		timezone:  ct.Timezone,
		immediate: ct.Immediate,
		role:      makeRole(workflow, "cron", ct.Pattern),
	}

	if e.retired[spec.key] {
		e.logger.Debug(context.Background(), "skipping retired timer", MKV{
			"workflow_name": workflow,
			"schedule_id":   spec.key.ScheduleID,
		})
		return
	}

	if old, ok := replacedTimer(workflow, ct); ok {
		spec.role = makeRole(old.Workflow, "cron", old.ScheduleID)
	}

	reg := e.workflows[workflow]
	reg.cron = append(reg.cron, spec)

	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	e.putTimer(spec)
}

// removeTimer stops and forgets the timer and drops it from its workflow's compiled timers. Callers must hold e.mu.
func (e *Engine) removeTimer(key timerKey) {
	if reg, ok := e.workflows[key.Workflow]; ok {
		var kept []timerSpec
		for _, spec := range reg.cron {
			if spec.key == key {
				continue
			}

			kept = append(kept, spec)
		}
		reg.cron = kept
	}

	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	t, ok := e.timers[key]
	if !ok {
		return
	}

	e.stopTimer(t)
	delete(e.timers, key)
	e.logger.Debug(context.Background(), "deregistered timer", MKV{
		"workflow_name": key.Workflow,
		"schedule_id":   key.ScheduleID,
	})
}

// putTimer registers the timer and starts it if the engine is running. Callers must hold e.timersMu.
func (e *Engine) putTimer(spec timerSpec) {
	schedule, err := cron.Parse(spec.pattern, spec.timezone)
	if err != nil {
		e.logger.Error(context.Background(), errors.Wrap(err, "parse timer pattern", j.MKV{
			"workflow_name": spec.key.Workflow,
			"pattern":       spec.pattern,
		}))
		return
	}

	if existing, ok := e.timers[spec.key]; ok {
		e.stopTimer(existing)
	}

	t := &timer{
		spec:     spec,
		schedule: schedule,
	}
	t.immediatePending.Store(spec.immediate)
	e.timers[spec.key] = t

	if e.calledRun.Load() {
		e.startTimer(t)
	}
}

// startTimers starts every registered timer and applies persisted schedule overrides.
func (e *Engine) startTimers() {
	e.timersMu.Lock()
	for _, t := range e.timers {
		e.startTimer(t)
	}
	e.timersMu.Unlock()

	if e.schedules == nil {
		return
	}

	err := e.RefreshSchedules(e.ctx)
	if err != nil {
		e.logger.Error(e.ctx, errors.Wrap(err, "apply persisted schedules"))
	}
}

// startTimer launches the timer's process. Callers must hold e.timersMu.
func (e *Engine) startTimer(t *timer) {
	if t.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(e.ctx)
	t.cancel = cancel

	processName := fmt.Sprintf("%s-cron-%s", t.spec.key.Workflow, t.spec.key.ScheduleID)
	track(e, func() {
		e.runUntil(ctx, t.spec.role, processName, func(ctx context.Context) error {
			return e.fireTimer(ctx, t)
		}, e.opts.errBackOff)
	})
}

// stopTimer cancels the timer's process. Callers must hold e.timersMu.
func (e *Engine) stopTimer(t *timer) {
	if t.cancel == nil {
		return
	}

	t.cancel()
	t.cancel = nil
}

func (e *Engine) fireTimer(ctx context.Context, t *timer) error {
	if t.immediatePending.CompareAndSwap(true, false) {
		e.fire(ctx, t)
	}

	for {
		now := e.clock.Now()
		next := t.schedule.Next(now)
		if next.IsZero() {
			// The schedule never fires again.
			<-ctx.Done()
			return ctx.Err()
		}

		wait := e.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C():
			e.fire(ctx, t)
		}
	}
}

// fire enqueues a job with an empty payload except for the schedule ID. Enqueue failures are logged and the timer
// waits for its next activation.
func (e *Engine) fire(ctx context.Context, t *timer) {
	reg, ok := e.registration(t.spec.key.Workflow)
	if !ok {
		return
	}

	metrics.CronFires.WithLabelValues(reg.def.Name).Inc()

	_, err := e.enqueue(ctx, enqueueRequest{
		reg:     reg,
		payload: Payload{ScheduleID: t.spec.key.ScheduleID},
		trigger: triggerCron,
	})
	if err != nil && ctx.Err() == nil {
		e.logger.Error(ctx, errors.Wrap(err, "cron enqueue", j.MKV{
			"workflow_name": reg.def.Name,
			"schedule_id":   t.spec.key.ScheduleID,
		}))
	}
}

// UpdateSchedule persists a cron override for the workflow and re-registers its timers. An inactive schedule
// suspends the workflow's cron timers without removing the override.
func (e *Engine) UpdateSchedule(ctx context.Context, s Schedule) (*Schedule, error) {
	if e.schedules == nil {
		return nil, errors.Wrap(ErrConfig, "no schedule store configured")
	}

	reg, err := e.lookupRegistration(s.WorkflowName)
	if err != nil {
		return nil, err
	}

	meta := j.MKV{"workflow_name": s.WorkflowName}
	cts := reg.def.cronTriggers()
	if len(cts) == 0 {
		return nil, errors.Wrap(ErrConfig, "workflow has no cron trigger to override", meta)
	}

	_, err = cron.Parse(s.CronExpression, cts[0].Timezone)
	if err != nil {
		return nil, errors.Wrap(ErrConfig, "invalid cron expression: "+err.Error(), meta)
	}

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.UpdatedAt = e.clock.Now()

	err = e.retryTransient(ctx, "store", func(ctx context.Context) error {
		return e.schedules.StoreSchedule(ctx, &s)
	})
	if err != nil {
		return nil, errors.Wrap(err, "store schedule", meta)
	}

	e.reconcileTimers(reg, &s)
	return &s, nil
}

// RefreshSchedules re-reads the persisted schedules and reconciles the cron timers of every registered workflow so
// that overrides made by other processes take effect.
func (e *Engine) RefreshSchedules(ctx context.Context) error {
	if e.schedules == nil {
		return nil
	}

	var list []Schedule
	err := e.retryTransient(ctx, "store", func(ctx context.Context) error {
		l, err := e.schedules.ListSchedules(ctx)
		if err != nil {
			return err
		}

		list = l
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "list schedules")
	}

	byWorkflow := make(map[string]*Schedule)
	for i := range list {
		byWorkflow[list[i].WorkflowName] = &list[i]
	}

	for _, reg := range e.registrations() {
		if len(reg.def.cronTriggers()) == 0 {
			continue
		}

		e.reconcileTimers(reg, byWorkflow[reg.def.Name])
	}

	return nil
}

func (e *Engine) refreshSchedulesForever(ctx context.Context) error {
	for {
		wait := e.clock.NewTimer(e.opts.scheduleRefresh)
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C():
		}

		err := e.RefreshSchedules(ctx)
		if err != nil {
			return err
		}
	}
}

// reconcileTimers makes the workflow's registered timers match its effective schedule. A nil schedule means the
// compiled patterns are authoritative.
func (e *Engine) reconcileTimers(reg *registration, s *Schedule) {
	e.mu.RLock()
	compiled := append([]timerSpec(nil), reg.cron...)
	e.mu.RUnlock()

	if len(compiled) == 0 {
		// Every timer of the workflow was retired by a replacement, so overrides no longer apply to it.
		s = nil
	}

	desired := make(map[timerKey]timerSpec)
	switch {
	case s == nil:
		for _, spec := range compiled {
			desired[spec.key] = spec
		}
	case s.Active:
		var tz string
		if cts := reg.def.cronTriggers(); len(cts) > 0 {
			tz = cts[0].Timezone
		}

		key := timerKey{Workflow: reg.def.Name, ScheduleID: s.ID}
		desired[key] = timerSpec{
			key:      key,
			pattern:  s.CronExpression,
			timezone: tz,
			role:     makeRole(reg.def.Name, "cron", "schedule", s.ID),
		}
	}

	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	for key, t := range e.timers {
		if key.Workflow != reg.def.Name {
			continue
		}

		want, ok := desired[key]
		if ok && want.pattern == t.spec.pattern && want.timezone == t.spec.timezone {
			delete(desired, key)
			continue
		}

		e.stopTimer(t)
		delete(e.timers, key)
	}

	for _, spec := range desired {
		e.putTimer(spec)
		e.logger.Debug(context.Background(), "registered timer", MKV{
			"workflow_name": spec.key.Workflow,
			"schedule_id":   spec.key.ScheduleID,
			"pattern":       spec.pattern,
		})
	}
}
