package jobflow_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
	"github.com/andrewwormald/jobflow/adapters/memeventbus"
)

func noop(ctx context.Context, sc *jobflow.StepContext) error {
	return nil
}

func simpleWorkflow(name string, steps ...string) jobflow.Definition {
	b := jobflow.NewBuilder(name).AddWebhook()
	fns := make(jobflow.Steps)
	for _, s := range steps {
		b.AddStep(s)
		fns[s] = noop
	}

	return b.Build(jobflow.StaticFactory(fns))
}

func TestRegister(t *testing.T) {
	testCases := []struct {
		name   string
		defs   func() []jobflow.Definition
		expErr error
	}{
		{
			name: "Valid workflows",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{
					simpleWorkflow("a", "one", "two"),
					simpleWorkflow("b", "one"),
				}
			},
		},
		{
			name: "Duplicate workflow name in batch",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{
					simpleWorkflow("a", "one"),
					simpleWorkflow("a", "two"),
				}
			},
			expErr: jobflow.ErrConfig,
		},
		{
			name: "Duplicate step order",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{
					jobflow.NewBuilder("a").
						AddWebhook().
						AddStep("one", jobflow.WithOrder(1)).
						AddStep("two", jobflow.WithOrder(1)).
						Build(jobflow.StaticFactory(jobflow.Steps{"one": noop, "two": noop})),
				}
			},
			expErr: jobflow.ErrConfig,
		},
		{
			name: "Duplicate step name",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{simpleWorkflow("a", "one", "one")}
			},
			expErr: jobflow.ErrConfig,
		},
		{
			name: "No steps",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{simpleWorkflow("a")}
			},
			expErr: jobflow.ErrConfig,
		},
		{
			name: "No trigger on external workflow",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{
					jobflow.NewBuilder("a").AddStep("one").Build(jobflow.StaticFactory(jobflow.Steps{"one": noop})),
				}
			},
			expErr: jobflow.ErrConfig,
		},
		{
			name: "Internal workflow without trigger",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{
					jobflow.NewBuilder("a").Internal().AddStep("one").Build(jobflow.StaticFactory(jobflow.Steps{"one": noop})),
				}
			},
		},
		{
			name: "Invalid cron pattern",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{
					jobflow.NewBuilder("a").AddCron("not a cron").AddStep("one").Build(jobflow.StaticFactory(jobflow.Steps{"one": noop})),
				}
			},
			expErr: jobflow.ErrConfig,
		},
		{
			name: "Invalid timezone",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{
					jobflow.NewBuilder("a").
						AddCron("* * * * *", jobflow.WithTimezone("Mars/Olympus")).
						AddStep("one").
						Build(jobflow.StaticFactory(jobflow.Steps{"one": noop})),
				}
			},
			expErr: jobflow.ErrConfig,
		},
		{
			name: "Unknown event source",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{
					jobflow.NewBuilder("a").AddEvent("billing", "paid").AddStep("one").Build(jobflow.StaticFactory(jobflow.Steps{"one": noop})),
				}
			},
			expErr: jobflow.ErrConfig,
		},
		{
			name: "Known event source",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{
					jobflow.NewBuilder("a").AddEvent("users", "signup").AddStep("one").Build(jobflow.StaticFactory(jobflow.Steps{"one": noop})),
				}
			},
		},
		{
			name: "Multiple webhook triggers",
			defs: func() []jobflow.Definition {
				return []jobflow.Definition{
					jobflow.NewBuilder("a").AddWebhook().AddWebhook(jobflow.WithSubKey("x")).AddStep("one").Build(jobflow.StaticFactory(jobflow.Steps{"one": noop})),
				}
			},
			expErr: jobflow.ErrConfig,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, jobflow.WithEventBus(memeventbus.New([]string{"users"})))
			err := h.engine.Register(tc.defs()...)
			jtest.Require(t, tc.expErr, err)

			if tc.expErr != nil {
				// Nothing from a rejected batch is registered.
				list, err := h.engine.ListWorkflows(context.Background())
				jtest.RequireNil(t, err)
				require.Empty(t, list)
			}
		})
	}
}

func TestRegisterDuplicateAcrossCalls(t *testing.T) {
	h := newHarness(t)
	jtest.RequireNil(t, h.engine.Register(simpleWorkflow("a", "one")))

	err := h.engine.Register(simpleWorkflow("a", "one"))
	jtest.Require(t, jobflow.ErrConfig, err)
}

func TestRegisterAfterRun(t *testing.T) {
	h := newHarness(t)
	jtest.RequireNil(t, h.engine.Register(simpleWorkflow("a", "one")))
	h.run(t)

	err := h.engine.Register(simpleWorkflow("b", "one"))
	jtest.Require(t, jobflow.ErrConfig, err)
}

func TestLookupSortsSteps(t *testing.T) {
	h := newHarness(t)

	def := jobflow.NewBuilder("a").
		AddWebhook().
		AddStep("third", jobflow.WithOrder(30)).
		AddStep("first", jobflow.WithOrder(10)).
		AddStep("second", jobflow.WithOrder(20)).
		Build(jobflow.StaticFactory(jobflow.Steps{"first": noop, "second": noop, "third": noop}))
	jtest.RequireNil(t, h.engine.Register(def))

	got, ok := h.engine.Lookup("a")
	require.True(t, ok)
	require.Equal(t, []jobflow.StepRef{
		{Name: "first", Order: 10},
		{Name: "second", Order: 20},
		{Name: "third", Order: 30},
	}, got.Steps)

	_, ok = h.engine.Lookup("b")
	require.False(t, ok)
}

func TestListWorkflows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, jobflow.WithDispatchOnly())
	jtest.RequireNil(t, h.engine.Register(
		simpleWorkflow("first", "one"),
		jobflow.NewBuilder("second").Concurrency(2).AddWebhook().AddStep("one").
			Build(jobflow.StaticFactory(jobflow.Steps{"one": noop})),
	))

	for range 3 {
		_, err := h.engine.Enqueue(ctx, "second", nil)
		jtest.RequireNil(t, err)
	}

	jtest.RequireNil(t, h.engine.Pause("first"))

	list, err := h.engine.ListWorkflows(ctx)
	jtest.RequireNil(t, err)
	require.Len(t, list, 2)

	require.Equal(t, "first", list[0].Definition.Name)
	require.True(t, list[0].Paused)
	require.Equal(t, int64(0), list[0].Waiting)

	require.Equal(t, "second", list[1].Definition.Name)
	require.Equal(t, 2, list[1].Definition.Concurrency)
	require.False(t, list[1].Paused)
	require.Equal(t, int64(3), list[1].Waiting)
}

func TestPauseUnknownWorkflow(t *testing.T) {
	h := newHarness(t)
	jtest.Require(t, jobflow.ErrUnknownWorkflow, h.engine.Pause("missing"))
	jtest.Require(t, jobflow.ErrUnknownWorkflow, h.engine.Resume("missing"))
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, jobflow.WithDispatchOnly())
	jtest.RequireNil(t, h.engine.Register(
		simpleWorkflow("external", "one"),
		jobflow.NewBuilder("internal").Internal().AddStep("one").Build(jobflow.StaticFactory(jobflow.Steps{"one": noop})),
	))

	_, err := h.engine.Enqueue(ctx, "missing", nil)
	jtest.Require(t, jobflow.ErrUnknownWorkflow, err)

	_, err = h.engine.Enqueue(ctx, "internal", nil)
	jtest.Require(t, jobflow.ErrInternalWorkflow, err)

	jobID, err := h.engine.Enqueue(ctx, "external", map[string]any{"password": "hunter2", "user": "bob"})
	jtest.RequireNil(t, err)

	rec := h.recordByJobID(t, "external", jobID)
	require.Equal(t, jobflow.JobStatusPending, rec.Status)
	require.Equal(t, 0, rec.StepIndex)

	p, err := rec.DecodePayload()
	jtest.RequireNil(t, err)
	require.Equal(t, map[string]any{"password": "[REDACTED]", "user": "bob"}, p.Context)

	job, ack, err := h.queue.Pop(ctx, "external")
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, ack())
	require.Equal(t, jobID, job.ID)
	require.Equal(t, rec.ID, job.Payload.DBJobID)
	require.Equal(t, []string{"one"}, job.Payload.Steps)
	// The queued job carries the unredacted context.
	require.Equal(t, map[string]any{"password": "hunter2", "user": "bob"}, job.Payload.Context)
}
