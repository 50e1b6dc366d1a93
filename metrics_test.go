package jobflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
	"github.com/andrewwormald/jobflow/internal/metrics"
)

func TestMetrics(t *testing.T) {
	metrics.Reset()
	t.Cleanup(metrics.Reset)

	var calls atomic.Int32
	h := newHarness(t)
	jtest.RequireNil(t, h.engine.Register(
		jobflow.NewBuilder("metered").
			AddWebhook().
			Retries(1, time.Millisecond).
			AddStep("flaky").
			Build(jobflow.StaticFactory(jobflow.Steps{
				"flaky": func(ctx context.Context, sc *jobflow.StepContext) error {
					if calls.Add(1) == 1 {
						return errors.New("first attempt fails")
					}

					return nil
				},
			})),
	))
	h.run(t)

	_, err := h.engine.Enqueue(context.Background(), "metered", nil)
	jtest.RequireNil(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.JobsCompleted.WithLabelValues("metered")) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.JobsEnqueued.WithLabelValues("metered", "manual")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.JobsRetried.WithLabelValues("metered")))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.JobsFailed.WithLabelValues("metered")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.JobsRunning.WithLabelValues("metered")) == 0
	}, 5*time.Second, 5*time.Millisecond)
}
