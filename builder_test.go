package jobflow_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
)

func TestBuilder(t *testing.T) {
	def := jobflow.NewBuilder("orders").
		AddStep("validate").
		AddStep("charge", jobflow.WithOrder(100)).
		AddStep("notify").
		AddCron("0 * * * *", jobflow.WithTimezone("UTC"), jobflow.FireImmediately()).
		AddEvent("payments", "settled").
		AddWebhook(jobflow.WithSubKey("create"), jobflow.WithQueryPayload()).
		Concurrency(4).
		Retries(3, time.Second).
		Build(jobflow.StaticFactory(jobflow.Steps{}))

	require.Equal(t, "orders", def.Name)
	require.Equal(t, []jobflow.StepRef{
		{Name: "validate", Order: 10},
		{Name: "charge", Order: 100},
		{Name: "notify", Order: 110},
	}, def.Steps)
	require.Equal(t, []jobflow.Trigger{
		jobflow.CronTrigger{Pattern: "0 * * * *", Timezone: "UTC", Immediate: true},
		jobflow.EventTrigger{Source: "payments", Event: "settled"},
		jobflow.WebhookTrigger{SubKey: "create"},
	}, def.Triggers)
	require.Equal(t, jobflow.PayloadQuery, def.WebhookPayload)
	require.Equal(t, 4, def.Concurrency)
	require.Equal(t, 3, def.MaxRetries)
	require.Equal(t, time.Second, def.RetryBackOff)
	require.False(t, def.Internal)
	require.NotNil(t, def.New)
}

func TestBuilderReplaces(t *testing.T) {
	def := jobflow.NewBuilder("report").
		AddStep("one").
		AddCron("0 0 * * *", jobflow.Replaces("old-report", "*/5 * * * *")).
		Build(jobflow.StaticFactory(jobflow.Steps{}))

	require.Equal(t, []jobflow.Trigger{
		jobflow.CronTrigger{Pattern: "0 0 * * *", OldName: "old-report", OldPattern: "*/5 * * * *"},
	}, def.Triggers)
}

func TestBuildCopiesDefinition(t *testing.T) {
	b := jobflow.NewBuilder("copy").AddStep("one")
	first := b.Build(jobflow.StaticFactory(jobflow.Steps{}))

	b.AddStep("two")
	second := b.Build(jobflow.StaticFactory(jobflow.Steps{}))

	require.Len(t, first.Steps, 1)
	require.Len(t, second.Steps, 2)
}

func TestPayloadTypeString(t *testing.T) {
	require.Equal(t, "Body", jobflow.PayloadBody.String())
	require.Equal(t, "Query", jobflow.PayloadQuery.String())
	require.Equal(t, "PayloadType(7)", jobflow.PayloadType(7).String())
}
