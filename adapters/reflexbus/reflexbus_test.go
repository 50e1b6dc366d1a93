package reflexbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/luno/reflex/rsql"

	"github.com/andrewwormald/jobflow"
	"github.com/andrewwormald/jobflow/adapters/adaptertest"
	"github.com/andrewwormald/jobflow/adapters/reflexbus"
)

func TestEventBus(t *testing.T) {
	adaptertest.TestEventBus(t, func(t *testing.T) (jobflow.EventBus, string, adaptertest.Publisher) {
		dbc := ConnectForTesting(t)
		bus := reflexbus.NewBus(
			dbc,
			dbc,
			rsql.NewCursorsTable("cursors").ToStore(dbc),
			reflexbus.WithSource("users", "user_events"),
			reflexbus.WithErrBackOff(10*time.Millisecond),
		)

		return bus, "users", func(ctx context.Context, event string, payload map[string]any) error {
			return bus.Publish(ctx, "users", event, payload)
		}
	})
}
