package adaptertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
)

// Publisher inserts an event into the backend of the event bus under test.
type Publisher func(ctx context.Context, event string, payload map[string]any) error

// TestEventBus runs the event bus conformance suite. The factory returns a bus with source as a known source and a
// publisher that inserts events into that source.
func TestEventBus(t *testing.T, factory func(t *testing.T) (bus jobflow.EventBus, source string, publish Publisher)) {
	t.Run("Unknown sources are reported", func(t *testing.T) {
		bus, source, _ := factory(t)

		require.True(t, bus.HasSource(source))
		require.False(t, bus.HasSource("unknown-source"))
	})

	t.Run("Handler receives matching events in order", func(t *testing.T) {
		bus, source, publish := factory(t)
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		var (
			mu       sync.Mutex
			received []*jobflow.Event
		)
		err := bus.Subscribe(ctx, source, "user_created", func(ctx context.Context, e *jobflow.Event) error {
			mu.Lock()
			defer mu.Unlock()

			received = append(received, e)
			return nil
		})
		jtest.RequireNil(t, err)

		jtest.RequireNil(t, publish(ctx, "user_created", map[string]any{"id": "1"}))
		jtest.RequireNil(t, publish(ctx, "user_deleted", map[string]any{"id": "1"}))
		jtest.RequireNil(t, publish(ctx, "user_created", map[string]any{"id": "2"}))

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()

			return len(received) == 2
		}, 10*time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()

		for i, id := range []string{"1", "2"} {
			require.Equal(t, source, received[i].Source)
			require.Equal(t, "user_created", received[i].Name)
			require.Equal(t, id, received[i].Payload.(map[string]any)["id"])
		}
	})

	t.Run("Handler errors result in redelivery", func(t *testing.T) {
		bus, source, publish := factory(t)
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		var (
			mu    sync.Mutex
			calls int
		)
		err := bus.Subscribe(ctx, source, "order_paid", func(ctx context.Context, e *jobflow.Event) error {
			mu.Lock()
			defer mu.Unlock()

			calls++
			if calls == 1 {
				return jobflow.Transient(context.DeadlineExceeded)
			}

			return nil
		})
		jtest.RequireNil(t, err)

		jtest.RequireNil(t, publish(ctx, "order_paid", map[string]any{"id": "1"}))

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()

			return calls >= 2
		}, 10*time.Second, 10*time.Millisecond)
	})

	t.Run("Subscribing to an unknown source fails", func(t *testing.T) {
		bus, _, _ := factory(t)

		err := bus.Subscribe(context.Background(), "unknown-source", "x", func(ctx context.Context, e *jobflow.Event) error {
			return nil
		})
		jtest.Require(t, jobflow.ErrUnknownEventSource, err)
	})
}
