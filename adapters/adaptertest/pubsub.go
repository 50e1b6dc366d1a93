package adaptertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
)

// TestPubSub runs the reply channel conformance suite. Each test uses its own channel.
func TestPubSub(t *testing.T, factory func() jobflow.PubSub) {
	t.Run("Publish without subscribers reaches nobody", func(t *testing.T) {
		ps := factory()

		n, err := ps.Publish(context.Background(), channelName(), []byte("hello"))
		jtest.RequireNil(t, err)
		require.Equal(t, int64(0), n)
	})

	t.Run("Messages are received in publish order", func(t *testing.T) {
		ps := factory()
		ctx := context.Background()
		ch := channelName()

		sub, err := ps.Subscribe(ctx, ch)
		jtest.RequireNil(t, err)
		t.Cleanup(func() { _ = sub.Close() })

		for i := 0; i < 10; i++ {
			n, err := ps.Publish(ctx, ch, []byte(fmt.Sprint(i)))
			jtest.RequireNil(t, err)
			require.Equal(t, int64(1), n)
		}

		recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		t.Cleanup(cancel)

		for i := 0; i < 10; i++ {
			msg, err := sub.Recv(recvCtx)
			jtest.RequireNil(t, err)
			require.Equal(t, fmt.Sprint(i), string(msg))
		}
	})

	t.Run("Channels are isolated", func(t *testing.T) {
		ps := factory()
		ctx := context.Background()

		sub, err := ps.Subscribe(ctx, channelName())
		jtest.RequireNil(t, err)
		t.Cleanup(func() { _ = sub.Close() })

		n, err := ps.Publish(ctx, channelName(), []byte("elsewhere"))
		jtest.RequireNil(t, err)
		require.Equal(t, int64(0), n)

		recvCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		t.Cleanup(cancel)

		_, err = sub.Recv(recvCtx)
		require.Error(t, err)
	})

	t.Run("Closed subscriptions stop receiving", func(t *testing.T) {
		ps := factory()
		ctx := context.Background()
		ch := channelName()

		sub, err := ps.Subscribe(ctx, ch)
		jtest.RequireNil(t, err)
		jtest.RequireNil(t, sub.Close())

		require.Eventually(t, func() bool {
			n, err := ps.Publish(ctx, ch, []byte("late"))
			return err == nil && n == 0
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("Pattern subscriptions receive matching channels", func(t *testing.T) {
		ps := factory()
		ctx := context.Background()
		prefix := "reply.test." + uuid.New().String()

		sub, err := ps.PSubscribe(ctx, prefix+".*")
		jtest.RequireNil(t, err)
		t.Cleanup(func() { _ = sub.Close() })

		n, err := ps.Publish(ctx, prefix+".a", []byte("one"))
		jtest.RequireNil(t, err)
		require.Equal(t, int64(1), n)

		n, err = ps.Publish(ctx, channelName(), []byte("elsewhere"))
		jtest.RequireNil(t, err)
		require.Equal(t, int64(0), n)

		n, err = ps.Publish(ctx, prefix+".b", []byte("two"))
		jtest.RequireNil(t, err)
		require.Equal(t, int64(1), n)

		recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		t.Cleanup(cancel)

		ch, msg, err := sub.Recv(recvCtx)
		jtest.RequireNil(t, err)
		require.Equal(t, prefix+".a", ch)
		require.Equal(t, "one", string(msg))

		ch, msg, err = sub.Recv(recvCtx)
		jtest.RequireNil(t, err)
		require.Equal(t, prefix+".b", ch)
		require.Equal(t, "two", string(msg))
	})

	t.Run("Closed pattern subscriptions stop receiving", func(t *testing.T) {
		ps := factory()
		ctx := context.Background()
		prefix := "reply.test." + uuid.New().String()

		sub, err := ps.PSubscribe(ctx, prefix+".*")
		jtest.RequireNil(t, err)
		jtest.RequireNil(t, sub.Close())

		require.Eventually(t, func() bool {
			n, err := ps.Publish(ctx, prefix+".late", []byte("late"))
			return err == nil && n == 0
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func channelName() string {
	return "reply.test." + uuid.New().String()
}
