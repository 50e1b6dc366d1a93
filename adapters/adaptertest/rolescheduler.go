package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
)

type ctxKey string

// TestRoleScheduler runs the role scheduler conformance suite against a fresh scheduler per test.
func TestRoleScheduler(t *testing.T, factory func() jobflow.RoleScheduler) {
	tests := []struct {
		name string
		fn   func(t *testing.T, rs jobflow.RoleScheduler)
	}{
		{name: "Returned context is a child of the provided context", fn: testReturnedContext},
		{name: "Held role blocks other callers", fn: testLocking},
		{name: "Cancelling the returned context releases the role", fn: testReleasing},
		{name: "Different roles do not block each other", fn: testIndependentRoles},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.fn(t, factory())
		})
	}
}

func testReturnedContext(t *testing.T, rs jobflow.RoleScheduler) {
	ctx := context.WithValue(context.Background(), ctxKey("parent"), "context")

	ctx2, cancel, err := rs.Await(ctx, "leader")
	jtest.RequireNil(t, err)
	t.Cleanup(cancel)

	require.Equal(t, "context", ctx2.Value(ctxKey("parent")))
}

func testLocking(t *testing.T, rs jobflow.RoleScheduler) {
	_, cancel, err := rs.Await(context.Background(), "leader")
	jtest.RequireNil(t, err)
	t.Cleanup(cancel)

	ctx, cancel2 := context.WithCancel(context.Background())
	t.Cleanup(cancel2)

	acquired := make(chan struct{})
	go func() {
		_, _, err := rs.Await(ctx, "leader")
		if err != nil {
			return
		}

		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("role acquired while held")
	case <-time.After(500 * time.Millisecond):
	}
}

func testReleasing(t *testing.T, rs jobflow.RoleScheduler) {
	_, cancel, err := rs.Await(context.Background(), "leader")
	jtest.RequireNil(t, err)

	ctx, cancel2 := context.WithCancel(context.Background())
	t.Cleanup(cancel2)

	acquired := make(chan struct{})
	go func() {
		_, _, err := rs.Await(ctx, "leader")
		if err != nil {
			return
		}

		close(acquired)
	}()

	cancel()

	select {
	case <-acquired:
	case <-time.After(3 * time.Second):
		t.Fatal("role not released after cancellation")
	}
}

func testIndependentRoles(t *testing.T, rs jobflow.RoleScheduler) {
	_, cancel, err := rs.Await(context.Background(), "leader")
	jtest.RequireNil(t, err)
	t.Cleanup(cancel)

	ctx, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel2)

	_, cancel3, err := rs.Await(ctx, "follower")
	jtest.RequireNil(t, err)
	t.Cleanup(cancel3)
}
