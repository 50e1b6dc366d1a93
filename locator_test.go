package jobflow_test

import (
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow"
)

type greeter interface {
	Greet() string
}

type english struct{}

func (english) Greet() string { return "hello" }

func TestLocator(t *testing.T) {
	l := jobflow.NewLocator()
	l.Provide("greeter", english{})
	l.Provide("count", 3)

	g, err := jobflow.Resolve[greeter](l, "greeter")
	jtest.RequireNil(t, err)
	require.Equal(t, "hello", g.Greet())

	n, err := jobflow.Resolve[int](l, "count")
	jtest.RequireNil(t, err)
	require.Equal(t, 3, n)

	_, err = jobflow.Resolve[string](l, "count")
	jtest.Require(t, jobflow.ErrUnknownService, err)

	_, err = jobflow.Resolve[greeter](l, "missing")
	jtest.Require(t, jobflow.ErrUnknownService, err)

	_, err = jobflow.Resolve[greeter](nil, "greeter")
	jtest.Require(t, jobflow.ErrUnknownService, err)
}
