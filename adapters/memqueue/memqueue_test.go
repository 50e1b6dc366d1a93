package memqueue_test

import (
	"testing"

	"github.com/andrewwormald/jobflow"
	"github.com/andrewwormald/jobflow/adapters/adaptertest"
	"github.com/andrewwormald/jobflow/adapters/memqueue"
)

func TestQueue(t *testing.T) {
	adaptertest.TestQueue(t, func() jobflow.Queue {
		return memqueue.New()
	})
}

func TestRecoverer(t *testing.T) {
	adaptertest.TestRecoverer(t, func() jobflow.Queue {
		return memqueue.New()
	})
}
