package mempubsub_test

import (
	"testing"

	"github.com/andrewwormald/jobflow"
	"github.com/andrewwormald/jobflow/adapters/adaptertest"
	"github.com/andrewwormald/jobflow/adapters/mempubsub"
)

func TestPubSub(t *testing.T) {
	adaptertest.TestPubSub(t, func() jobflow.PubSub {
		return mempubsub.New()
	})
}
