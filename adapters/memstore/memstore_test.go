package memstore_test

import (
	"testing"

	"github.com/andrewwormald/jobflow"
	"github.com/andrewwormald/jobflow/adapters/adaptertest"
	"github.com/andrewwormald/jobflow/adapters/memstore"
)

func TestRecordStore(t *testing.T) {
	adaptertest.TestRecordStore(t, func() jobflow.RecordStore {
		return memstore.New()
	})
}

func TestScheduleStore(t *testing.T) {
	adaptertest.TestScheduleStore(t, func() jobflow.ScheduleStore {
		return memstore.New()
	})
}
