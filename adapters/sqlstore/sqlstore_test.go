package sqlstore_test

import (
	"testing"

	"github.com/andrewwormald/jobflow"
	"github.com/andrewwormald/jobflow/adapters/adaptertest"
	"github.com/andrewwormald/jobflow/adapters/sqlstore"
)

func TestRecordStore(t *testing.T) {
	skipUnlessMySQL(t)
	adaptertest.TestRecordStore(t, func() jobflow.RecordStore {
		dbc := ConnectForTesting(t)
		return sqlstore.New(dbc, dbc, "jobflow_records", "jobflow_schedules")
	})
}

func TestScheduleStore(t *testing.T) {
	skipUnlessMySQL(t)
	adaptertest.TestScheduleStore(t, func() jobflow.ScheduleStore {
		dbc := ConnectForTesting(t)
		return sqlstore.New(dbc, dbc, "jobflow_records", "jobflow_schedules")
	})
}
