package logger_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andrewwormald/jobflow/internal/logger"
)

func TestDebugFlattensMeta(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(&buf)

	l.Debug(t.Context(), "job enqueued", map[string]string{"workflow_name": "report", "job_id": "1"})

	require.Contains(t, buf.String(), `"level":"DEBUG","msg":"job enqueued","lib":"jobflow","job_id":"1","workflow_name":"report"`)
}

func TestError(t *testing.T) {
	testCases := []struct {
		name     string
		meta     map[string]string
		contains string
	}{
		{
			name:     "Without meta",
			contains: `"level":"ERROR","msg":"step failed","lib":"jobflow"}`,
		},
		{
			name:     "With meta",
			meta:     map[string]string{"db_job_id": "7"},
			contains: `"level":"ERROR","msg":"step failed","lib":"jobflow","db_job_id":"7"}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := logger.New(&buf)

			l.Error(t.Context(), errors.New("step failed"), tc.meta)
			require.Contains(t, buf.String(), tc.contains)
		})
	}
}
