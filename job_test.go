package jobflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactPayload(t *testing.T) {
	last := 2
	p := Payload{
		RequesterRuntimeID: "runtime-1",
		ResponseKey:        "key-1",
		NeedResponse:       true,
		DBJobID:            7,
		StepIndex:          1,
		LastStepIndex:      &last,
		Context: map[string]any{
			"user": "bob",
			"auth": map[string]any{
				"accessToken": "abc",
				"scope":       "read",
			},
			"items": []any{map[string]any{"Password": "hunter2"}},
		},
	}

	b, err := redactPayload(p, defaultRedactKeys)
	require.NoError(t, err)

	var actual Payload
	require.NoError(t, json.Unmarshal(b, &actual))

	require.Empty(t, actual.RequesterRuntimeID)
	require.Empty(t, actual.ResponseKey)
	require.True(t, actual.NeedResponse)
	require.Equal(t, int64(7), actual.DBJobID)
	require.Equal(t, 1, actual.StepIndex)
	require.Equal(t, 2, *actual.LastStepIndex)

	expected := map[string]any{
		"user": "bob",
		"auth": map[string]any{
			"accessToken": redactedValue,
			"scope":       "read",
		},
		"items": []any{map[string]any{"Password": redactedValue}},
	}
	require.Equal(t, expected, actual.Context)
}

func TestRedactPayload_StringMap(t *testing.T) {
	b, err := redactPayload(Payload{Context: map[string]string{"delay": "50", "api_key": "k"}}, defaultRedactKeys)
	require.NoError(t, err)

	var actual Payload
	require.NoError(t, json.Unmarshal(b, &actual))
	require.Equal(t, map[string]any{"delay": "50", "api_key": redactedValue}, actual.Context)
}

func TestJobRoundTrip(t *testing.T) {
	j := &Job{
		ID:       "job-1",
		Workflow: "delay",
		Payload: Payload{
			NeedResponse: true,
			Context:      map[string]any{"delay": "50"},
		},
	}

	b, err := MarshalJob(j)
	require.NoError(t, err)

	actual, err := UnmarshalJob(b)
	require.NoError(t, err)
	require.Equal(t, j.ID, actual.ID)
	require.Equal(t, j.Payload.Context, actual.Payload.Context)
	require.Nil(t, actual.Payload.LastStepIndex)
}

func TestRecordClone(t *testing.T) {
	r := &Record{ID: 1, Payload: []byte("{}"), ResponseHeaders: map[string]string{"a": "b"}}
	c := r.clone()
	c.Payload[0] = '['
	c.ResponseHeaders["a"] = "c"

	require.Equal(t, "{}", string(r.Payload))
	require.Equal(t, "b", r.ResponseHeaders["a"])
}
