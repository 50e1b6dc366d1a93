package kafkabus

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestToEvent(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name        string
		msg         kafka.Message
		expectedErr bool
		expectedID  string
		expected    any
	}{
		{
			name: "Event header and JSON payload",
			msg: kafka.Message{
				Partition: 2,
				Offset:    17,
				Value:     []byte(`{"id":"1"}`),
				Headers:   []kafka.Header{{Key: "trace", Value: []byte("x")}, {Key: headerEvent, Value: []byte("user_created")}},
				Time:      now,
			},
			expectedID: "2-17",
			expected:   map[string]any{"id": "1"},
		},
		{
			name: "Empty value",
			msg: kafka.Message{
				Headers: []kafka.Header{{Key: headerEvent, Value: []byte("user_created")}},
				Time:    now,
			},
			expectedID: "0-0",
		},
		{
			name:        "Missing header",
			msg:         kafka.Message{Value: []byte(`{}`)},
			expectedErr: true,
		},
		{
			name: "Invalid JSON",
			msg: kafka.Message{
				Value:   []byte(`{`),
				Headers: []kafka.Header{{Key: headerEvent, Value: []byte("user_created")}},
			},
			expectedErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := toEvent("users", tc.msg)
			if tc.expectedErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expectedID, e.ID)
			require.Equal(t, "users", e.Source)
			require.Equal(t, "user_created", e.Name)
			require.Equal(t, tc.expected, e.Payload)
			require.True(t, now.Equal(e.CreatedAt))
		})
	}
}

func TestHasSource(t *testing.T) {
	b := NewBus([]string{"localhost:9092"}, []string{"users", "orders"})
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})

	require.True(t, b.HasSource("users"))
	require.True(t, b.HasSource("orders"))
	require.False(t, b.HasSource("payments"))
}
