package tasks

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchPayloadUniqueID(t *testing.T) {
	tests := []struct {
		name     string
		payload  FetchPayload
		expected string
	}{
		{
			name:     "first attempt",
			payload:  FetchPayload{JobID: "job-1", TaskID: "task-1", Attempt: 0},
			expected: "fetch:task-1:0",
		},
		{
			name:     "retry attempt",
			payload:  FetchPayload{JobID: "job-1", TaskID: "task-1", Attempt: 2},
			expected: "fetch:task-1:2",
		},
		{
			name:     "job does not take part",
			payload:  FetchPayload{JobID: "other", TaskID: "task-1", Attempt: 2},
			expected: "fetch:task-1:2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.payload.UniqueID())
		})
	}
}

func TestDecodePayload(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("fetch", func(t *testing.T) {
		data, err := json.Marshal(FetchPayload{JobID: "j", TaskID: "t", Attempt: 1, EnqueuedAt: now})
		require.NoError(t, err)

		p, err := decodePayload[FetchPayload](data)
		require.NoError(t, err)
		assert.Equal(t, "t", p.TaskID)
		assert.Equal(t, 1, p.Attempt)
		assert.True(t, now.Equal(p.EnqueuedAt))
	})

	t.Run("sweep", func(t *testing.T) {
		p, err := decodePayload[SweepPayload]([]byte(`{"sweep":"aggregate"}`))
		require.NoError(t, err)
		assert.Equal(t, "sweep:aggregate", p.UniqueID())
	})

	invalid := []struct {
		name string
		data string
		fn   func([]byte) error
	}{
		{name: "not json", data: "not valid json", fn: func(b []byte) error { _, err := decodePayload[FetchPayload](b); return err }},
		{name: "fetch without task", data: `{"job_id":"j"}`, fn: func(b []byte) error { _, err := decodePayload[FetchPayload](b); return err }},
		{name: "monitor without job", data: `{}`, fn: func(b []byte) error { _, err := decodePayload[MonitorPayload](b); return err }},
		{name: "sweep without name", data: `{"sweep":""}`, fn: func(b []byte) error { _, err := decodePayload[SweepPayload](b); return err }},
	}

	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.fn([]byte(tt.data)), ErrInvalidPayload)
		})
	}
}
