package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Valid(t *testing.T) {
	for _, s := range allStatuses {
		assert.True(t, s.Valid(), "status %s should be valid", s)
	}
	assert.False(t, Status("RUNNING").Valid())
	assert.False(t, Status("").Valid())
}

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusQueued, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.status.Terminal(), "status %s", tt.status)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"queued to processing", StatusQueued, StatusProcessing, true},
		{"queued to cancelled", StatusQueued, StatusCancelled, true},
		{"queued to failed", StatusQueued, StatusFailed, true},
		{"queued to completed skips processing", StatusQueued, StatusCompleted, false},
		{"processing to completed", StatusProcessing, StatusCompleted, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"processing to cancelled", StatusProcessing, StatusCancelled, true},
		{"processing back to queued", StatusProcessing, StatusQueued, false},
		{"completed is absorbing", StatusCompleted, StatusCancelled, false},
		{"failed is absorbing", StatusFailed, StatusQueued, false},
		{"cancelled is absorbing", StatusCancelled, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}
