package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToolExecutionDuration(t *testing.T) {
	created := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := created.Add(d)
		return &ts
	}
	tests := []struct {
		name string
		exec ToolExecution
		want time.Duration
	}{
		{"completed", ToolExecution{Status: ExecutionCompleted, CreatedAt: created, CompletedAt: at(2500 * time.Millisecond)}, 2500 * time.Millisecond},
		{"failed", ToolExecution{Status: ExecutionFailed, CreatedAt: created, CompletedAt: at(time.Minute)}, time.Minute},
		{"still running", ToolExecution{Status: ExecutionApproved, CreatedAt: created}, 0},
		{"awaiting approval", ToolExecution{Status: ExecutionPending, CreatedAt: created}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.exec.Duration())
		})
	}
}
