package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCancelled.Terminal())
	assert.True(t, JobTimedOut.Terminal())
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobStatus
		to   JobStatus
		ok   bool
	}{
		{"PendingToRunning", JobPending, JobRunning, true},
		{"PendingToFailed", JobPending, JobFailed, true},
		{"PendingToCancelled", JobPending, JobCancelled, true},
		{"PendingToCompleted", JobPending, JobCompleted, false},
		{"PendingToTimedOut", JobPending, JobTimedOut, false},
		{"RunningToCompleted", JobRunning, JobCompleted, true},
		{"RunningToFailed", JobRunning, JobFailed, true},
		{"RunningToCancelled", JobRunning, JobCancelled, true},
		{"RunningToTimedOut", JobRunning, JobTimedOut, true},
		{"RunningToPending", JobRunning, JobPending, false},
		{"CompletedToRunning", JobCompleted, JobRunning, false},
		{"FailedToRunning", JobFailed, JobRunning, false},
		{"CancelledToFailed", JobCancelled, JobFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, ValidTransition(tt.from, tt.to))
		})
	}
}

func TestValidCronSchedule(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		ok       bool
	}{
		{"Empty", "", true},
		{"EveryMinute", "* * * * *", true},
		{"Hourly", "0 * * * *", true},
		{"Nightly", "30 2 * * *", true},
		{"Step", "*/15 * * * *", true},
		{"Range", "0 9-17 * * 1-5", true},
		{"List", "0 0,12 * * *", true},
		{"TooFewFields", "* * * *", false},
		{"TooManyFields", "* * * * * *", false},
		{"Garbage", "whenever", false},
		{"LetterField", "a * * * *", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, ValidCronSchedule(tt.schedule))
		})
	}
}
