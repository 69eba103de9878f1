package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStatus_String(t *testing.T) {
	tests := []struct {
		status   JobStatus
		expected string
	}{
		{StatusPending, "PENDING"},
		{StatusRunning, "RUNNING"},
		{StatusSucceeded, "SUCCEEDED"},
		{StatusFailed, "FAILED"},
		{StatusCancelled, "CANCELLED"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.status.String())
		})
	}
}

func TestJobStatus_IsValid(t *testing.T) {
	tests := []struct {
		status JobStatus
		valid  bool
	}{
		{StatusPending, true},
		{StatusRunning, true},
		{StatusSucceeded, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{JobStatus("DONE"), false},
		{JobStatus(""), false},
		{JobStatus("pending"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			require.Equal(t, tt.valid, tt.status.IsValid())
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusSucceeded, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			require.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{"pending to running", StatusPending, StatusRunning, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to succeeded", StatusPending, StatusSucceeded, false},
		{"pending to failed", StatusPending, StatusFailed, false},
		{"running to succeeded", StatusRunning, StatusSucceeded, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to cancelled", StatusRunning, StatusCancelled, false},
		{"running to pending", StatusRunning, StatusPending, false},
		{"succeeded is terminal", StatusSucceeded, StatusRunning, false},
		{"failed is terminal", StatusFailed, StatusRunning, false},
		{"cancelled is terminal", StatusCancelled, StatusRunning, false},
		{"unknown status", JobStatus("bogus"), StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}
