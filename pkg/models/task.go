// Package models defines the core domain records for load-test execution.
package models

import "time"

// TaskStatus represents the lifecycle state of an execution task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"   // Queued, not yet assigned a worker slot
	TaskStatusRunning   TaskStatus = "running"   // Subprocess alive, run lock held
	TaskStatusCompleted TaskStatus = "completed" // Subprocess exited zero within the timeout
	TaskStatusFailed    TaskStatus = "failed"    // Non-zero exit, signal, timeout, or storage failure
	TaskStatusCancelled TaskStatus = "cancelled" // Explicit cancellation request honored
)

// Terminal reports whether no further transition may leave this state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	case TaskStatusPending, TaskStatusRunning:
		return false
	}

	return false
}

// Valid reports whether the value is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}

	return false
}

// Task represents one execution attempt of a definition file.
//
// FinishedAt is set if and only if the status is terminal; StartedAt is set if
// and only if the status has left pending. The repository's Transition
// operation maintains both.
type Task struct {
	ID             string     `json:"id"`
	DefinitionName string     `json:"definition_name"`
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	OutputLogRef   string     `json:"output_log_ref,omitempty"`
	ReportRef      string     `json:"report_ref,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// TaskFilter narrows List results. Zero values match everything.
type TaskFilter struct {
	Status         *TaskStatus
	DefinitionName string
}

// TaskFields carries the attributes recorded atomically with a state
// transition. Nil or empty fields leave the stored value untouched.
type TaskFields struct {
	StartedAt    *time.Time
	FinishedAt   *time.Time
	OutputLogRef string
	ExitCode     *int
	ErrorMessage string
}
