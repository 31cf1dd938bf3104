// Package services implements the engine's external operations: definition
// submission, run lifecycle, and report requests.
package services

import "errors"

var (
	// ErrDefinitionNotFound indicates a run was requested for a definition
	// that was never accepted.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrAlreadyFinished indicates a cancellation targeted a task already in
	// a terminal state. A no-op, reported as such.
	ErrAlreadyFinished = errors.New("task already finished")
)
