// Package repository defines the durable task record contract and its
// standardized error types.
package repository

import (
	"context"
	"errors"

	"github.com/loadbay/loadbay/pkg/models"
)

var (
	// ErrTaskNotFound indicates no task exists for the given identifier.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTransitionConflict indicates a state transition was attempted from a
	// state outside the allowed source set. The caller should re-fetch the
	// task or treat the work as already handled; the stored state is never
	// silently overwritten.
	ErrTransitionConflict = errors.New("task state transition conflict")

	// ErrReportNotAvailable indicates a report was requested for a task that
	// has not completed.
	ErrReportNotAvailable = errors.New("report requires a completed task")
)

// TaskRepository is the single source of truth for task state. Transition is
// the only mutation entry point for execution status; it has compare-and-swap
// semantics and fails with ErrTransitionConflict when the current state is not
// in the from set.
type TaskRepository interface {
	Create(ctx context.Context, definitionName string) (*models.Task, error)
	Get(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)
	Transition(ctx context.Context, id string, from []models.TaskStatus, to models.TaskStatus, fields models.TaskFields) (*models.Task, error)

	// SetReportRef records the generated report reference on a completed
	// task. It is not a state transition. The write is guarded: it only
	// lands when the task is completed and no reference is set yet; when a
	// reference already exists the stored task is returned unchanged.
	SetReportRef(ctx context.Context, id, ref string) (*models.Task, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// IsTaskNotFound checks if an error indicates a missing task.
func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

// IsTransitionConflict checks if an error indicates a lost compare-and-swap.
func IsTransitionConflict(err error) bool {
	return errors.Is(err, ErrTransitionConflict)
}
