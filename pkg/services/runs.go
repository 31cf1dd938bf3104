package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loadbay/loadbay/pkg/artifacts"
	"github.com/loadbay/loadbay/pkg/dispatcher"
	"github.com/loadbay/loadbay/pkg/engine"
	"github.com/loadbay/loadbay/pkg/models"
	"github.com/loadbay/loadbay/pkg/report"
	"github.com/loadbay/loadbay/pkg/repository"
	"github.com/loadbay/loadbay/pkg/validation"
)

// RunService composes the validator, artifact store, repository, dispatcher,
// engine, and report generator into the five operations the API layer
// consumes.
type RunService struct {
	validator  *validation.Validator
	store      *artifacts.Store
	repo       repository.TaskRepository
	dispatcher *dispatcher.Dispatcher
	engine     *engine.Engine
	reports    *report.Generator
	logger     *slog.Logger
}

func NewRunService(
	validator *validation.Validator,
	store *artifacts.Store,
	repo repository.TaskRepository,
	disp *dispatcher.Dispatcher,
	eng *engine.Engine,
	reports *report.Generator,
	logger *slog.Logger,
) *RunService {
	return &RunService{
		validator:  validator,
		store:      store,
		repo:       repo,
		dispatcher: disp,
		engine:     eng,
		reports:    reports,
		logger:     logger.With("module", "services"),
	}
}

// SubmitDefinition validates an uploaded definition and persists it under
// its sanitized name. Rejection leaves no state behind.
func (s *RunService) SubmitDefinition(ctx context.Context, data []byte, declaredName string) (*models.DefinitionFile, error) {
	result, err := s.validator.Validate(data, declaredName)
	if err != nil {
		return nil, err
	}

	def, err := s.store.SaveDefinition(result.SanitizedName, data)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "definition accepted",
		"declared_name", declaredName,
		"sanitized_name", def.Name,
		"size", def.Size,
	)

	return def, nil
}

// StartRun creates a pending task for the definition and hands it to the
// dispatcher. When the queue is saturated the fresh task is resolved to
// failed so no orphaned pending record survives the rejection.
func (s *RunService) StartRun(ctx context.Context, definitionName string) (*models.Task, error) {
	if !s.store.HasDefinition(definitionName) {
		return nil, fmt.Errorf("%w: %q", ErrDefinitionNotFound, definitionName)
	}

	task, err := s.repo.Create(ctx, definitionName)
	if err != nil {
		return nil, err
	}

	err = s.dispatcher.Submit(ctx, task.ID)
	if err != nil {
		_, terr := s.repo.Transition(ctx, task.ID,
			[]models.TaskStatus{models.TaskStatusPending},
			models.TaskStatusFailed,
			models.TaskFields{ErrorMessage: "dispatch rejected: " + err.Error()},
		)
		if terr != nil {
			s.logger.ErrorContext(ctx, "failed to resolve rejected task", "task_id", task.ID, "error", terr)
		}

		return nil, err
	}

	s.logger.InfoContext(ctx, "run submitted", "task_id", task.ID, "definition", definitionName)

	return task, nil
}

// GetTask returns a task record.
func (s *RunService) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return s.repo.Get(ctx, taskID)
}

// ListTasks returns task records, oldest first.
func (s *RunService) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	return s.repo.List(ctx, filter)
}

// CancelRun aborts a task. A pending task is atomically moved to cancelled
// and never starts a process; a running task's subprocess group is
// terminated; a terminal task reports ErrAlreadyFinished.
func (s *RunService) CancelRun(ctx context.Context, taskID string) error {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return err
	}

	switch {
	case task.Status.Terminal():
		return fmt.Errorf("%w: task %s is %s", ErrAlreadyFinished, taskID, task.Status)

	case task.Status == models.TaskStatusPending:
		_, err = s.repo.Transition(ctx, taskID,
			[]models.TaskStatus{models.TaskStatusPending},
			models.TaskStatusCancelled,
			models.TaskFields{ErrorMessage: "cancelled before start"},
		)
		if err == nil {
			return nil
		}

		if !repository.IsTransitionConflict(err) {
			return err
		}

		// Raced with dispatch; fall through to the running path.
		fallthrough

	default:
		if s.engine.Cancel(taskID) {
			return nil
		}

		// No live run registered in this process: the worker holding it may
		// have crashed. Resolve the record directly rather than leaving a
		// phantom running task.
		_, err = s.repo.Transition(ctx, taskID,
			[]models.TaskStatus{models.TaskStatusRunning},
			models.TaskStatusCancelled,
			models.TaskFields{ErrorMessage: "cancelled; no live run found"},
		)
		if err != nil {
			if repository.IsTransitionConflict(err) {
				return fmt.Errorf("%w: task %s", ErrAlreadyFinished, taskID)
			}

			return err
		}

		return nil
	}
}

// RequestReport generates (or returns the existing) report for a completed
// task.
func (s *RunService) RequestReport(ctx context.Context, taskID string) (string, error) {
	return s.reports.Generate(ctx, taskID)
}

// HealthCheck reports whether the repository backing the service is
// reachable.
func (s *RunService) HealthCheck(ctx context.Context) (string, bool) {
	err := s.repo.HealthCheck(ctx)
	if err != nil {
		return err.Error(), false
	}

	return "ok", true
}
