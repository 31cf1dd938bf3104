package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/loadbay/loadbay/pkg/models"
	"github.com/loadbay/loadbay/pkg/repository"
)

const taskColumns = `
	id
  , definition_name
  , status
  , created_at
  , started_at
  , finished_at
  , output_log_ref
  , report_ref
  , exit_code
  , error_message
`

func (r *Repository) Create(ctx context.Context, definitionName string) (*models.Task, error) {
	task := &models.Task{
		ID:             uuid.New().String(),
		DefinitionName: definitionName,
		Status:         models.TaskStatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	query := `
		INSERT INTO tasks (id, definition_name, status, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.ExecContext(ctx, query, task.ID, task.DefinitionName, task.Status, task.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	return task, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", repository.ErrTaskNotFound, id)
		}

		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	return task, nil
}

func (r *Repository) List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := make([]any, 0, 2)

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	if filter.DefinitionName != "" {
		args = append(args, filter.DefinitionName)
		query += fmt.Sprintf(" AND definition_name = $%d", len(args))
	}

	query += " ORDER BY created_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	tasks := make([]*models.Task, 0)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// Transition performs the compare-and-swap in a single conditional UPDATE:
// the row only moves when its current status is in the from set, so exactly
// one of any set of racing callers wins.
func (r *Repository) Transition(ctx context.Context, id string, from []models.TaskStatus, to models.TaskStatus, fields models.TaskFields) (*models.Task, error) {
	now := time.Now().UTC()

	startedAt := fields.StartedAt
	if startedAt == nil && to != models.TaskStatusPending {
		startedAt = &now
	}

	finishedAt := fields.FinishedAt
	if finishedAt == nil && to.Terminal() {
		finishedAt = &now
	}

	fromStates := make([]string, 0, len(from))
	for _, s := range from {
		fromStates = append(fromStates, string(s))
	}

	query := `
		UPDATE tasks SET
			status = $2
		  , started_at = COALESCE(started_at, $3)
		  , finished_at = COALESCE(finished_at, $4)
		  , output_log_ref = CASE WHEN $5 = '' THEN output_log_ref ELSE $5 END
		  , exit_code = COALESCE($6, exit_code)
		  , error_message = CASE WHEN $7 = '' THEN error_message ELSE $7 END
		WHERE id = $1 AND status = ANY($8)
		RETURNING ` + taskColumns

	task, err := scanTask(r.db.QueryRowContext(ctx, query,
		id,
		string(to),
		startedAt,
		finishedAt,
		fields.OutputLogRef,
		fields.ExitCode,
		fields.ErrorMessage,
		pq.Array(fromStates),
	))
	if err == nil {
		return task, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition task: %w", err)
	}

	// No row updated: distinguish a missing task from a lost CAS.
	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}

	return nil, fmt.Errorf("%w: task %s is %s, wanted one of %v", repository.ErrTransitionConflict, id, current.Status, from)
}

func (r *Repository) SetReportRef(ctx context.Context, id, ref string) (*models.Task, error) {
	query := `
		UPDATE tasks SET report_ref = $2
		WHERE id = $1 AND status = $3 AND report_ref = ''
		RETURNING ` + taskColumns

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id, ref, string(models.TaskStatusCompleted)))
	if err == nil {
		return task, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to set report ref: %w", err)
	}

	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}

	if current.Status != models.TaskStatusCompleted {
		return nil, fmt.Errorf("%w: task %s is %s", repository.ErrReportNotAvailable, id, current.Status)
	}

	// Lost the race to another generator; the stored reference wins.
	return current, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task       models.Task
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		exitCode   sql.NullInt64
	)

	err := row.Scan(
		&task.ID,
		&task.DefinitionName,
		&task.Status,
		&task.CreatedAt,
		&startedAt,
		&finishedAt,
		&task.OutputLogRef,
		&task.ReportRef,
		&exitCode,
		&task.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		t := startedAt.Time.UTC()
		task.StartedAt = &t
	}

	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		task.FinishedAt = &t
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}

	task.CreatedAt = task.CreatedAt.UTC()

	return &task, nil
}
