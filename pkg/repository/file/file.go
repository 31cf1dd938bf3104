// Package file provides a JSON-file backed task repository for development
// and tests. A process-wide mutex gives Transition its compare-and-swap
// atomicity.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loadbay/loadbay/pkg/models"
	"github.com/loadbay/loadbay/pkg/repository"
)

const tasksDir = "tasks"

type Repository struct {
	root   string
	logger *slog.Logger
	mu     sync.Mutex
}

func NewRepository(root string, logger *slog.Logger) *Repository {
	return &Repository{
		root:   strings.TrimPrefix(root, "file://"),
		logger: logger.With("module", "repository.file"),
	}
}

func (r *Repository) Create(ctx context.Context, definitionName string) (*models.Task, error) {
	task := &models.Task{
		ID:             uuid.New().String(),
		DefinitionName: definitionName,
		Status:         models.TaskStatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.write(task)
	if err != nil {
		return nil, err
	}

	return task, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.read(id)
}

func (r *Repository) List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	root := os.DirFS(filepath.Join(r.root, tasksDir))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	tasks := make([]*models.Task, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		task, err := r.read(strings.TrimSuffix(file, ".json"))
		if err != nil {
			return nil, err
		}

		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}

		if filter.DefinitionName != "" && task.DefinitionName != filter.DefinitionName {
			continue
		}

		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	return tasks, nil
}

func (r *Repository) Transition(ctx context.Context, id string, from []models.TaskStatus, to models.TaskStatus, fields models.TaskFields) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.read(id)
	if err != nil {
		return nil, err
	}

	if !statusIn(task.Status, from) {
		return nil, fmt.Errorf("%w: task %s is %s, wanted one of %v", repository.ErrTransitionConflict, id, task.Status, from)
	}

	applyFields(task, to, fields)

	err = r.write(task)
	if err != nil {
		return nil, err
	}

	return task, nil
}

func (r *Repository) SetReportRef(ctx context.Context, id, ref string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.read(id)
	if err != nil {
		return nil, err
	}

	if task.Status != models.TaskStatusCompleted {
		return nil, fmt.Errorf("%w: task %s is %s", repository.ErrReportNotAvailable, id, task.Status)
	}

	if task.ReportRef != "" {
		return task, nil
	}

	task.ReportRef = ref

	err = r.write(task)
	if err != nil {
		return nil, err
	}

	return task, nil
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	err := os.MkdirAll(filepath.Join(r.root, tasksDir), 0o755)
	if err != nil {
		return fmt.Errorf("task directory is not writable: %w", err)
	}

	return nil
}

func (r *Repository) Close(ctx context.Context) error {
	return nil
}

// applyFields moves the task to its new status and maintains the timestamp
// invariants: StartedAt is set when leaving pending, FinishedAt exactly when
// entering a terminal state.
func applyFields(task *models.Task, to models.TaskStatus, fields models.TaskFields) {
	now := time.Now().UTC()
	task.Status = to

	if to != models.TaskStatusPending && task.StartedAt == nil {
		if fields.StartedAt != nil {
			task.StartedAt = fields.StartedAt
		} else {
			task.StartedAt = &now
		}
	}

	if to.Terminal() {
		if fields.FinishedAt != nil {
			task.FinishedAt = fields.FinishedAt
		} else {
			task.FinishedAt = &now
		}
	}

	if fields.OutputLogRef != "" {
		task.OutputLogRef = fields.OutputLogRef
	}

	if fields.ExitCode != nil {
		task.ExitCode = fields.ExitCode
	}

	if fields.ErrorMessage != "" {
		task.ErrorMessage = fields.ErrorMessage
	}
}

func statusIn(status models.TaskStatus, set []models.TaskStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}

	return false
}

func (r *Repository) path(id string) string {
	return filepath.Join(r.root, tasksDir, id+".json")
}

func (r *Repository) read(id string) (*models.Task, error) {
	body, err := os.ReadFile(r.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", repository.ErrTaskNotFound, id)
		}

		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}

	var task models.Task

	err = json.Unmarshal(body, &task)
	if err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}

	return &task, nil
}

func (r *Repository) write(task *models.Task) error {
	dir := filepath.Join(r.root, tasksDir)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	body, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}

	tmp, err := os.CreateTemp(dir, ".task-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	_, err = tmp.Write(body)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}

	err = tmp.Close()
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close temp file: %w", err)
	}

	err = os.Rename(tmp.Name(), r.path(task.ID))
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to commit task %s: %w", task.ID, err)
	}

	return nil
}
