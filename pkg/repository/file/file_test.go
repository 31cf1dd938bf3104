package file

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/loadbay/loadbay/pkg/models"
	"github.com/loadbay/loadbay/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	return NewRepository(t.TempDir(), slog.Default())
}

func TestCreate(t *testing.T) {
	repo := newTestRepository(t)

	task, err := repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "plan.jmx", task.DefinitionName)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.FinishedAt)

	stored, err := repo.Get(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, stored.ID)
}

func TestGet_NotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.Get(t.Context(), "missing")
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestTransition_PendingToRunning(t *testing.T) {
	repo := newTestRepository(t)

	task, err := repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	running, err := repo.Transition(t.Context(), task.ID,
		[]models.TaskStatus{models.TaskStatusPending},
		models.TaskStatusRunning,
		models.TaskFields{},
	)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusRunning, running.Status)
	assert.NotNil(t, running.StartedAt)
	assert.Nil(t, running.FinishedAt)
}

func TestTransition_TerminalSetsFinishedAt(t *testing.T) {
	repo := newTestRepository(t)

	task, err := repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	_, err = repo.Transition(t.Context(), task.ID,
		[]models.TaskStatus{models.TaskStatusPending},
		models.TaskStatusRunning,
		models.TaskFields{},
	)
	require.NoError(t, err)

	exitCode := 0
	done, err := repo.Transition(t.Context(), task.ID,
		[]models.TaskStatus{models.TaskStatusRunning},
		models.TaskStatusCompleted,
		models.TaskFields{OutputLogRef: "/artifacts/results/x.jtl", ExitCode: &exitCode},
	)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.NotNil(t, done.FinishedAt)
	assert.Equal(t, "/artifacts/results/x.jtl", done.OutputLogRef)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
}

func TestTransition_WrongSourceConflicts(t *testing.T) {
	repo := newTestRepository(t)

	task, err := repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	_, err = repo.Transition(t.Context(), task.ID,
		[]models.TaskStatus{models.TaskStatusRunning},
		models.TaskStatusCompleted,
		models.TaskFields{},
	)
	assert.ErrorIs(t, err, repository.ErrTransitionConflict)

	// The failed swap leaves the record untouched.
	stored, err := repo.Get(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
}

func TestTransition_ExactlyOneWinnerUnderContention(t *testing.T) {
	repo := newTestRepository(t)

	task, err := repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	const contenders = 16

	var (
		wg   sync.WaitGroup
		wins int
		mu   sync.Mutex
	)

	for range contenders {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := repo.Transition(t.Context(), task.ID,
				[]models.TaskStatus{models.TaskStatusPending},
				models.TaskStatusRunning,
				models.TaskFields{},
			)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestTransition_PendingToCancelledSkipsRunning(t *testing.T) {
	repo := newTestRepository(t)

	task, err := repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	cancelled, err := repo.Transition(t.Context(), task.ID,
		[]models.TaskStatus{models.TaskStatusPending},
		models.TaskStatusCancelled,
		models.TaskFields{ErrorMessage: "cancelled before start"},
	)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.FinishedAt)
	assert.Equal(t, "cancelled before start", cancelled.ErrorMessage)
}

func TestList_FiltersAndOrders(t *testing.T) {
	repo := newTestRepository(t)

	first, err := repo.Create(t.Context(), "a.jmx")
	require.NoError(t, err)

	second, err := repo.Create(t.Context(), "b.jmx")
	require.NoError(t, err)

	_, err = repo.Transition(t.Context(), second.ID,
		[]models.TaskStatus{models.TaskStatusPending},
		models.TaskStatusRunning,
		models.TaskFields{},
	)
	require.NoError(t, err)

	all, err := repo.List(t.Context(), models.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)

	running := models.TaskStatusRunning
	filtered, err := repo.List(t.Context(), models.TaskFilter{Status: &running})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, second.ID, filtered[0].ID)

	byName, err := repo.List(t.Context(), models.TaskFilter{DefinitionName: "a.jmx"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, first.ID, byName[0].ID)
}

func TestList_EmptyRepository(t *testing.T) {
	repo := newTestRepository(t)

	tasks, err := repo.List(t.Context(), models.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSetReportRef(t *testing.T) {
	repo := newTestRepository(t)

	task, err := repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	// Reports are only available for completed tasks.
	_, err = repo.SetReportRef(t.Context(), task.ID, "/reports/x")
	assert.ErrorIs(t, err, repository.ErrReportNotAvailable)

	_, err = repo.Transition(t.Context(), task.ID,
		[]models.TaskStatus{models.TaskStatusPending},
		models.TaskStatusRunning,
		models.TaskFields{},
	)
	require.NoError(t, err)

	_, err = repo.Transition(t.Context(), task.ID,
		[]models.TaskStatus{models.TaskStatusRunning},
		models.TaskStatusCompleted,
		models.TaskFields{},
	)
	require.NoError(t, err)

	stored, err := repo.SetReportRef(t.Context(), task.ID, "/reports/x")
	require.NoError(t, err)
	assert.Equal(t, "/reports/x", stored.ReportRef)

	// The first reference wins; later calls return it unchanged.
	again, err := repo.SetReportRef(t.Context(), task.ID, "/reports/y")
	require.NoError(t, err)
	assert.Equal(t, "/reports/x", again.ReportRef)
}

func TestHealthCheck(t *testing.T) {
	repo := newTestRepository(t)

	assert.NoError(t, repo.HealthCheck(t.Context()))
}
