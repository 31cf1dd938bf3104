package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loadbay/loadbay/pkg/artifacts"
	"github.com/loadbay/loadbay/pkg/models"
	"github.com/loadbay/loadbay/pkg/repository"
	"github.com/loadbay/loadbay/pkg/repository/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine *Engine
	repo   *file.Repository
	store  *artifacts.Store
}

// writeScript installs an executable stand-in for the external engine binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "engine.sh")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)
	require.NoError(t, err)

	return path
}

func newEngineFixture(t *testing.T, binary string, timeout time.Duration) *engineFixture {
	t.Helper()

	logger := slog.Default()

	store, err := artifacts.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	_, err = store.SaveDefinition("plan.jmx", []byte("<jmeterTestPlan/>"))
	require.NoError(t, err)

	repo := file.NewRepository(t.TempDir(), logger)

	return &engineFixture{
		engine: NewEngine(Config{EngineBinary: binary, RunTimeout: timeout}, repo, store, logger),
		repo:   repo,
		store:  store,
	}
}

func TestRun_SuccessfulExit(t *testing.T) {
	script := writeScript(t, `echo "run output"; exit 0`)
	f := newEngineFixture(t, script, time.Minute)

	task, err := f.repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	err = f.engine.Run(t.Context(), task.ID)
	require.NoError(t, err)

	stored, err := f.repo.Get(t.Context(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.FinishedAt)
	require.NotNil(t, stored.ExitCode)
	assert.Equal(t, 0, *stored.ExitCode)
	assert.Equal(t, f.store.ResultLogPath(task.ID), stored.OutputLogRef)

	// Stdout is captured into the console artifact.
	console, err := os.ReadFile(f.store.ConsolePath(task.ID))
	require.NoError(t, err)
	assert.Contains(t, string(console), "run output")
}

func TestRun_NonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "boom" >&2; exit 3`)
	f := newEngineFixture(t, script, time.Minute)

	task, err := f.repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	err = f.engine.Run(t.Context(), task.ID)
	require.NoError(t, err)

	stored, err := f.repo.Get(t.Context(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	require.NotNil(t, stored.ExitCode)
	assert.Equal(t, 3, *stored.ExitCode)
	assert.Contains(t, stored.ErrorMessage, "exited with code 3")
	assert.Empty(t, stored.OutputLogRef)

	// Stderr lands in the same capture file.
	console, err := os.ReadFile(f.store.ConsolePath(task.ID))
	require.NoError(t, err)
	assert.Contains(t, string(console), "boom")
}

func TestRun_Timeout(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	f := newEngineFixture(t, script, 200*time.Millisecond)

	task, err := f.repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	start := time.Now()
	err = f.engine.Run(t.Context(), task.ID)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 10*time.Second, "process group kill must not wait for the sleep")

	stored, err := f.repo.Get(t.Context(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "timeout exceeded")
	assert.NotNil(t, stored.FinishedAt)
}

func TestRun_Cancel(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	f := newEngineFixture(t, script, time.Minute)

	task, err := f.repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- f.engine.Run(t.Context(), task.ID)
	}()

	// Wait for the run to reach running before cancelling it.
	require.Eventually(t, func() bool {
		stored, err := f.repo.Get(t.Context(), task.ID)

		return err == nil && stored.Status == models.TaskStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.engine.Cancel(task.ID)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, <-done)

	stored, err := f.repo.Get(t.Context(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCancelled, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "cancelled")
	assert.NotNil(t, stored.FinishedAt)
}

// gatedTransitionRepo holds the first Transition call until release is
// closed, widening the gap between leaving pending and the subprocess launch.
type gatedTransitionRepo struct {
	repository.TaskRepository

	once    sync.Once
	release chan struct{}
}

func (r *gatedTransitionRepo) Transition(ctx context.Context, id string, from []models.TaskStatus, to models.TaskStatus, fields models.TaskFields) (*models.Task, error) {
	r.once.Do(func() { <-r.release })

	return r.TaskRepository.Transition(ctx, id, from, to, fields)
}

func TestRun_CancelDuringRunningTransition(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	f := newEngineFixture(t, script, time.Minute)

	release := make(chan struct{})
	gated := &gatedTransitionRepo{TaskRepository: f.repo, release: release}
	eng := NewEngine(Config{EngineBinary: script, RunTimeout: time.Minute}, gated, f.store, slog.Default())

	task, err := f.repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- eng.Run(t.Context(), task.ID)
	}()

	// The running transition is still in flight, but the cancel hook must
	// already be reachable. Otherwise a cancel landing here would flip the
	// record while the subprocess runs to natural completion.
	require.Eventually(t, func() bool {
		return eng.Cancel(task.ID)
	}, 5*time.Second, 10*time.Millisecond)

	close(release)

	start := time.Now()
	require.NoError(t, <-done)
	assert.Less(t, time.Since(start), 10*time.Second, "cancelled run must not wait out the sleep")

	stored, err := f.repo.Get(t.Context(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCancelled, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
}

func TestRun_MissingDefinition(t *testing.T) {
	script := writeScript(t, `exit 0`)
	f := newEngineFixture(t, script, time.Minute)

	task, err := f.repo.Create(t.Context(), "vanished.jmx")
	require.NoError(t, err)

	err = f.engine.Run(t.Context(), task.ID)
	require.Error(t, err)

	stored, err := f.repo.Get(t.Context(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "definition artifact missing")
}

func TestRun_SkipsNonPendingTask(t *testing.T) {
	script := writeScript(t, `exit 0`)
	f := newEngineFixture(t, script, time.Minute)

	task, err := f.repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	// Cancelled while queued.
	_, err = f.repo.Transition(t.Context(), task.ID,
		[]models.TaskStatus{models.TaskStatusPending},
		models.TaskStatusCancelled,
		models.TaskFields{},
	)
	require.NoError(t, err)

	err = f.engine.Run(t.Context(), task.ID)
	require.NoError(t, err)

	stored, err := f.repo.Get(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, stored.Status)
}

func TestRun_MissingBinary(t *testing.T) {
	f := newEngineFixture(t, "/nonexistent/engine-binary", time.Minute)

	task, err := f.repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	err = f.engine.Run(t.Context(), task.ID)
	require.NoError(t, err)

	stored, err := f.repo.Get(t.Context(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "failed to start engine process")
}

func TestCancel_UnknownTask(t *testing.T) {
	script := writeScript(t, `exit 0`)
	f := newEngineFixture(t, script, time.Minute)

	assert.False(t, f.engine.Cancel("no-such-task"))
}

func TestBuildRunArgs(t *testing.T) {
	args := buildRunArgs("/a/plan.jmx", "/r/t.jtl", "/r/t.log")

	assert.Equal(t, []string{"-n", "-t", "/a/plan.jmx", "-l", "/r/t.jtl", "-j", "/r/t.log"}, args)
}
