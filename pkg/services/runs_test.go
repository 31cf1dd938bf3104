package services

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/loadbay/loadbay/pkg/artifacts"
	"github.com/loadbay/loadbay/pkg/channels/gochannel"
	"github.com/loadbay/loadbay/pkg/dispatcher"
	"github.com/loadbay/loadbay/pkg/engine"
	"github.com/loadbay/loadbay/pkg/models"
	"github.com/loadbay/loadbay/pkg/report"
	"github.com/loadbay/loadbay/pkg/repository/file"
	"github.com/loadbay/loadbay/pkg/runlock"
	"github.com/loadbay/loadbay/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPlan = `<?xml version="1.0" encoding="UTF-8"?>
<jmeterTestPlan version="1.2">
  <hashTree/>
</jmeterTestPlan>
`

type serviceFixture struct {
	service *RunService
	repo    *file.Repository
	store   *artifacts.Store
}

// newServiceFixture assembles the full stack with an in-memory queue and a
// shell script standing in for the engine binary.
func newServiceFixture(t *testing.T, scriptBody string) *serviceFixture {
	t.Helper()

	logger := slog.Default()

	script := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+scriptBody+"\n"), 0o755))

	store, err := artifacts.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	repo := file.NewRepository(t.TempDir(), logger)

	pub, sub, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	eng := engine.NewEngine(engine.Config{EngineBinary: script, RunTimeout: 30 * time.Second}, repo, store, logger)

	disp := dispatcher.NewDispatcher(
		dispatcher.Config{Workers: 2, RequeueDelay: 10 * time.Millisecond},
		pub, sub,
		runlock.NewMemoryLocker(),
		eng,
		repo,
		logger,
	)
	require.NoError(t, disp.Start(t.Context()))

	reports := report.NewGenerator(report.Config{EngineBinary: script}, repo, store, logger)

	service := NewRunService(
		validation.NewValidator(validation.Config{}, logger),
		store, repo, disp, eng, reports, logger,
	)

	return &serviceFixture{service: service, repo: repo, store: store}
}

func (f *serviceFixture) waitTerminal(t *testing.T, taskID string) *models.Task {
	t.Helper()

	var task *models.Task

	require.Eventually(t, func() bool {
		var err error

		task, err = f.service.GetTask(t.Context(), taskID)

		return err == nil && task.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	return task
}

func TestSubmitDefinition(t *testing.T) {
	f := newServiceFixture(t, "exit 0")

	def, err := f.service.SubmitDefinition(t.Context(), []byte(validPlan), "plan.jmx")
	require.NoError(t, err)

	assert.Equal(t, "plan.jmx", def.Name)
	assert.True(t, f.store.HasDefinition("plan.jmx"))
}

func TestSubmitDefinition_RejectionLeavesNoState(t *testing.T) {
	f := newServiceFixture(t, "exit 0")

	_, err := f.service.SubmitDefinition(t.Context(), []byte(validPlan), "plan.txt")
	require.Error(t, err)
	assert.True(t, validation.IsValidationError(err))
	assert.False(t, f.store.HasDefinition("plan.txt"))
}

func TestStartRun_CompletesEndToEnd(t *testing.T) {
	f := newServiceFixture(t, `echo "samples written"; exit 0`)

	_, err := f.service.SubmitDefinition(t.Context(), []byte(validPlan), "plan.jmx")
	require.NoError(t, err)

	task, err := f.service.StartRun(t.Context(), "plan.jmx")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	finished := f.waitTerminal(t, task.ID)
	assert.Equal(t, models.TaskStatusCompleted, finished.Status)
	assert.NotEmpty(t, finished.OutputLogRef)
}

func TestStartRun_UnknownDefinition(t *testing.T) {
	f := newServiceFixture(t, "exit 0")

	_, err := f.service.StartRun(t.Context(), "nope.jmx")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestStartRun_FailedRunRecordsExitCode(t *testing.T) {
	f := newServiceFixture(t, "exit 2")

	_, err := f.service.SubmitDefinition(t.Context(), []byte(validPlan), "plan.jmx")
	require.NoError(t, err)

	task, err := f.service.StartRun(t.Context(), "plan.jmx")
	require.NoError(t, err)

	finished := f.waitTerminal(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, finished.Status)
	require.NotNil(t, finished.ExitCode)
	assert.Equal(t, 2, *finished.ExitCode)
}

func TestCancelRun_PendingTask(t *testing.T) {
	f := newServiceFixture(t, "exit 0")

	_, err := f.service.SubmitDefinition(t.Context(), []byte(validPlan), "plan.jmx")
	require.NoError(t, err)

	// Create the task directly so no dispatch races the cancellation.
	task, err := f.repo.Create(t.Context(), "plan.jmx")
	require.NoError(t, err)

	require.NoError(t, f.service.CancelRun(t.Context(), task.ID))

	stored, err := f.service.GetTask(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, stored.Status)
}

func TestCancelRun_RunningTask(t *testing.T) {
	f := newServiceFixture(t, "sleep 30")

	_, err := f.service.SubmitDefinition(t.Context(), []byte(validPlan), "plan.jmx")
	require.NoError(t, err)

	task, err := f.service.StartRun(t.Context(), "plan.jmx")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := f.service.GetTask(t.Context(), task.ID)

		return err == nil && stored.Status == models.TaskStatusRunning
	}, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.service.CancelRun(t.Context(), task.ID) == nil
	}, 5*time.Second, 10*time.Millisecond)

	finished := f.waitTerminal(t, task.ID)
	assert.Equal(t, models.TaskStatusCancelled, finished.Status)
}

func TestCancelRun_TerminalTaskIsNoOp(t *testing.T) {
	f := newServiceFixture(t, "exit 0")

	_, err := f.service.SubmitDefinition(t.Context(), []byte(validPlan), "plan.jmx")
	require.NoError(t, err)

	task, err := f.service.StartRun(t.Context(), "plan.jmx")
	require.NoError(t, err)

	f.waitTerminal(t, task.ID)

	err = f.service.CancelRun(t.Context(), task.ID)
	assert.ErrorIs(t, err, ErrAlreadyFinished)
}

func TestRequestReport_AfterCompletedRun(t *testing.T) {
	// The same script serves run mode and report mode: run mode writes the
	// result log it was given, report mode creates the output directory.
	f := newServiceFixture(t, `if [ "$1" = "-g" ]; then mkdir -p "$4"; echo '<html/>' > "$4/index.html"; else echo samples > "$5"; fi; exit 0`)

	_, err := f.service.SubmitDefinition(t.Context(), []byte(validPlan), "plan.jmx")
	require.NoError(t, err)

	task, err := f.service.StartRun(t.Context(), "plan.jmx")
	require.NoError(t, err)

	f.waitTerminal(t, task.ID)

	ref, err := f.service.RequestReport(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, f.store.ReportDir(task.ID), ref)

	// Second request returns the stored reference.
	again, err := f.service.RequestReport(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
}

func TestListTasks(t *testing.T) {
	f := newServiceFixture(t, "exit 0")

	_, err := f.service.SubmitDefinition(t.Context(), []byte(validPlan), "plan.jmx")
	require.NoError(t, err)

	first, err := f.service.StartRun(t.Context(), "plan.jmx")
	require.NoError(t, err)

	f.waitTerminal(t, first.ID)

	tasks, err := f.service.ListTasks(t.Context(), models.TaskFilter{DefinitionName: "plan.jmx"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, first.ID, tasks[0].ID)
}

func TestHealthCheck(t *testing.T) {
	f := newServiceFixture(t, "exit 0")

	detail, ok := f.service.HealthCheck(t.Context())
	assert.True(t, ok)
	assert.Equal(t, "ok", detail)
}
