// Package engine turns validated definition files into isolated subprocess
// runs and owns the task state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loadbay/loadbay/pkg/artifacts"
	"github.com/loadbay/loadbay/pkg/models"
	"github.com/loadbay/loadbay/pkg/otelhelper"
	"github.com/loadbay/loadbay/pkg/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultRunTimeout = time.Hour

// Config controls subprocess execution.
type Config struct {
	// EngineBinary is the external load-generation engine, e.g.
	// /opt/apache-jmeter/bin/jmeter. It is invoked with an argument vector
	// built from a fixed template; no shell is ever involved.
	EngineBinary string

	// RunTimeout is the wall-clock limit per run. On expiry the whole
	// process group is terminated.
	RunTimeout time.Duration
}

// Engine executes one task at a time per call to Run. The dispatcher holds
// the run lock and the worker slot for the duration; the engine is the only
// writer of running-state transitions.
type Engine struct {
	cfg    Config
	repo   repository.TaskRepository
	store  *artifacts.Store
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewEngine(cfg Config, repo repository.TaskRepository, store *artifacts.Store, logger *slog.Logger) *Engine {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}

	return &Engine{
		cfg:     cfg,
		repo:    repo,
		store:   store,
		logger:  logger.With("module", "engine"),
		tracer:  otel.Tracer("loadbay/engine"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run drives a pending task through the state machine to a terminal state.
// It never returns before the terminal transition has been attempted, so a
// task is never left running without a corresponding process.
func (e *Engine) Run(ctx context.Context, taskID string) error {
	logger := e.logger.With("task_id", taskID)

	task, err := e.repo.Get(ctx, taskID)
	if err != nil {
		return err
	}

	logger = logger.With("definition", task.DefinitionName)

	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("loadbay.task.id", taskID),
		attribute.String("loadbay.definition.name", task.DefinitionName),
	))
	defer span.End()

	defPath, err := e.store.DefinitionPath(task.DefinitionName)
	if err != nil {
		// The definition artifact vanished between submit and dispatch.
		// Resolve to failed rather than leaving the task pending forever.
		logger.ErrorContext(ctx, "definition artifact missing", "error", err)
		otelhelper.SetError(span, err)

		_, terr := e.repo.Transition(ctx, taskID,
			[]models.TaskStatus{models.TaskStatusPending},
			models.TaskStatusFailed,
			models.TaskFields{ErrorMessage: "definition artifact missing: " + err.Error()},
		)

		return errors.Join(err, ignoreConflict(terr))
	}

	started := time.Now().UTC()

	// The cancel hook must exist before the task leaves pending. A cancel
	// racing the transition then either wins the CAS outright or finds a live
	// hook to fire; registering after the CAS leaves a window where the record
	// flips to cancelled while the subprocess still launches.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.registerCancel(taskID, cancel)
	defer e.unregisterCancel(taskID)

	task, err = e.repo.Transition(ctx, taskID,
		[]models.TaskStatus{models.TaskStatusPending},
		models.TaskStatusRunning,
		models.TaskFields{StartedAt: &started},
	)
	if err != nil {
		if repository.IsTransitionConflict(err) {
			// Cancelled while queued; nothing to do.
			logger.InfoContext(ctx, "task no longer pending, skipping run")

			return nil
		}

		return err
	}

	logger.InfoContext(ctx, "starting subprocess run")

	outcome := e.invoke(runCtx, taskID, defPath)

	logger.InfoContext(ctx, "subprocess run finished",
		"outcome", outcome.Kind,
		"duration", outcome.Duration,
		"error_message", outcome.Message,
	)

	return e.finish(ctx, span, taskID, outcome)
}

// Cancel aborts a running task's subprocess. It reports whether a run was
// found; the cancelled transition is recorded by the Run goroutine once the
// process group is dead.
func (e *Engine) Cancel(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancel, found := e.cancels[taskID]
	if found {
		cancel()
	}

	return found
}

// finish records the terminal transition matching the outcome.
func (e *Engine) finish(ctx context.Context, span trace.Span, taskID string, outcome models.ExecutionOutcome) error {
	finished := time.Now().UTC()

	fields := models.TaskFields{
		FinishedAt:   &finished,
		ExitCode:     outcome.ExitCode,
		ErrorMessage: outcome.Message,
	}

	to := models.TaskStatusFailed

	switch outcome.Kind {
	case models.OutcomeSuccess:
		to = models.TaskStatusCompleted
		fields.OutputLogRef = e.store.ResultLogPath(taskID)
	case models.OutcomeCancelled:
		to = models.TaskStatusCancelled
	case models.OutcomeFailure, models.OutcomeTimeout:
		to = models.TaskStatusFailed
	}

	span.SetAttributes(attribute.String("loadbay.outcome", string(outcome.Kind)))

	// The terminal transition must land even when the surrounding context is
	// already cancelled (worker shutdown, run cancellation).
	ctx = context.WithoutCancel(ctx)

	_, err := e.repo.Transition(ctx, taskID,
		[]models.TaskStatus{models.TaskStatusRunning},
		to,
		fields,
	)
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to record outcome for task %s: %w", taskID, err)
	}

	return nil
}

// invoke spawns the external engine and waits for it to exit, time out, or be
// cancelled. All failure modes come back as an ExecutionOutcome value; no
// error crosses this boundary.
func (e *Engine) invoke(ctx context.Context, taskID, definitionPath string) models.ExecutionOutcome {
	console, err := e.store.OpenAppend(e.store.ConsolePath(taskID))
	if err != nil {
		return models.ExecutionOutcome{
			Kind:    models.OutcomeFailure,
			Message: "failed to open output capture: " + err.Error(),
		}
	}

	defer func() {
		err := console.Close()
		if err != nil {
			e.logger.Error("failed to close console capture", "task_id", taskID, "error", err)
		}
	}()

	args := buildRunArgs(definitionPath, e.store.ResultLogPath(taskID), e.store.EngineLogPath(taskID))

	cmd := exec.Command(e.cfg.EngineBinary, args...)
	cmd.Stdout = console
	cmd.Stderr = console
	// Own process group, so a timeout or cancellation kills the engine's
	// children too, not just the top-level process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()

	err = cmd.Start()
	if err != nil {
		return models.ExecutionOutcome{
			Kind:    models.OutcomeFailure,
			Message: "failed to start engine process: " + err.Error(),
		}
	}

	done := make(chan error, 1)

	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(e.cfg.RunTimeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		return outcomeFromWait(waitErr, time.Since(start))

	case <-timer.C:
		e.killGroup(cmd)
		<-done

		return models.ExecutionOutcome{
			Kind:     models.OutcomeTimeout,
			Message:  fmt.Sprintf("timeout exceeded after %s", e.cfg.RunTimeout),
			Duration: time.Since(start),
		}

	case <-ctx.Done():
		e.killGroup(cmd)
		<-done

		return models.ExecutionOutcome{
			Kind:     models.OutcomeCancelled,
			Message:  "run cancelled",
			Duration: time.Since(start),
		}
	}
}

// killGroup terminates the subprocess and everything it spawned.
func (e *Engine) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err != nil {
		// Process group already gone or never detached; fall back to the
		// direct child.
		_ = cmd.Process.Kill()
	}
}

func outcomeFromWait(waitErr error, duration time.Duration) models.ExecutionOutcome {
	if waitErr == nil {
		code := 0

		return models.ExecutionOutcome{
			Kind:     models.OutcomeSuccess,
			ExitCode: &code,
			Duration: duration,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()

		message := fmt.Sprintf("engine exited with code %d", code)
		if code == -1 {
			message = "engine terminated by signal: " + exitErr.ProcessState.String()
		}

		return models.ExecutionOutcome{
			Kind:     models.OutcomeFailure,
			ExitCode: &code,
			Message:  message,
			Duration: duration,
		}
	}

	return models.ExecutionOutcome{
		Kind:     models.OutcomeFailure,
		Message:  "engine wait failed: " + waitErr.Error(),
		Duration: duration,
	}
}

func (e *Engine) registerCancel(taskID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[taskID] = cancel
}

func (e *Engine) unregisterCancel(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, taskID)
}

func ignoreConflict(err error) error {
	if repository.IsTransitionConflict(err) {
		return nil
	}

	return err
}
