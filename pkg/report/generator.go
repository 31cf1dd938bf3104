// Package report invokes the external engine's report mode against the raw
// result log of a completed run. The tool is a black box: the package only
// launches it and records the output directory on the task.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/loadbay/loadbay/pkg/artifacts"
	"github.com/loadbay/loadbay/pkg/models"
	"github.com/loadbay/loadbay/pkg/otelhelper"
	"github.com/loadbay/loadbay/pkg/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultTimeout = 5 * time.Minute

// ErrResultLogMissing indicates the completed task's raw output artifact is
// no longer present (retention may have removed it).
var ErrResultLogMissing = errors.New("result log artifact missing")

// Config controls report generation.
type Config struct {
	EngineBinary string
	Timeout      time.Duration
}

// Generator converts raw result logs into human-readable reports. Generation
// is idempotent: once a task carries a report reference, further requests
// return it without invoking the tool again.
type Generator struct {
	cfg    Config
	repo   repository.TaskRepository
	store  *artifacts.Store
	logger *slog.Logger
	tracer trace.Tracer
}

func NewGenerator(cfg Config, repo repository.TaskRepository, store *artifacts.Store, logger *slog.Logger) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Generator{
		cfg:    cfg,
		repo:   repo,
		store:  store,
		logger: logger.With("module", "report"),
		tracer: otel.Tracer("loadbay/report"),
	}
}

// Generate produces the report for a completed task and returns its
// reference. Callable only when the task is completed; a second call returns
// the existing reference.
func (g *Generator) Generate(ctx context.Context, taskID string) (string, error) {
	task, err := g.repo.Get(ctx, taskID)
	if err != nil {
		return "", err
	}

	if task.ReportRef != "" {
		return task.ReportRef, nil
	}

	if task.Status != models.TaskStatusCompleted {
		return "", fmt.Errorf("%w: task %s is %s", repository.ErrReportNotAvailable, taskID, task.Status)
	}

	if task.OutputLogRef == "" || !g.store.Exists(task.OutputLogRef) {
		return "", fmt.Errorf("%w: task %s", ErrResultLogMissing, taskID)
	}

	ctx, span := g.tracer.Start(ctx, "report.generate", trace.WithAttributes(
		attribute.String("loadbay.task.id", taskID),
	))
	defer span.End()

	reportDir := g.store.ReportDir(taskID)

	// A half-written tree from a previous attempt must not survive; the tool
	// refuses to write into a non-empty directory.
	err = os.RemoveAll(reportDir)
	if err != nil {
		otelhelper.SetError(span, err)

		return "", fmt.Errorf("failed to clear report directory: %w", err)
	}

	err = g.invoke(ctx, task.OutputLogRef, reportDir)
	if err != nil {
		otelhelper.SetError(span, err)

		return "", err
	}

	updated, err := g.repo.SetReportRef(ctx, taskID, reportDir)
	if err != nil {
		otelhelper.SetError(span, err)

		return "", err
	}

	g.logger.InfoContext(ctx, "report generated", "task_id", taskID, "report_ref", updated.ReportRef)

	// A racing generator may have recorded its reference first; the stored
	// one wins either way.
	return updated.ReportRef, nil
}

func (g *Generator) invoke(ctx context.Context, resultLogPath, reportDir string) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	// Fixed argument template, server-derived paths only.
	cmd := exec.CommandContext(ctx, g.cfg.EngineBinary, "-g", resultLogPath, "-o", reportDir)

	var output bytes.Buffer

	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("report generation timed out after %s", g.cfg.Timeout)
		}

		return fmt.Errorf("report generation failed: %w: %s", err, tail(output.Bytes(), 512))
	}

	return nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}

	return string(b[len(b)-n:])
}
