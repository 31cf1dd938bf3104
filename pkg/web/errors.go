package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/loadbay/loadbay/pkg/artifacts"
	"github.com/loadbay/loadbay/pkg/dispatcher"
	"github.com/loadbay/loadbay/pkg/report"
	"github.com/loadbay/loadbay/pkg/repository"
	"github.com/loadbay/loadbay/pkg/services"
	"github.com/loadbay/loadbay/pkg/validation"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps the engine's error taxonomy onto problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case validation.IsValidationError(err):
		return badRequest(c, err.Error())

	case errors.Is(err, services.ErrDefinitionNotFound),
		errors.Is(err, artifacts.ErrArtifactNotFound),
		repository.IsTaskNotFound(err):
		return notFound(c, err.Error())

	case errors.Is(err, dispatcher.ErrQueueSaturated):
		problem := problems.NewStatusProblem(503).
			WithInstance(c.Path()).
			WithType("queue_saturated").
			WithDetail(err.Error())

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)

	case errors.Is(err, services.ErrAlreadyFinished),
		errors.Is(err, repository.ErrReportNotAvailable),
		errors.Is(err, artifacts.ErrDefinitionExists),
		repository.IsTransitionConflict(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, report.ErrResultLogMissing):
		problem := problems.NewStatusProblem(410).
			WithInstance(c.Path()).
			WithType("artifact_gone").
			WithDetail(err.Error())

		return c.Status(fiber.StatusGone).JSON(problem)

	default:
		return internalError(c, err)
	}
}
