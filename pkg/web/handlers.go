package web

import (
	"io"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/loadbay/loadbay/pkg/models"
	"github.com/loadbay/loadbay/pkg/services"
)

// APIHandlers exposes the run service over HTTP. It is a thin collaborator:
// all lifecycle rules live below the service boundary.
type APIHandlers struct {
	runService *services.RunService
	validator  *validator.Validate
	logger     *slog.Logger
}

func NewAPIHandlers(runService *services.RunService, validator *validator.Validate, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{
		runService: runService,
		validator:  validator,
		logger:     logger.With("module", "web"),
	}
}

// UploadDefinition accepts a multipart definition upload.
func (h *APIHandlers) UploadDefinition(c fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "multipart field 'file' is required")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return internalError(c, err)
	}

	defer func() {
		_ = file.Close()
	}()

	data, err := io.ReadAll(file)
	if err != nil {
		return internalError(c, err)
	}

	def, err := h.runService.SubmitDefinition(c.Context(), data, fileHeader.Filename)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(UploadResponse{
		Name:       def.Name,
		Size:       def.Size,
		SHA256:     def.SHA256,
		UploadedAt: def.UploadedAt.Format(time.RFC3339),
	})
}

// StartRun creates a pending task for a stored definition and enqueues it.
func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest

	err := c.Bind().JSON(&req)
	if err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	err = h.validator.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.runService.StartRun(c.Context(), req.DefinitionName)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(task)
}

// GetTask returns a single task record.
func (h *APIHandlers) GetTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "task ID is required")
	}

	task, err := h.runService.GetTask(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

// ListTasks returns tasks, optionally filtered by status and definition.
func (h *APIHandlers) ListTasks(c fiber.Ctx) error {
	filter := models.TaskFilter{
		DefinitionName: c.Query("definition"),
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.TaskStatus(statusStr)
		if !status.Valid() {
			return badRequest(c, "unknown status: "+statusStr)
		}

		filter.Status = &status
	}

	tasks, err := h.runService.ListTasks(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ListTasksResponse{
		Tasks: tasks,
		Count: len(tasks),
	})
}

// CancelRun aborts a pending or running task.
func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "task ID is required")
	}

	err := h.runService.CancelRun(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(CancelResponse{
		TaskID: id,
		Status: string(models.TaskStatusCancelled),
	})
}

// RequestReport generates (or returns) the report for a completed task.
func (h *APIHandlers) RequestReport(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "task ID is required")
	}

	ref, err := h.runService.RequestReport(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ReportResponse{
		TaskID:    id,
		ReportRef: ref,
	})
}

// HealthCheck reports service and repository health.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	detail, ok := h.runService.HealthCheck(c.Context())

	status := "healthy"
	httpStatus := fiber.StatusOK

	if !ok {
		status = "unhealthy"
		httpStatus = fiber.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": detail,
		},
	})
}
