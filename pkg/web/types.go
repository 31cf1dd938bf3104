// Package web provides the HTTP surface for the execution engine's external
// operations.
package web

import "github.com/loadbay/loadbay/pkg/models"

// StartRunRequest is the body for starting a run of a stored definition.
type StartRunRequest struct {
	DefinitionName string `json:"definition_name" validate:"required,min=1,max=255"`
}

// UploadResponse describes an accepted definition.
type UploadResponse struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	UploadedAt string `json:"uploaded_at"`
}

// ReportResponse carries the generated report reference.
type ReportResponse struct {
	TaskID    string `json:"task_id"`
	ReportRef string `json:"report_ref"`
}

// CancelResponse acknowledges a cancellation.
type CancelResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// ListTasksResponse wraps a task listing.
type ListTasksResponse struct {
	Tasks []*models.Task `json:"tasks"`
	Count int            `json:"count"`
}
