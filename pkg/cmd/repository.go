// Package cmd provides the shared wiring used by the loadbay binaries to
// construct backend-specific components from CLI configuration.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loadbay/loadbay/pkg/repository"
	"github.com/loadbay/loadbay/pkg/repository/file"
	"github.com/loadbay/loadbay/pkg/repository/postgresql"
)

// NewTaskRepository selects the task repository by the database URL scheme.
// postgres:// and postgresql:// URLs use the PostgreSQL backend; anything
// else is treated as a filesystem path for the file backend.
func NewTaskRepository(ctx context.Context, logger *slog.Logger, databaseURL string) (repository.TaskRepository, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"),
		strings.HasPrefix(databaseURL, "postgresql://"):
		return postgresql.NewRepository(ctx, logger, databaseURL)
	default:
		root := strings.TrimPrefix(databaseURL, "file://")

		return file.NewRepository(root, logger), nil
	}
}
