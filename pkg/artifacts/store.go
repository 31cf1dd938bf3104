// Package artifacts provides path-addressed storage for input definitions,
// raw result logs, and generated reports.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loadbay/loadbay/pkg/models"
)

var (
	// ErrDefinitionExists indicates an upload reused a name that already
	// holds different content. Definitions are immutable.
	ErrDefinitionExists = errors.New("definition already exists with different content")

	// ErrArtifactNotFound indicates the referenced artifact is missing.
	ErrArtifactNotFound = errors.New("artifact not found")
)

const (
	definitionsDir = "definitions"
	resultsDir     = "results"
	reportsDir     = "reports"
)

// Store lays artifacts out under a single root:
//
//	root/definitions/<sanitized-name>
//	root/results/<task-id>.jtl      raw result log
//	root/results/<task-id>.log      engine log
//	root/results/<task-id>.out      captured stdout+stderr
//	root/reports/<task-id>/         generated report tree
//
// Result and report paths derive from the task ID, never from user input, so
// workers never contend on writes.
type Store struct {
	root   string
	logger *slog.Logger
}

func NewStore(root string, logger *slog.Logger) (*Store, error) {
	root = strings.TrimPrefix(root, "file://")

	for _, dir := range []string{definitionsDir, resultsDir, reportsDir} {
		err := os.MkdirAll(filepath.Join(root, dir), 0o755)
		if err != nil {
			return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
		}
	}

	return &Store{
		root:   root,
		logger: logger.With("module", "artifacts"),
	}, nil
}

// SaveDefinition persists an accepted definition under its sanitized name.
// Writes are atomic (temp file plus rename). Re-saving identical bytes is
// idempotent; a different payload under an existing name is a conflict.
func (s *Store) SaveDefinition(name string, data []byte) (*models.DefinitionFile, error) {
	if filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: invalid definition name %q", ErrArtifactNotFound, name)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	path := filepath.Join(s.root, definitionsDir, name)

	existing, err := os.ReadFile(path)
	if err == nil {
		existingSum := sha256.Sum256(existing)
		if existingSum != sum {
			return nil, fmt.Errorf("%w: %q", ErrDefinitionExists, name)
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat existing definition: %w", err)
		}

		return &models.DefinitionFile{
			Name:       name,
			Size:       info.Size(),
			SHA256:     hash,
			UploadedAt: info.ModTime().UTC(),
		}, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read existing definition: %w", err)
	}

	err = s.writeAtomic(path, data)
	if err != nil {
		return nil, err
	}

	s.logger.Info("definition stored", "name", name, "size", len(data), "sha256", hash)

	return &models.DefinitionFile{
		Name:       name,
		Size:       int64(len(data)),
		SHA256:     hash,
		UploadedAt: time.Now().UTC(),
	}, nil
}

// DefinitionPath resolves the on-disk path of a stored definition.
func (s *Store) DefinitionPath(name string) (string, error) {
	if filepath.Base(name) != name {
		return "", fmt.Errorf("%w: invalid definition name %q", ErrArtifactNotFound, name)
	}

	path := filepath.Join(s.root, definitionsDir, name)

	_, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: definition %q", ErrArtifactNotFound, name)
		}

		return "", fmt.Errorf("failed to stat definition: %w", err)
	}

	return path, nil
}

// HasDefinition reports whether a definition is stored under the given name.
func (s *Store) HasDefinition(name string) bool {
	_, err := s.DefinitionPath(name)

	return err == nil
}

// ResultLogPath is the raw result log produced by a run.
func (s *Store) ResultLogPath(taskID string) string {
	return filepath.Join(s.root, resultsDir, taskID+".jtl")
}

// EngineLogPath is the external engine's own log file for a run.
func (s *Store) EngineLogPath(taskID string) string {
	return filepath.Join(s.root, resultsDir, taskID+".log")
}

// ConsolePath is the captured stdout/stderr of a run.
func (s *Store) ConsolePath(taskID string) string {
	return filepath.Join(s.root, resultsDir, taskID+".out")
}

// ReportDir is the directory a generated report is written into.
func (s *Store) ReportDir(taskID string) string {
	return filepath.Join(s.root, reportsDir, taskID)
}

// OpenAppend opens an append-only capture file, creating it if needed.
func (s *Store) OpenAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}

	return file, nil
}

// Exists reports whether the given artifact path is present.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// RemoveOlderThan deletes result files and report directories last modified
// before the cutoff. Definitions are kept; their retention is an external
// policy decision.
func (s *Store) RemoveOlderThan(cutoff time.Time) (int, error) {
	removed := 0

	results, err := os.ReadDir(filepath.Join(s.root, resultsDir))
	if err != nil {
		return 0, fmt.Errorf("failed to list results: %w", err)
	}

	for _, entry := range results {
		path := filepath.Join(s.root, resultsDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				s.logger.Error("failed to remove aged result", "path", path, "error", err)

				continue
			}

			removed++
		}
	}

	reports, err := os.ReadDir(filepath.Join(s.root, reportsDir))
	if err != nil {
		return removed, fmt.Errorf("failed to list reports: %w", err)
	}

	for _, entry := range reports {
		path := filepath.Join(s.root, reportsDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(path); err != nil {
				s.logger.Error("failed to remove aged report", "path", path, "error", err)

				continue
			}

			removed++
		}
	}

	return removed, nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	_, err = tmp.Write(data)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write artifact: %w", err)
	}

	err = tmp.Close()
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close temp file: %w", err)
	}

	err = os.Rename(tmp.Name(), path)
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to commit artifact: %w", err)
	}

	return nil
}
