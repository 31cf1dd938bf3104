// Package validation inspects uploaded definition files before they are
// accepted into the artifact store.
package validation

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Each rejection reason is a distinct error kind so callers can present
// actionable messages instead of a generic boolean.
var (
	ErrBadExtension      = errors.New("file extension not allowed")
	ErrFileTooLarge      = errors.New("file exceeds maximum size")
	ErrSignatureMismatch = errors.New("file content does not match its extension")
	ErrUnsafeName        = errors.New("declared file name is unsafe")
	ErrUnsafeContent     = errors.New("file contains potentially dangerous content")
	ErrMalformedPlan     = errors.New("file is not a well-formed test plan")
)

const (
	defaultMaxSize   = 100 * 1024 * 1024
	defaultExtension = ".jmx"
	maxNameLength    = 255
	planRootElement  = "jmeterTestPlan"
)

// Content sniffing accepts the XML/plain-text family only; a binary payload
// renamed to the accepted extension is rejected regardless.
var allowedMIMETypes = []string{"text/xml", "application/xml", "text/plain"}

// Embedded constructs that could trigger script or command execution when the
// plan is later processed or rendered.
var dangerousPatterns = [][]byte{
	[]byte("<script"),
	[]byte("javascript:"),
	[]byte("vbscript:"),
	[]byte("onload="),
	[]byte("onerror="),
	[]byte("eval("),
	[]byte("exec("),
	[]byte("__import__"),
	[]byte("subprocess"),
	[]byte("os.system"),
}

var safeNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._ -]*$`)

// Config controls the acceptance rules.
type Config struct {
	MaxSize   int64
	Extension string
}

// Result describes an accepted definition upload.
type Result struct {
	SanitizedName string
	Size          int64
	DetectedMIME  string
}

// Validator checks uploaded definition files. Validation is pure: it never
// touches storage, and re-validating the same bytes yields the same result.
type Validator struct {
	cfg    Config
	logger *slog.Logger
}

func NewValidator(cfg Config, logger *slog.Logger) *Validator {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}

	if cfg.Extension == "" {
		cfg.Extension = defaultExtension
	}

	return &Validator{
		cfg:    cfg,
		logger: logger.With("module", "validation"),
	}
}

// Validate inspects the uploaded bytes against the declared name and returns
// the sanitized on-disk name on acceptance.
func (v *Validator) Validate(data []byte, declaredName string) (*Result, error) {
	sanitized, err := SanitizeName(declaredName)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(filepath.Ext(sanitized), v.cfg.Extension) {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrBadExtension, v.cfg.Extension, filepath.Ext(sanitized))
	}

	if int64(len(data)) > v.cfg.MaxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, len(data), v.cfg.MaxSize)
	}

	detected := mimetype.Detect(data)
	if !mimeAllowed(detected) {
		return nil, fmt.Errorf("%w: detected %s", ErrSignatureMismatch, detected.String())
	}

	if pattern, found := scanContent(data); found {
		v.logger.Warn("dangerous pattern found in upload", "name", sanitized, "pattern", pattern)

		return nil, fmt.Errorf("%w: %q", ErrUnsafeContent, pattern)
	}

	if err := checkPlanStructure(data); err != nil {
		return nil, err
	}

	return &Result{
		SanitizedName: sanitized,
		Size:          int64(len(data)),
		DetectedMIME:  detected.String(),
	}, nil
}

// SanitizeName derives a safe on-disk name from client input. Path traversal
// sequences and separators are rejected outright rather than silently
// repaired, so the caller can report the declared name as unusable.
func SanitizeName(declared string) (string, error) {
	if declared == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafeName)
	}

	if strings.Contains(declared, "..") ||
		strings.ContainsAny(declared, `/\`) ||
		strings.ContainsRune(declared, 0) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, declared)
	}

	name := declared
	if len(name) > maxNameLength {
		ext := filepath.Ext(name)
		name = name[:maxNameLength-len(ext)] + ext
	}

	if !safeNameRe.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, declared)
	}

	return name, nil
}

func mimeAllowed(detected *mimetype.MIME) bool {
	for _, allowed := range allowedMIMETypes {
		if detected.Is(allowed) {
			return true
		}
	}

	return false
}

func scanContent(data []byte) (string, bool) {
	lowered := bytes.ToLower(data)

	for _, pattern := range dangerousPatterns {
		if bytes.Contains(lowered, pattern) {
			return string(pattern), true
		}
	}

	return "", false
}

// checkPlanStructure verifies the payload is well-formed XML whose root
// element is the engine's test plan element. This is the last line of defense
// against extension spoofing that survives MIME sniffing.
func checkPlanStructure(data []byte) error {
	decoder := xml.NewDecoder(bytes.NewReader(data))

	rootSeen := false

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPlan, err)
		}

		if start, ok := token.(xml.StartElement); ok && !rootSeen {
			if start.Name.Local != planRootElement {
				return fmt.Errorf("%w: root element %q", ErrMalformedPlan, start.Name.Local)
			}

			rootSeen = true
		}
	}

	if !rootSeen {
		return fmt.Errorf("%w: no root element", ErrMalformedPlan)
	}

	return nil
}

// IsValidationError reports whether err is one of the upload rejection kinds.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrBadExtension) ||
		errors.Is(err, ErrFileTooLarge) ||
		errors.Is(err, ErrSignatureMismatch) ||
		errors.Is(err, ErrUnsafeName) ||
		errors.Is(err, ErrUnsafeContent) ||
		errors.Is(err, ErrMalformedPlan)
}
