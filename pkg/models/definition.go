package models

import "time"

// DefinitionFile describes an accepted, immutable load-test definition
// artifact. Name is the sanitized on-disk identity; the client-declared name
// survives only as the basis for sanitization.
type DefinitionFile struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	UploadedAt time.Time `json:"uploaded_at"`
}
