package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrDocumentNotFound signals a missing document.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrAlreadyExists signals a duplicate resource (unique constraint hit).
	ErrAlreadyExists = errors.New("already exists")

	// ErrClassificationMalformed signals an unparseable classifier response.
	ErrClassificationMalformed = errors.New("classification response malformed")
	// ErrNoPages signals that page rendering produced zero pages.
	ErrNoPages = errors.New("no pages rendered")
	// ErrUnsupportedFileType signals an upload with an unknown MIME type.
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrFileTooLarge signals an upload above the configured size cap.
	ErrFileTooLarge = errors.New("file too large")
	// ErrEmptyFile signals an upload with no payload.
	ErrEmptyFile = errors.New("empty file")

	// ErrBackfillRunning signals that an embedding backfill sweep is already active.
	ErrBackfillRunning = errors.New("backfill already running")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
	// ErrConversationNotFound signals a missing chat conversation.
	ErrConversationNotFound = errors.New("conversation not found")
)

// ClassificationError wraps ErrClassificationMalformed with the raw model
// response so the orchestrator can record it as the processing summary.
type ClassificationError struct {
	Raw   string
	Cause error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("%s: %v", ErrClassificationMalformed.Error(), e.Cause)
}

func (e *ClassificationError) Unwrap() error { return ErrClassificationMalformed }

// NewClassificationError creates a malformed-classification error carrying
// the raw model response.
func NewClassificationError(raw string, cause error) error {
	return &ClassificationError{Raw: raw, Cause: cause}
}
