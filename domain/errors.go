package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidInput             = errors.New("invalid input")
	ErrUnsupportedFormat        = errors.New("unsupported format")
	ErrExtractionFailure        = errors.New("extraction failure")
	ErrEmptyDocument            = errors.New("document contains no usable text")
	ErrEmbeddingFailure         = errors.New("embedding failure")
	ErrInvalidScope             = errors.New("local search requires at least one project or file")
	ErrOwnerMismatch            = errors.New("owner mismatch")
	ErrUnrecognizedPayloadShape = errors.New("unrecognized payload shape")
)

// UnsupportedFormatError names both observed values so the uploader can see
// why the file was rejected.
type UnsupportedFormatError struct {
	Extension string
	MIMEType  string
	Reason    string
}

func (e *UnsupportedFormatError) Error() string {
	msg := fmt.Sprintf("unsupported format: extension %q, mime type %q", e.Extension, e.MIMEType)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnsupportedFormatError) Is(target error) bool {
	return target == ErrUnsupportedFormat
}

// ExtractionError wraps a parser failure for a specific format.
type ExtractionError struct {
	Format string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Format, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtractionFailure
}

// EmbeddingError reports a failed provider call.
type EmbeddingError struct {
	Op  string
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failure (%s): %v", e.Op, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

func (e *EmbeddingError) Is(target error) bool {
	return target == ErrEmbeddingFailure
}

// OwnerMismatchError is raised for any read or write that crosses owners.
type OwnerMismatchError struct {
	Resource string
	ID       string
	OwnerID  string
}

func (e *OwnerMismatchError) Error() string {
	return fmt.Sprintf("owner mismatch: %s %s is not owned by %s", e.Resource, e.ID, e.OwnerID)
}

func (e *OwnerMismatchError) Is(target error) bool {
	return target == ErrOwnerMismatch
}

// UnrecognizedPayloadShapeError carries the top-level keys of a download
// payload that matched no known variant.
type UnrecognizedPayloadShapeError struct {
	Keys []string
}

func (e *UnrecognizedPayloadShapeError) Error() string {
	if len(e.Keys) == 0 {
		return "unrecognized payload shape"
	}
	return fmt.Sprintf("unrecognized payload shape: keys [%s]", strings.Join(e.Keys, ", "))
}

func (e *UnrecognizedPayloadShapeError) Is(target error) bool {
	return target == ErrUnrecognizedPayloadShape
}
