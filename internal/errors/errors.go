// Package errors provides structured error types for curator.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for curator.
const (
	// Session errors
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionDenied   Code = "SESSION_DENIED"

	// Image errors
	CodeImageNotFound Code = "IMAGE_NOT_FOUND"
	CodeFileNotFound  Code = "FILE_NOT_FOUND"

	// Bundle errors
	CodeBundleInvalid    Code = "BUNDLE_INVALID"
	CodeBundleNotABundle Code = "BUNDLE_NOT_A_BUNDLE"

	// Export errors
	CodeExportNoImages Code = "EXPORT_NO_IMAGES"
	CodeExportTimeout  Code = "EXPORT_TIMEOUT"
	CodeExportFailed   Code = "EXPORT_FAILED"

	// Import errors
	CodeImportFailed Code = "IMPORT_FAILED"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeSessionNotFound:  CategoryNotFound,
	CodeSessionDenied:    CategoryNotFound, // ownership failures must not leak existence
	CodeImageNotFound:    CategoryNotFound,
	CodeFileNotFound:     CategoryNotFound,
	CodeBundleInvalid:    CategoryBadRequest,
	CodeBundleNotABundle: CategoryBadRequest,
	CodeExportNoImages:   CategoryBadRequest,
	CodeExportTimeout:    CategoryTimeout,
	CodeExportFailed:     CategoryInternal,
	CodeImportFailed:     CategoryInternal,
	CodeConfigInvalid:    CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	default:
		return 500
	}
}

// CuratorError is the structured error type for curator.
type CuratorError struct {
	Code  Code     `json:"code"`
	What  string   `json:"what"`
	Why   string   `json:"why,omitempty"`
	Fix   string   `json:"fix,omitempty"`
	Paths []string `json:"paths,omitempty"` // attempted file locations, when relevant
	Cause error    `json:"-"`
}

// Error implements the error interface.
func (e *CuratorError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if len(e.Paths) > 0 {
		b.WriteString(" (tried: ")
		b.WriteString(strings.Join(e.Paths, ", "))
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *CuratorError) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *CuratorError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *CuratorError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *CuratorError) MarshalJSON() ([]byte, error) {
	type alias CuratorError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a CuratorError with the same code.
func (e *CuratorError) Is(target error) bool {
	t, ok := target.(*CuratorError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *CuratorError) WithCause(err error) *CuratorError {
	return &CuratorError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Paths: e.Paths,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrSessionNotFound returns an error when a session doesn't exist or the
// requester does not own it. Both cases look identical to the caller.
func ErrSessionNotFound(id string) *CuratorError {
	return &CuratorError{
		Code: CodeSessionNotFound,
		What: fmt.Sprintf("session %s not found", id),
		Why:  "No session with this ID exists for the requesting user",
	}
}

// ErrSessionDenied returns an error when a session exists but is owned by
// someone else. It is presented exactly like a missing session so foreign
// session IDs cannot be probed.
func ErrSessionDenied(id string) *CuratorError {
	return &CuratorError{
		Code: CodeSessionDenied,
		What: fmt.Sprintf("session %s not found", id),
		Why:  "No session with this ID exists for the requesting user",
	}
}

// ErrImageNotFound returns an error when an image record doesn't exist.
func ErrImageNotFound(id string) *CuratorError {
	return &CuratorError{
		Code: CodeImageNotFound,
		What: fmt.Sprintf("image %s not found", id),
	}
}

// ErrFileNotFound returns an error when an image file cannot be located at
// any candidate path. The full list of attempted paths is carried so
// operators can diagnose stale metadata without log spelunking.
func ErrFileNotFound(filename string, tried []string) *CuratorError {
	return &CuratorError{
		Code:  CodeFileNotFound,
		What:  fmt.Sprintf("file %s not found at any known location", filename),
		Fix:   "Run 'curator repair' to heal stale stored paths",
		Paths: tried,
	}
}

// ErrNotABundle returns an error when an uploaded file is not a bundle.
func ErrNotABundle(why string) *CuratorError {
	return &CuratorError{
		Code: CodeBundleNotABundle,
		What: "not a valid bundle",
		Why:  why,
		Fix:  "Upload a .json metadata document or a .zip archive produced by export",
	}
}

// ErrNoImages returns an error when a full export has nothing to archive.
func ErrNoImages(sessionID string) *CuratorError {
	return &CuratorError{
		Code: CodeExportNoImages,
		What: "no images to export",
		Why:  fmt.Sprintf("session %s has no image files that pass validation", sessionID),
	}
}

// ErrExportTimeout returns an error when an export exceeds its time budget.
func ErrExportTimeout(sessionID string, limit string) *CuratorError {
	return &CuratorError{
		Code: CodeExportTimeout,
		What: fmt.Sprintf("export of session %s timed out", sessionID),
		Why:  fmt.Sprintf("Operation exceeded the configured limit of %s", limit),
		Fix:  "Raise export.timeout in config.yaml or export fewer images at once",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *CuratorError {
	return &CuratorError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check config.yaml and fix the invalid field",
	}
}

// AsCuratorError attempts to convert an error to a CuratorError.
// Returns nil if the error is not a CuratorError.
func AsCuratorError(err error) *CuratorError {
	var cerr *CuratorError
	if As(err, &cerr) {
		return cerr
	}
	return nil
}

// As is a convenience wrapper for errors.As behavior on CuratorError.
func As(err error, target **CuratorError) bool {
	for err != nil {
		if cerr, ok := err.(*CuratorError); ok {
			*target = cerr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// Wrap wraps a generic error into a CuratorError with unknown code.
func Wrap(err error, what string) *CuratorError {
	return &CuratorError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
