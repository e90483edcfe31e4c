// Package memerr defines the engine's error taxonomy. Every error that
// crosses a package boundary carries a Kind (coarse category, maps to a
// caller status) and a stable machine-readable Code.
package memerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the coarse error category. The set is closed.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindConflict
	KindBadRequest
	KindInternal
	KindCapacity
	KindRateLimit
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBadRequest:
		return "bad_request"
	case KindInternal:
		return "internal"
	case KindCapacity:
		return "capacity"
	case KindRateLimit:
		return "rate_limit"
	}
	return "unknown"
}

// HTTPStatus is the suggested status mapping for callers that speak HTTP.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	case KindCapacity:
		return http.StatusInsufficientStorage
	case KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Stable machine codes. Closed set; add here, never inline elsewhere.
const (
	CodeProjectNotFound      = "project_not_found"
	CodeSessionNotFound      = "session_not_found"
	CodeVersionNotFound      = "version_not_found"
	CodeCompositionNotFound  = "composition_not_found"
	CodeKeepitNotFound       = "keepit_not_found"
	CodeMessageNotFound      = "message_not_found"
	CodeFileNotFound         = "file_not_found"
	CodeAlreadyRegistered    = "already_registered"
	CodeCompressionInProgress = "compression_in_progress"
	CodeVersionInUse         = "version_in_use"
	CodeResourceLocked       = "resource_locked"
	CodeLockTimeout          = "lock_timeout"
	CodeInvalidSettings      = "invalid_settings"
	CodeValidationFailed     = "validation_failed"
	CodeInsufficientMessages = "insufficient_messages"
	CodeCannotDeleteOriginal = "cannot_delete_original"
	CodeParseError           = "parse_error"
	CodeInvalidFormat        = "invalid_format"
	CodeCompressionFailed    = "compression_failed"
	CodeManifestCorruption   = "manifest_corruption"
	CodeFilesystemError      = "filesystem_error"
	CodeDiskSpaceExhausted   = "disk_space_exhausted"
	CodeModelRateLimit       = "model_rate_limit"
)

// Error is the engine error. It wraps an optional cause and carries
// structured details (offending identifiers, counts) for the caller.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a new taxonomy error.
func E(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches taxonomy metadata to an underlying cause.
func Wrap(err error, kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail returns the error with one structured detail attached.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the Kind from an error chain; KindInternal if untyped.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code from an error chain; empty if untyped.
func CodeOf(err error) string {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code string) bool { return CodeOf(err) == code }
