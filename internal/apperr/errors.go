// Package apperr holds the error taxonomy shared by every offsync component.
package apperr

import "errors"

var (
	// ErrTransientNetwork: retry later, buffers and status are preserved.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrRemoteConflict: remote state supersedes local data.
	ErrRemoteConflict = errors.New("remote conflict")
	// ErrValidation: malformed input (patch, path, request).
	ErrValidation = errors.New("validation error")
	// ErrConcurrencyBlocked: another operation holds the entity.
	ErrConcurrencyBlocked = errors.New("concurrency blocked")
	// ErrDuplicateHandler: a content type was registered twice.
	ErrDuplicateHandler = errors.New("duplicate handler")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// IsRetryable reports whether err should be retried silently in the background.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrConcurrencyBlocked)
}
