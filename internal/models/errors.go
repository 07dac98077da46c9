package models

import "errors"

var (
	// ErrPermissionUnusable means location access is denied or restricted.
	// Not retryable until the user changes settings outside the app.
	ErrPermissionUnusable = errors.New("location permission unusable")
	ErrSearchFailed       = errors.New("place search failed")
	ErrRouteUnavailable   = errors.New("route unavailable")
	ErrUploadFailed       = errors.New("trip upload failed")
	// ErrInvalidTransition is a defect: it is logged and never applied.
	ErrInvalidTransition = errors.New("invalid trip state transition")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrNotFound          = errors.New("not found")
	// ErrRejected is returned for commands that do not apply to the current session state.
	ErrRejected = errors.New("command rejected")
)

// Recoverable reports whether the user may simply retry after err.
func Recoverable(err error) bool {
	return errors.Is(err, ErrSearchFailed) ||
		errors.Is(err, ErrRouteUnavailable) ||
		errors.Is(err, ErrUploadFailed)
}
