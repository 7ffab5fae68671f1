// Package lookup holds the error taxonomy shared by the directory source
// clients and the HTTP layer that classifies them.
package lookup

import "errors"

var (
	// ErrInvalidRequest marks missing or malformed caller input. It is the only
	// error class whose message is safe to return to API callers.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUpstream marks a failed call to an external source.
	ErrUpstream = errors.New("upstream failure")
	// ErrGeocodeNotFound is returned when a location name resolves to nothing.
	ErrGeocodeNotFound = errors.New("geocode returned no results")
	// ErrFrameNotFound is returned when the directory widget frames never appear.
	ErrFrameNotFound = errors.New("directory frames not found")
)

// InvalidRequest wraps ErrInvalidRequest with a caller-facing message.
func InvalidRequest(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func (e *requestError) Unwrap() error { return ErrInvalidRequest }

// Message returns the caller-facing text of an invalid request error, or the
// empty string when err is of any other class.
func Message(err error) string {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.msg
	}
	return ""
}
