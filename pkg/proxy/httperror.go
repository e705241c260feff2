package proxy

import (
	"errors"
	"fmt"
)

// HTTPError is the typed error every adapter and ingress handler returns for
// a classified failure, generalizing the teacher's pkg/provider.HTTPError
// into the taxonomy of SPEC_FULL §7.
type HTTPError struct {
	Status  int
	Message string
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (status %d): %v", e.Message, e.Status, e.Err)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

func (e *HTTPError) Unwrap() error { return e.Err }

func NewHTTPError(status int, message string, err error) *HTTPError {
	return &HTTPError{Status: status, Message: message, Err: err}
}

func ErrCallerAuth(message string) *HTTPError {
	return &HTTPError{Status: 401, Message: message}
}

func ErrBadRequest(message string) *HTTPError {
	return &HTTPError{Status: 400, Message: message}
}

func ErrNoAccountDeepSeek() *HTTPError {
	return &HTTPError{Status: 429, Message: "no account available"}
}

func ErrNoAccountGrok() *HTTPError {
	return &HTTPError{Status: 503, Message: "no account available"}
}

func ErrUpstreamFatal(message string, err error) *HTTPError {
	return &HTTPError{Status: 500, Message: message, Err: err}
}

func ErrPowFailure(message string, err error) *HTTPError {
	return &HTTPError{Status: 500, Message: message, Err: err}
}

// IsAdapterAuthError reports whether err (or a wrapped cause) carries an
// HTTP 401 status.
func IsAdapterAuthError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == 401
}

// IsAdapterBlocked reports whether err carries an HTTP 403 status.
func IsAdapterBlocked(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == 403
}

// IsAdapterRateLimited reports whether err carries an HTTP 429 status.
func IsAdapterRateLimited(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == 429
}

// StatusOf extracts the HTTP status carried by err, defaulting to 500 when
// err is not an *HTTPError.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 500
}
