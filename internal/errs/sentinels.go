// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Authentication failures.
var (
	// ErrFlowInitFailed indicates the identity service did not issue a device-code challenge.
	ErrFlowInitFailed = errors.New("device flow init failed")

	// ErrDenied indicates the operator (or tenant policy) refused the authorization request.
	ErrDenied = errors.New("authorization denied")

	// ErrPollTimeout indicates the device-code challenge expired before a token was issued.
	ErrPollTimeout = errors.New("device flow expired")
)

// Transport and concurrency failures.
var (
	// ErrNetwork indicates the remote service could not be reached or the exchange was cut.
	ErrNetwork = errors.New("network error")

	// ErrBusy indicates a catalog fetch is already in flight.
	ErrBusy = errors.New("fetch already in progress")
)

// Common sentinels across service/transport layers.
var (
	// ErrUnauthorized indicates there is no usable credential (login required).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidArgument indicates malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// HTTPError is a non-success response from the management API.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}
