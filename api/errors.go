package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers backend not-found and validation rejections.
	ErrNotFound = errors.New("api: not found")
	// ErrUnreachable indicates the backend could not be reached at all.
	ErrUnreachable = errors.New("api: cannot reach server")
	// ErrInvalidCredentials is returned by SignIn on rejected credentials.
	ErrInvalidCredentials = errors.New("api: invalid email or password")
	// ErrSignedOut is returned by authenticated calls without a token.
	ErrSignedOut = errors.New("api: not signed in")
)

// StatusError is a non-2xx response not covered by a sentinel.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: unexpected status %d: %s", e.StatusCode, e.Message)
}

// BackendMessage returns the message the backend attached to err, if any.
func BackendMessage(err error) string {
	var rejected *rejection
	if errors.As(err, &rejected) {
		return rejected.message
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Message
	}
	return ""
}

// rejection pairs a sentinel with the user-facing backend message.
type rejection struct {
	kind    error
	message string
}

func (r *rejection) Error() string {
	if r.message == "" {
		return r.kind.Error()
	}
	return fmt.Sprintf("%s: %s", r.kind.Error(), r.message)
}

func (r *rejection) Unwrap() error {
	return r.kind
}
