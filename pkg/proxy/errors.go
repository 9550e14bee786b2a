// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// Error carries the HTTP status classification decided by the dispatch loop
// so the serving layer can surface the right code without re-inspecting the
// failure.
type Error struct {
	// Status is the HTTP status to emit downstream.
	Status int
	// Err retains the original cause for logging.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *Error) Unwrap() error {
	return e.Err
}

func statusError(status int, format string, args ...any) *Error {
	return &Error{Status: status, Err: fmt.Errorf(format, args...)}
}

// StatusFor extracts the status classification from a dispatch error,
// defaulting to 502 for errors that carry none.
func StatusFor(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status
	}
	return http.StatusBadGateway
}
