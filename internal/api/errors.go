package api

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the server reports no matching resource,
// e.g. a session lookup with no active ticket.
var ErrNotFound = errors.New("not found")

// ServerError is a non-success response from the backend.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %d - %s", e.StatusCode, e.Body)
}
