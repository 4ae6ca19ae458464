package store

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateUsername is returned when a username is already taken.
var ErrDuplicateUsername = errors.New("duplicate username")

// ErrInconsistentEdge is returned when only one side of a follow edge was
// written. The edge is left half-applied until repaired or retried.
var ErrInconsistentEdge = errors.New("follow edge partially applied")
