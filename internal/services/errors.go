package services

import "errors"

// ErrIncompleteData is returned when a mandatory field is absent or blank.
// The wrapped message lists the offending fields.
var ErrIncompleteData = errors.New("incomplete user data")

// ErrSelfFollow is returned when a user tries to follow itself.
var ErrSelfFollow = errors.New("cannot follow self")

// ErrInvalidDistance is returned for a negative or non-numeric radius.
var ErrInvalidDistance = errors.New("invalid distance")
