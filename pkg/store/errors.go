package store

import "errors"

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrSessionEnded is returned when writing to a session that has been
	// terminated.
	ErrSessionEnded = errors.New("session has ended")
)
