package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates a write referenced missing or malformed data.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrConflict indicates a conditional update found the row in another state.
	ErrConflict = errors.New("repository: conflict")
)
