package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")
	// ErrExists is returned when creating an entity that already exists.
	ErrExists = errors.New("entity already exists")
)
