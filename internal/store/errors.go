package store

import "errors"

// Sentinel errors let handlers translate persistence failures into the
// HTTP taxonomy without string matching.
var (
	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a uniqueness or compatibility invariant blocks
	// the mutation.
	ErrConflict = errors.New("conflict")
	// ErrInUse means the entity is referenced and cannot be removed.
	ErrInUse = errors.New("in use")
)
