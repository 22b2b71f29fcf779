package store

import "errors"

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports a uniqueness violation, e.g. a second review of
	// the same source annotation.
	ErrConflict = errors.New("store: conflict")
)
