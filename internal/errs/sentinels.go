// Package errs contains sentinel errors and the coded error taxonomy shared across layers.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a lost compare-and-swap on a versioned row.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates a missing or invalid session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller is temporarily blocked by the attempt limiter.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g. a second collecting task).
	ErrAlreadyExists = errors.New("already exists")
)
