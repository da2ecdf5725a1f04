package sentinel

import "errors"

// Sentinel dependency errors. Stores and locks return these (optionally wrapped)
// so the service can translate them into domain errors exactly once.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
