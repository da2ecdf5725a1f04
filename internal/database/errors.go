package database

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"bitespeed/internal/sentinel"
)

// Postgres SQLSTATE codes that mean "another transaction got there first".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// ClassifyError maps driver errors that a fresh attempt could resolve onto
// sentinel.ErrConflict, keeping the driver error in the chain. Other errors
// are returned unchanged.
func ClassifyError(err error) error {
	if err == nil || errors.Is(err, sentinel.ErrConflict) {
		return err
	}
	if IsRetryable(err) {
		return fmt.Errorf("%w: %w", sentinel.ErrConflict, err)
	}
	return err
}

// IsRetryable reports whether err is a serialization, lock, or uniqueness
// failure from either supported driver.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return true
		}
		return false
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch {
		case sqErr.Code == sqlite3.ErrBusy, sqErr.Code == sqlite3.ErrLocked:
			return true
		case sqErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return true
		}
	}
	return false
}
