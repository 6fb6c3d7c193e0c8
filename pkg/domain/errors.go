package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by errors.Is for any missing record.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is matched when a second OPEN migration would exist.
	ErrStateConflict = errors.New("another migration is already open")
)

// NotFoundError identifies the missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Unwrap exposes ErrNotFound.
func (e NotFoundError) Unwrap() error { return ErrNotFound }

// StateConflictError names the migration that is already OPEN, when known.
type StateConflictError struct {
	OpenMigrationID string
}

func (e StateConflictError) Error() string {
	if e.OpenMigrationID == "" {
		return ErrStateConflict.Error()
	}
	return fmt.Sprintf("migration %s is already open", e.OpenMigrationID)
}

// Unwrap exposes ErrStateConflict.
func (e StateConflictError) Unwrap() error { return ErrStateConflict }
