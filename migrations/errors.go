package migrations

import (
	"errors"
	"fmt"
)

var (
	ErrMigrationFailed    = errors.New("migration failed")
	ErrDuplicateMigration = errors.New("duplicate migration")
	ErrMigrationNotFound  = errors.New("migration not found")
	ErrCollectionNotFound = errors.New("ledger collection not found")
	ErrInvalidStep        = errors.New("invalid migration step")
	ErrNotApplied         = errors.New("migration not applied")

	// ErrNotFound is returned by a SchemaStore when a collection or field
	// reference does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrPersist is returned by a SchemaStore when the backend rejects a write.
	ErrPersist = errors.New("persist rejected")
)

// StepError reports the step and direction that halted a run.
// It matches ErrMigrationFailed and the underlying cause with errors.Is.
type StepError struct {
	StepID    string
	Direction Direction
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", ErrMigrationFailed, e.Direction, e.StepID, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrMigrationFailed, e.Err}
}
