// Package store provides the deployment ledger.
package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotSealed is returned when recording an attempt whose outcome is unknown.
	ErrNotSealed = errors.New("attempt is not sealed")

	// ErrDuplicateID is returned when recording the same attempt twice.
	ErrDuplicateID = errors.New("attempt with this reference ID already exists")

	// ErrConnectionFailed is returned when database connection fails.
	ErrConnectionFailed = errors.New("database connection failed")

	// ErrMigrationFailed is returned when database migration fails.
	ErrMigrationFailed = errors.New("database migration failed")

	// ErrInvalidData is returned when JSON serialization/deserialization fails.
	ErrInvalidData = errors.New("invalid data format")

	// ErrTxFailed is returned when a transaction operation fails.
	ErrTxFailed = errors.New("transaction failed")
)

// StoreError reports a failed ledger operation. AttemptID is empty for
// operations that are not about a single attempt.
type StoreError struct {
	Op        string // Ledger operation, e.g. "Record"
	AttemptID string
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	if e.AttemptID != "" {
		return fmt.Sprintf("ledger %s %s: %s", e.Op, e.AttemptID, e.Message)
	}
	return fmt.Sprintf("ledger %s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, attemptID, message string, err error) *StoreError {
	return &StoreError{Op: op, AttemptID: attemptID, Message: message, Err: err}
}
