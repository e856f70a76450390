package sqlite

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY conflict
func IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// IsBusy reports whether err is lock contention that a retry may clear
func IsBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

// Classify tags lock contention with workflow.ErrStorageBusy so the engine
// retries it. Other errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsBusy(err) {
		return fmt.Errorf("%w: %w", workflow.ErrStorageBusy, err)
	}
	return err
}
