package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job, clip or account does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientCredits matches any *InsufficientCreditsError via errors.Is.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrDuplicateScriptIndex is returned when two script clips share an index.
	ErrDuplicateScriptIndex = errors.New("duplicate script index")
	// ErrClipConflict is returned when a clip changed state under a concurrent writer.
	ErrClipConflict = errors.New("clip changed concurrently")
)

// InsufficientCreditsError reports a debit that the balance cannot cover.
type InsufficientCreditsError struct {
	Required int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: %d required", e.Required)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// LedgerError wraps infrastructure failures of the credit ledger or job insert.
// It is distinct from InsufficientCreditsError: the user did nothing wrong.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}
