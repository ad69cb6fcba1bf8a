package types

import "errors"

// Internal errors are fatal: the orchestrator shuts the process down
// with exit code 2 when one surfaces.
var (
	ErrJournalWriteFailed = errors.New("journal write failed")
	ErrInvariantViolation = errors.New("invariant violation")
)
