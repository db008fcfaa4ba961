package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrMemoryDisabled rejects writes when the caller's memory capability flag
// is off. No database access is attempted for these requests.
var ErrMemoryDisabled = errors.New("memory is disabled")

// ValidationError marks missing or invalid caller input. Mapped to 400 and
// never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// UnavailableError marks connection-pool exhaustion after bounded retries.
// Mapped to 503; safe for the client to retry with backoff.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string { return fmt.Sprintf("database unavailable: %v", e.Err) }
func (e *UnavailableError) Unwrap() error { return e.Err }

// WriteError marks a statement the database rejected, e.g. a constraint
// violation. Code carries the database error classification when available.
type WriteError struct {
	Code string
	Err  error
}

func (e *WriteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("write rejected (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("write rejected: %v", e.Err)
}
func (e *WriteError) Unwrap() error { return e.Err }

// MigrationError marks a fatal migration step failure.
type MigrationError struct {
	Step  string
	Index int
	Err   error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration step %d (%s) failed: %v", e.Index, e.Step, e.Err)
}
func (e *MigrationError) Unwrap() error { return e.Err }

// asWriteError classifies a database rejection, extracting the Postgres
// error code when lib/pq produced it.
func asWriteError(err error) *WriteError {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &WriteError{Code: string(pqErr.Code), Err: err}
	}
	return &WriteError{Err: err}
}
