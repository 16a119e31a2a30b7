package laketxerr

import (
	"errors"
	"fmt"
)

// ErrLockBusy is returned when the table lock is held by another process.
var ErrLockBusy = errors.New("lock: held by another process")

// ErrFenced is returned when a lock operation carries a stale fencing token,
// meaning the lease was reclaimed by a newer holder.
var ErrFenced = errors.New("lock: stale fencing token")

// CommitConflictError indicates that a proposed commit touches files also
// touched by a commit that landed after the proposal's base version.
type CommitConflictError struct {
	Table         string
	BaseVersion   int64
	LatestVersion int64
	Paths         []string
	Attempts      int
}

func (e *CommitConflictError) Error() string {
	return fmt.Sprintf("commit conflict on table %s: base v%d, latest v%d, %d overlapping file(s) after %d attempt(s)",
		e.Table, e.BaseVersion, e.LatestVersion, len(e.Paths), e.Attempts)
}

// LockBusyError indicates that the table lock could not be acquired within
// the configured retry budget.
type LockBusyError struct {
	Table    string
	Holder   string
	Attempts int
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("lock busy on table %s: gave up after %d attempt(s) (held by %s)", e.Table, e.Attempts, e.Holder)
}

func (e *LockBusyError) Unwrap() error { return ErrLockBusy }

// BackpressureError is surfaced to the upstream caller after the writer
// exhausts its commit retries. The batch was not committed and must be
// buffered or redelivered by the caller.
type BackpressureError struct {
	BatchID string
	Err     error
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure: batch %s not committed: %v", e.BatchID, e.Err)
}

func (e *BackpressureError) Unwrap() error { return e.Err }

// SchemaViolationError indicates a batch whose records do not match the
// table schema. Fatal for the offending batch: it is quarantined, never
// committed.
type SchemaViolationError struct {
	BatchID string
	Field   string
	Reason  string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation in batch %s: field %q: %s", e.BatchID, e.Field, e.Reason)
}

// StorageError wraps a blob storage failure. Transient failures are retried
// locally; permanent ones (permission denial, malformed path) propagate.
type StorageError struct {
	Op        string
	Path      string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("storage %s %s: %s: %v", e.Op, e.Path, kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a StorageError marked transient.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Transient
}
