// Package common holds the error taxonomy shared by the catalog, cdc and
// engine packages. Callers classify failures with errors.As.
package common

import "fmt"

// PrerequisiteError means the table is not eligible for a rewrite: wrong kind
// of object, system or engine-internal table, or no usable row identity.
// No work has been performed when this is returned.
type PrerequisiteError struct {
	Table  string
	Reason string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("table %q does not meet squeeze prerequisites: %s", e.Table, e.Reason)
}

// ConcurrencyError means a catalog fingerprint mismatch was detected at a
// checkpoint: some concurrent DDL touched the table while it was unlocked.
// The whole operation aborts and is never retried automatically.
type ConcurrencyError struct {
	Table  string
	Detail string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent schema change on %q: %s", e.Table, e.Detail)
}

// ResourceInUseError means a conflicting squeeze is already running against
// the same database (the capture slot is taken).
type ResourceInUseError struct {
	Resource string
	Holder   string
}

func (e *ResourceInUseError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("%s is already in use by %s", e.Resource, e.Holder)
	}
	return fmt.Sprintf("%s is already in use", e.Resource)
}

// ConvergenceError means the finalization loop exhausted its retry budget
// without draining the change backlog within the exclusive-lock time budget.
// The source table is unchanged.
type ConvergenceError struct {
	Table    string
	Attempts int
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("max_exclusive_lock_time prevented squeeze of %q from completion after %d attempts",
		e.Table, e.Attempts)
}

// InvariantError reports an impossible state: an identity lookup miss during
// replay, a cursor regression, a persistence mismatch at swap time. It signals
// a defect, not a runtime condition.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("internal invariant violated: %s", e.Detail)
}

// Invariantf builds an InvariantError with a formatted detail message.
func Invariantf(format string, args ...any) *InvariantError {
	return &InvariantError{Detail: fmt.Sprintf(format, args...)}
}
