/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Data integrity - a record is malformed (missing amount/date, bad type)
  2. Closure state  - month already closed, closed out of order
  3. Closed period  - mutation of a record inside a closed month
  4. Storage        - any failure from the Ledger Store, safe to retry

USAGE:
  Every structured error unwraps to its sentinel, so callers can branch with
  errors.Is and still read the details with errors.As:

    var closed *ledger.AlreadyClosedError
    if errors.As(err, &closed) {
        fmt.Println("closed on", closed.ClosedAt)
    }
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTenantRequired is returned when a call carries no tenant id. There is
	// no default tenant.
	ErrTenantRequired = errors.New("tenant id is required")

	ErrDataIntegrity = errors.New("data integrity violation")

	ErrAlreadyClosed = errors.New("month already closed")

	ErrOutOfOrderClosure = errors.New("month closed out of order")

	// ErrClosedPeriod is returned when a mutation targets a closed month.
	ErrClosedPeriod = errors.New("period is closed")

	ErrStorage = errors.New("storage failure")

	ErrNotFound = errors.New("not found")

	// ErrClosureExists is returned by Store.CreateClosure when the
	// (tenant, month) uniqueness constraint rejects the insert.
	ErrClosureExists = errors.New("closure already exists for tenant and month")

	// ErrRecordExists is returned by the Records create methods when the
	// caller supplied an id that is already taken. Creates never overwrite.
	ErrRecordExists = errors.New("record id already exists")

	// ErrClosureInProgress is returned when another process holds the
	// closure lock for the tenant.
	ErrClosureInProgress = errors.New("another closure is in progress")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DataIntegrityError identifies the malformed record.
type DataIntegrityError struct {
	Record string // "transaction", "expense", "party", "closure"
	ID     string
	Field  string
	Reason string
}

func (e *DataIntegrityError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("data integrity: %s %s: %s %s", e.Record, e.ID, e.Field, e.Reason)
	}
	return fmt.Sprintf("data integrity: %s: %s %s", e.Record, e.Field, e.Reason)
}

func (e *DataIntegrityError) Unwrap() error { return ErrDataIntegrity }

func integrityError(e Entry, field, reason string) *DataIntegrityError {
	return &DataIntegrityError{Record: e.EntryKind(), ID: e.EntryID(), Field: field, Reason: reason}
}

// AlreadyClosedError carries the original close time so the caller can show
// "already closed on <date>".
type AlreadyClosedError struct {
	TenantID TenantID
	Month    Month
	ClosedAt time.Time
}

func (e *AlreadyClosedError) Error() string {
	return fmt.Sprintf("month %s already closed on %s", e.Month, e.ClosedAt.Format(time.RFC3339))
}

func (e *AlreadyClosedError) Unwrap() error { return ErrAlreadyClosed }

// OutOfOrderReason says which sequencing rule a close request broke.
type OutOfOrderReason string

const (
	LaterMonthClosed OutOfOrderReason = "later_month_closed"
	EarlierMonthOpen OutOfOrderReason = "earlier_month_open"
	FutureMonth      OutOfOrderReason = "future_month"
)

// OutOfOrderClosureError is returned when closing Month would break the
// sequential closing policy. Conflict is the month that blocks it: the later
// closed month, the earliest open month, or the current calendar month.
type OutOfOrderClosureError struct {
	TenantID TenantID
	Month    Month
	Reason   OutOfOrderReason
	Conflict Month
}

func (e *OutOfOrderClosureError) Error() string {
	switch e.Reason {
	case LaterMonthClosed:
		return fmt.Sprintf("cannot close %s: later month %s is already closed", e.Month, e.Conflict)
	case EarlierMonthOpen:
		return fmt.Sprintf("cannot close %s: %s must be closed first", e.Month, e.Conflict)
	case FutureMonth:
		return fmt.Sprintf("cannot close %s: it is after the current month %s", e.Month, e.Conflict)
	default:
		return fmt.Sprintf("cannot close %s: out of order", e.Month)
	}
}

func (e *OutOfOrderClosureError) Unwrap() error { return ErrOutOfOrderClosure }

// ClosedPeriodError is returned when a create, update or delete targets a
// record dated inside a closed month.
type ClosedPeriodError struct {
	TenantID TenantID
	Month    Month
	Record   string
	ID       string
}

func (e *ClosedPeriodError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s belongs to closed month %s", e.Record, e.ID, e.Month)
	}
	return fmt.Sprintf("%s dated in closed month %s", e.Record, e.Month)
}

func (e *ClosedPeriodError) Unwrap() error { return ErrClosedPeriod }

// StorageError wraps any failure from the Ledger Store. The operation is
// considered not to have happened.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// storageErr wraps err unless it already is one of the engine's own kinds.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isEngineError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func isEngineError(err error) bool {
	return errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrDataIntegrity) ||
		errors.Is(err, ErrAlreadyClosed) ||
		errors.Is(err, ErrOutOfOrderClosure) ||
		errors.Is(err, ErrClosedPeriod) ||
		errors.Is(err, ErrClosureExists) ||
		errors.Is(err, ErrRecordExists) ||
		errors.Is(err, ErrClosureInProgress) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTenantRequired)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrClosureInProgress)
}

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDataIntegrity) ||
		errors.Is(err, ErrTenantRequired)
}

// IsConflict returns true if the request clashes with the closure state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyClosed) ||
		errors.Is(err, ErrOutOfOrderClosure) ||
		errors.Is(err, ErrClosedPeriod) ||
		errors.Is(err, ErrClosureExists) ||
		errors.Is(err, ErrRecordExists)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func requireTenant(tenantID TenantID) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	return nil
}
