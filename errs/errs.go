// Package errs defines the typed failure taxonomy shared by every txkv
// component. Kinds are distinguished with errors.Is/errors.As rather than by
// string matching, the same idiom the teacher's storage package uses for
// os.ErrNotExist / io.EOF.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a failure category from spec §7. It is not meant to be
// compared directly; use the Is* helpers or errors.As with the concrete types
// below.
type Kind string

const (
	KindTxNotFound         Kind = "tx_not_found"
	KindTxCommitted        Kind = "tx_committed"
	KindTxRolledBack       Kind = "tx_rolled_back"
	KindTxUnknownCompleted Kind = "tx_unknown_completed"
	KindItemNotLocked      Kind = "item_not_locked"
	KindDuplicateRequest   Kind = "duplicate_request"
	KindInvalidRequest     Kind = "invalid_request"
	KindItemSizeExceeded   Kind = "item_size_exceeded"
	KindBackingStore       Kind = "backing_store_error"
	KindAssertion          Kind = "assertion_failed"
)

// TxCompleted is the base for TxCommitted/TxRolledBack: "a terminal state was
// observed but the specific terminal is irrelevant to the caller."
var ErrTxCompleted = errors.New("txkv: transaction already completed")

// ErrTxNotFound reports that a transaction record does not exist (deleted or
// never created).
type ErrTxNotFound struct {
	TxID string
}

func (e *ErrTxNotFound) Error() string {
	return fmt.Sprintf("txkv: transaction %s not found", e.TxID)
}

// ErrTxCommitted reports an operation attempted against an already-committed
// transaction.
type ErrTxCommitted struct {
	TxID string
}

func (e *ErrTxCommitted) Error() string {
	return fmt.Sprintf("txkv: transaction %s already committed", e.TxID)
}

func (e *ErrTxCommitted) Unwrap() error { return ErrTxCompleted }

// ErrTxRolledBack reports an operation attempted against an already
// rolled-back transaction.
type ErrTxRolledBack struct {
	TxID string
}

func (e *ErrTxRolledBack) Error() string {
	return fmt.Sprintf("txkv: transaction %s already rolled back", e.TxID)
}

func (e *ErrTxRolledBack) Unwrap() error { return ErrTxCompleted }

// ErrTxUnknownCompleted reports that the transaction record vanished between
// an observation and a subsequent action; the caller cannot distinguish
// commit from rollback. Per spec §7 this is recoverable: a caller with no
// dependent state may treat it as committed.
type ErrTxUnknownCompleted struct {
	TxID string
}

func (e *ErrTxUnknownCompleted) Error() string {
	return fmt.Sprintf("txkv: transaction %s completed with unknown outcome", e.TxID)
}

// ErrItemNotLocked reports that lock acquisition failed because another
// transaction already owns the row. Carries enough to let the caller resolve
// contention (spec §4.3-K).
type ErrItemNotLocked struct {
	Table string
	Key   string
	Owner string
}

func (e *ErrItemNotLocked) Error() string {
	return fmt.Sprintf("txkv: item %s/%s locked by transaction %s", e.Table, e.Key, e.Owner)
}

// ErrDuplicateRequest reports two mutating requests for the same (table, key)
// within one transaction.
type ErrDuplicateRequest struct {
	Table string
	Key   string
}

func (e *ErrDuplicateRequest) Error() string {
	return fmt.Sprintf("txkv: duplicate mutating request for %s/%s", e.Table, e.Key)
}

// ErrInvalidRequest reports a validation failure (spec §4.1).
type ErrInvalidRequest struct {
	Reason string
}

func (e *ErrInvalidRequest) Error() string {
	return fmt.Sprintf("txkv: invalid request: %s", e.Reason)
}

// ErrItemSizeExceeded is a sub-kind of ErrInvalidRequest: the transaction
// record would exceed the backing store's maximum item size.
type ErrItemSizeExceeded struct {
	Size, Max int
}

func (e *ErrItemSizeExceeded) Error() string {
	return fmt.Sprintf("txkv: transaction record size %d exceeds maximum %d", e.Size, e.Max)
}

func (e *ErrItemSizeExceeded) Unwrap() error {
	return &ErrInvalidRequest{Reason: fmt.Sprintf("item size %d exceeds maximum %d", e.Size, e.Max)}
}

// ErrBackingStore wraps a non-conditional failure surfaced by the backing
// store, passed through unchanged per spec §7.
type ErrBackingStore struct {
	Op  string
	Err error
}

func (e *ErrBackingStore) Error() string {
	return fmt.Sprintf("txkv: backing store error during %s: %v", e.Op, e.Err)
}

func (e *ErrBackingStore) Unwrap() error { return e.Err }

// ErrAssertion reports an internal invariant violation. Not recoverable;
// indicates a bug in the protocol implementation, not caller misuse.
type ErrAssertion struct {
	Invariant string
}

func (e *ErrAssertion) Error() string {
	return fmt.Sprintf("txkv: internal invariant violated: %s", e.Invariant)
}

// IsConditionFailed reports whether err is a conditional-check failure from
// the backing store (ErrConditionFailed), the one backing-store failure the
// core must distinguish from all others per spec §6; it is never wrapped in
// ErrBackingStore.
func IsConditionFailed(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}

// ErrConditionFailed is returned by kvstore.Client implementations when a
// conditional put/update/delete's predicate does not hold. It is distinct
// from ErrBackingStore: a condition failure is expected, routine, and
// retried; any other backing-store error is not.
var ErrConditionFailed = errors.New("txkv: conditional check failed")
