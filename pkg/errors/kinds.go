package errors

import (
	cockroacherrors "github.com/cockroachdb/errors"
)

// Kind is the boundary error taxonomy from the external interface contract:
// every error that crosses the engine/host boundary carries one of these.
type Kind int

const (
	KindIO Kind = iota
	KindCorruption
	KindSerialization
	KindLockTimeout
	KindDeadlock
	KindConstraintViolation
	KindTypeMismatch
	KindNotFound
	KindAlreadyExists
	KindTransactionAborted
	KindConfiguration
	KindInvalidQuery
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindCorruption:
		return "Corruption"
	case KindSerialization:
		return "Serialization"
	case KindLockTimeout:
		return "LockTimeout"
	case KindDeadlock:
		return "Deadlock"
	case KindConstraintViolation:
		return "ConstraintViolation"
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindTransactionAborted:
		return "TransactionAborted"
	case KindConfiguration:
		return "Configuration"
	case KindInvalidQuery:
		return "InvalidQuery"
	default:
		return "Unknown"
	}
}

// KindError tags a causal chain with one of the boundary kinds, so a host
// can branch on `errors.As(err, &kindErr)` without parsing message text.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// Wrap tags err with kind and attaches msg as additional context, using
// cockroachdb/errors so the resulting chain keeps a recoverable stack trace
// across package boundaries (fmt.Errorf("%w", ...) alone drops it).
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: cockroacherrors.Wrap(err, msg)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: cockroacherrors.Wrapf(err, format, args...)}
}

// New creates a fresh error tagged with kind.
func New(kind Kind, msg string) error {
	return &KindError{Kind: kind, Err: cockroacherrors.New(msg)}
}

// Newf creates a fresh formatted error tagged with kind.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: cockroacherrors.Newf(format, args...)}
}

// As finds the first *KindError in err's chain.
func As(err error) (*KindError, bool) {
	var ke *KindError
	if cockroacherrors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}

// LockTimeoutError is raised when a lock acquire deadline expires (spec §4.3).
type LockTimeoutError struct {
	Key string
}

func (e *LockTimeoutError) Error() string {
	return "lock acquire timed out on key " + e.Key
}

// DeadlockError is raised against the victim transaction chosen by cycle
// detection in the wait-for graph (spec §4.3/§7).
type DeadlockError struct {
	VictimTxID uint64
}

func (e *DeadlockError) Error() string {
	return cockroacherrors.Newf("transaction %d aborted: deadlock detected", e.VictimTxID).Error()
}

// TransactionAbortedError wraps the cause (IO, deadlock, ...) that forced a
// transaction to abort (spec §7).
type TransactionAbortedError struct {
	Cause error
}

func (e *TransactionAbortedError) Error() string {
	return "transaction aborted: " + e.Cause.Error()
}

func (e *TransactionAbortedError) Unwrap() error { return e.Cause }

// ConstraintViolationError names the violated constraint kind ("UNIQUE",
// "NOT NULL", ...) and the column, matching spec §8 scenario 2's shape.
type ConstraintViolationError struct {
	Constraint string
	Column     string
}

func (e *ConstraintViolationError) Error() string {
	return cockroacherrors.Newf("constraint violation: %s on column %q", e.Constraint, e.Column).Error()
}

// TypeMismatchError reports an operand/column type disagreement surfaced by
// the executor or the index manager.
type TypeMismatchError struct {
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return cockroacherrors.Newf("type mismatch: expected %s, got %s", e.Expected, e.Got).Error()
}

// CorruptionError reports a checksum/length failure reading WAL or page
// data (spec §7). Fatal to the affected transaction, not to the process.
type CorruptionError struct {
	Detail string
}

func (e *CorruptionError) Error() string { return "corruption detected: " + e.Detail }

// InvalidQueryError reports a malformed logical plan reaching the planner.
type InvalidQueryError struct {
	Detail string
}

func (e *InvalidQueryError) Error() string { return "invalid query: " + e.Detail }
