package lsmkv

import (
	"errors"
	"fmt"

	"github.com/dd0wney/lsmkv/internal/journal"
)

// Sentinel errors for expected outcomes and operational failures.
// Not-found and CAS mismatch are normal results, not errors callers
// need to unwrap exhaustively.
var (
	ErrKeyNotFound  = errors.New("lsmkv: key not found")
	ErrClosed       = errors.New("lsmkv: tree is closed")
	ErrInvalidConfig = errors.New("lsmkv: invalid configuration")

	// Re-exported so callers can errors.Is against the underlying journal
	// recovery failure kinds without importing the internal package.
	ErrTooManyItems       = journal.ErrTooManyItems
	ErrCrcMismatch        = journal.ErrCrcMismatch
	ErrInsufficientLength = journal.ErrInsufficientLength
	ErrMissingTerminator  = journal.ErrMissingTerminator
)

// RecoveryError reports a failure encountered while replaying a
// journal shard or opening a segment at startup.
type RecoveryError struct {
	Op        string // e.g. "recover journal shard", "open segment"
	ShardPath string
	Offset    int64
	Cause     error
}

func (e *RecoveryError) Error() string {
	if e.Offset != 0 {
		return fmt.Sprintf("lsmkv: %s %s at offset %d: %v", e.Op, e.ShardPath, e.Offset, e.Cause)
	}
	return fmt.Sprintf("lsmkv: %s %s: %v", e.Op, e.ShardPath, e.Cause)
}

func (e *RecoveryError) Unwrap() error {
	return e.Cause
}

// CASMismatchError is the distinct, non-error-like result of a failed
// CompareAndSwap: the current value didn't match Expected. A mismatch
// is a normal outcome, surfaced as its own type so callers can branch
// on it.
type CASMismatchError struct {
	// Prev is the current value: nil if the key is absent, a non-nil
	// (possibly empty) slice if it is present.
	Prev []byte
	Next []byte // the value the caller wanted to write
}

func (e *CASMismatchError) Error() string {
	if e.Prev == nil {
		return "lsmkv: compare-and-swap mismatch: key absent"
	}
	return fmt.Sprintf("lsmkv: compare-and-swap mismatch: current value is %d bytes", len(e.Prev))
}
