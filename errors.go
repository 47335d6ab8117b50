package difftree

import (
	"errors"
	"fmt"
)

var (
	// ErrNilSource means a Synchronizer was created without a backing source.
	ErrNilSource = errors.New("difftree: source is nil")
	// ErrClosed means the Synchronizer has been closed.
	ErrClosed = errors.New("difftree: synchronizer closed")
	// ErrReadOnlyOwner means a write was attempted by an owner registered as read-only.
	ErrReadOnlyOwner = errors.New("difftree: owner is registered read-only")
)

// LockOwnershipError means an owner released or inspected a Lock it does not hold.
// It signals programmer misuse and should not be retried.
type LockOwnershipError struct {
	Op     string
	Caller Owner
	Holder Owner
}

func (e LockOwnershipError) Error() string {
	return fmt.Sprintf("lock ownership violation: %s by %s, held by %s", e.Op, e.Caller, e.Holder)
}

// SourceUnavailableError means the backing change set could not be connected
// during the initial build. The build may be retried.
type SourceUnavailableError struct {
	Err error
}

func (e SourceUnavailableError) Error() string {
	return fmt.Sprintf("backing source unavailable: %v", e.Err)
}

func (e SourceUnavailableError) Unwrap() error {
	return e.Err
}

// OrphanedAdditionWarning records an addition dropped because its parent
// was not in the tree. It is logged, never returned as a failure.
type OrphanedAdditionWarning struct {
	Key    Key
	Parent Key
}

func (w OrphanedAdditionWarning) Error() string {
	return fmt.Sprintf("orphaned addition dropped: %s (parent %s not in tree)", w.Key, w.Parent)
}
