package coordination

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced team, agent, task, or
	// artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreContention wraps a transient store-busy error that survived
	// the bounded retry loop. Callers may safely re-submit the operation.
	ErrStoreContention = errors.New("store contention: retries exhausted")
)

// LockConflictError reports an optimistic-concurrency token mismatch on a
// task mutation. Actual is the version current at the instant of the check,
// so the caller can re-read, reconcile, and retry with a fresh token.
type LockConflictError struct {
	TeamID   string
	TaskID   string
	Expected int64
	Actual   int64
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock conflict on task %s: expected version %d, actual %d", e.TaskID, e.Expected, e.Actual)
}

// NotClaimableError reports a claim attempt on a task that is not in todo.
type NotClaimableError struct {
	TeamID string
	TaskID string
	Status TaskStatus
}

func (e *NotClaimableError) Error() string {
	return fmt.Sprintf("task %s is not claimable: status %s", e.TaskID, e.Status)
}

// DependenciesUnresolvedError reports a claim attempt while prerequisites
// are still outstanding.
type DependenciesUnresolvedError struct {
	TeamID     string
	TaskID     string
	Unresolved int
}

func (e *DependenciesUnresolvedError) Error() string {
	return fmt.Sprintf("task %s has %d unresolved dependencies", e.TaskID, e.Unresolved)
}
