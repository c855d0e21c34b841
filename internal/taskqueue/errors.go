package taskqueue

import (
	"errors"
	"fmt"

	v1 "github.com/agentcom/hub/pkg/api/v1"
)

var (
	// ErrNotFound is returned when no task has the given id.
	ErrNotFound = errors.New("task not found")
	// ErrEmpty is returned by DequeueNext when nothing is queued.
	ErrEmpty = errors.New("queue is empty")
	// ErrNotAssigned is returned by Reclaim for tasks not currently assigned.
	ErrNotAssigned = errors.New("task is not assigned")
	// ErrStaleGeneration marks a reply carrying an outdated generation. The
	// reply is dropped without mutating the task.
	ErrStaleGeneration = errors.New("stale generation")
	// ErrInvalidState is the target for errors.Is on StateError.
	ErrInvalidState = errors.New("invalid task state")
)

// StateError reports a lifecycle precondition violation, carrying the
// offending status.
type StateError struct {
	Status v1.TaskStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid task state: %s", e.Status)
}

// Is makes errors.Is(err, ErrInvalidState) succeed.
func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}
