// Package taskstore defines the task record store port.
package taskstore

import (
	"context"
	"fmt"

	"github.com/Strob0t/squire/internal/domain/task"
)

// Store persists task records. Reads never block on writers; writes to the
// same task are serialized across processes.
type Store interface {
	// Create persists a new pending task built from req.
	Create(ctx context.Context, req task.CreateRequest) (*task.Task, error)

	// Get returns the task or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*task.Task, error)

	// Update applies p under the task's lock and returns the new record.
	Update(ctx context.Context, id string, p task.Patch) (*task.Task, error)

	// Mutate runs fn on a freshly read copy under the task's lock and writes
	// the result. When fn returns an error nothing is written.
	Mutate(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error)

	// Delete removes the task. It reports false when the task was already gone.
	Delete(ctx context.Context, id string) (bool, error)

	// List returns tasks matching f, newest first.
	List(ctx context.Context, f task.ListFilter) ([]task.Task, error)
}

// WriteError reports a failed locked write on one task.
type WriteError struct {
	TaskID string
	Op     string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
