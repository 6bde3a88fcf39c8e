// Package eventstore defines the port interface for the append-only task
// history.
package eventstore

import (
	"context"

	"github.com/Strob0t/squire/internal/domain/event"
)

// Store is the port interface for appending and loading task events.
type Store interface {
	// Append persists a new event. ev.ID is set on success.
	Append(ctx context.Context, ev *event.TaskEvent) error

	// LoadByTask returns the events of one task, oldest first.
	LoadByTask(ctx context.Context, taskID string, f event.Filter) ([]event.TaskEvent, error)

	// DeleteByTask drops a task's history and returns the number of rows removed.
	DeleteByTask(ctx context.Context, taskID string) (int64, error)
}
