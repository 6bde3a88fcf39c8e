// Package messagequeue is the port for the optional task event bus. Other
// squire processes (a separate watch loop, dashboards) subscribe to the
// subjects below instead of polling the task store.
package messagequeue

import "context"

// Handler receives one message. A returned error leaves the message
// unacknowledged so the bus redelivers it.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue publishes task events and delivers them to subscribers.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers messages on subject to handler until the returned
	// cancel function is called.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain lets in-flight handlers finish, then closes the connection.
	Drain() error
	Close() error
	IsConnected() bool
}

// Subjects published by squire.
const (
	SubjectTaskCreated = "tasks.created" // a task was stored; watch loops wake up
	SubjectTaskStatus  = "tasks.status"  // a task changed status
	SubjectTaskDeleted = "tasks.deleted"
)
