package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/squire/internal/domain/event"
	"github.com/Strob0t/squire/internal/logger"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into the task_events table.
func (s *EventStore) Append(ctx context.Context, ev *event.TaskEvent) error {
	if ev.RequestID == "" {
		ev.RequestID = logger.RequestID(ctx)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO task_events (task_id, repo, event_type, from_status, to_status, handle, backend, error, request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		ev.TaskID, ev.Repo, string(ev.Type), string(ev.From), string(ev.To),
		ev.Handle, ev.Backend, ev.Error, ev.RequestID, ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("append event for task %s: %w", ev.TaskID, err)
	}
	return nil
}

// eventColumns is the SELECT column list for task_events queries.
const eventColumns = `id, task_id, repo, event_type, from_status, to_status, handle, backend, error, request_id, created_at`

func scanEvent(row pgx.CollectableRow) (event.TaskEvent, error) {
	var ev event.TaskEvent
	err := row.Scan(
		&ev.ID, &ev.TaskID, &ev.Repo, &ev.Type, &ev.From, &ev.To,
		&ev.Handle, &ev.Backend, &ev.Error, &ev.RequestID, &ev.CreatedAt,
	)
	return ev, err
}

// LoadByTask returns the events of one task ordered by id ascending.
func (s *EventStore) LoadByTask(ctx context.Context, taskID string, f event.Filter) ([]event.TaskEvent, error) {
	where := []string{"task_id = $1"}
	args := []any{taskID}

	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		where = append(where, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	if f.After != nil {
		args = append(args, *f.After)
		where = append(where, fmt.Sprintf("created_at > $%d", len(args)))
	}

	query := fmt.Sprintf(`SELECT %s FROM task_events WHERE %s ORDER BY id ASC`,
		eventColumns, strings.Join(where, " AND "))
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load events for task %s: %w", taskID, err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("scan events for task %s: %w", taskID, err)
	}
	return events, nil
}

// DeleteByTask removes a task's history.
func (s *EventStore) DeleteByTask(ctx context.Context, taskID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_events WHERE task_id = $1`, taskID)
	if err != nil {
		return 0, fmt.Errorf("delete events for task %s: %w", taskID, err)
	}
	return tag.RowsAffected(), nil
}
