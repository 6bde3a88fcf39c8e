package task

import (
	"fmt"
	"time"

	"github.com/Strob0t/squire/internal/domain"
)

// transitions lists the allowed status changes. A failed task may be
// restarted; completed is final.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusFailed:  {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns domain.ErrInvalidTransition when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrValidation, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

// Transition moves t to status `to`, applying the bookkeeping each state
// requires. errMsg is recorded only when entering failed.
func Transition(t *Task, to Status, now time.Time, errMsg string) error {
	if err := ValidateTransition(t.Status, to); err != nil {
		return err
	}
	now = now.UTC()
	switch to {
	case StatusRunning:
		t.StartedAt = &now
		t.CompletedAt = nil
		t.Error = ""
		t.ContainerID = ""
		t.Backend = ""
		t.Attempts++
	case StatusCompleted:
		t.CompletedAt = &now
		t.Error = ""
	case StatusFailed:
		t.CompletedAt = &now
		t.Error = errMsg
	}
	t.Status = to
	return nil
}

// MarkRunning is Transition(t, StatusRunning, ...).
func MarkRunning(t *Task, now time.Time) error {
	return Transition(t, StatusRunning, now, "")
}

// MarkCompleted is Transition(t, StatusCompleted, ...).
func MarkCompleted(t *Task, now time.Time) error {
	return Transition(t, StatusCompleted, now, "")
}

// MarkFailed is Transition(t, StatusFailed, ...).
func MarkFailed(t *Task, now time.Time, errMsg string) error {
	return Transition(t, StatusFailed, now, errMsg)
}
