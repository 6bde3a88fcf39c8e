// Package task defines the Task domain entity: one coding-agent job
// dispatched into a container worker.
package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/squire/internal/domain"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a dispatch.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultBaseBranch lets the worker pick the repository's default branch.
const DefaultBaseBranch = "auto"

// BranchPrefix is prepended to the task ID to form the default work branch.
const BranchPrefix = "squire/"

// Error messages written by the self-healing and reconciliation paths.
const (
	ErrMsgNoContainer   = "No container ID"
	ErrMsgDisappeared   = "Worker disappeared"
	ErrMsgStoppedByUser = "Stopped by user"
)

// Task is the persisted record of one job. The JSON layout is the on-disk
// format shared by every process using the same store directory.
type Task struct {
	ID          string     `json:"id"`
	Repo        string     `json:"repo"`
	Prompt      string     `json:"prompt"`
	Branch      string     `json:"branch"`
	BaseBranch  string     `json:"baseBranch"`
	Status      Status     `json:"status"`
	ContainerID string     `json:"containerId,omitempty"`
	PRURL       string     `json:"prUrl,omitempty"`
	PRMerged    bool       `json:"prMerged,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	Backend     string     `json:"backend,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// HasHandle reports whether a worker handle has been recorded.
func (t *Task) HasHandle() bool {
	return t.ContainerID != ""
}

// CreateRequest holds the fields needed to create a new task.
type CreateRequest struct {
	Repo       string `json:"repo"`
	Prompt     string `json:"prompt"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
}

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*/[A-Za-z0-9_.-]+$`)

// Validate checks a CreateRequest.
func (r *CreateRequest) Validate() error {
	if !repoPattern.MatchString(strings.TrimSpace(r.Repo)) {
		return fmt.Errorf("%w: repo must be owner/name, got %q", domain.ErrValidation, r.Repo)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	if strings.ContainsAny(r.Branch, " \t\n~^:?*[\\") {
		return fmt.Errorf("%w: invalid branch name %q", domain.ErrValidation, r.Branch)
	}
	return nil
}

// NewID returns an 8-character lowercase hex identifier.
func NewID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// New builds a pending task from a validated request.
func New(req CreateRequest, now time.Time) *Task {
	id := NewID()
	t := &Task{
		ID:         id,
		Repo:       strings.TrimSpace(req.Repo),
		Prompt:     req.Prompt,
		Branch:     req.Branch,
		BaseBranch: req.BaseBranch,
		Status:     StatusPending,
		CreatedAt:  now.UTC(),
	}
	if t.Branch == "" {
		t.Branch = BranchPrefix + id
	}
	if t.BaseBranch == "" {
		t.BaseBranch = DefaultBaseBranch
	}
	return t
}

// ListFilter narrows List results. Zero value matches everything.
type ListFilter struct {
	Status Status
	Repo   string
	Limit  int
}

// Match reports whether t passes the filter (Limit is applied by callers).
func (f ListFilter) Match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Repo != "" && t.Repo != f.Repo {
		return false
	}
	return true
}

// Stats counts tasks per status.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Count tallies tasks by status.
func Count(tasks []Task) Stats {
	var s Stats
	for i := range tasks {
		switch tasks[i].Status {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	s.Total = len(tasks)
	return s
}
