package task

import (
	"fmt"
	"time"

	"github.com/Strob0t/squire/internal/domain"
)

// Patch is a partial update. A nil field is left untouched; a pointer to
// the zero value clears the field.
type Patch struct {
	Prompt      *string `json:"prompt,omitempty"`
	Branch      *string `json:"branch,omitempty"`
	BaseBranch  *string `json:"baseBranch,omitempty"`
	Status      *Status `json:"status,omitempty"`
	ContainerID *string `json:"containerId,omitempty"`
	Backend     *string `json:"backend,omitempty"`
	PRURL       *string `json:"prUrl,omitempty"`
	PRMerged    *bool   `json:"prMerged,omitempty"`
	Error       *string `json:"error,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p *Patch) Empty() bool {
	return p.Prompt == nil && p.Branch == nil && p.BaseBranch == nil &&
		p.Status == nil && p.ContainerID == nil && p.Backend == nil &&
		p.PRURL == nil && p.PRMerged == nil && p.Error == nil
}

// Apply merges the patch into t. A status change goes through Transition,
// then the remaining fields overwrite, so a patch of {status: failed,
// error: "x"} records "x". A non-empty error is only accepted when the task
// ends up failed.
func (p *Patch) Apply(t *Task, now time.Time) error {
	if p.Error != nil && *p.Error != "" {
		result := t.Status
		if p.Status != nil {
			result = *p.Status
		}
		if result != StatusFailed {
			return fmt.Errorf("%w: error can only be set on a failed task, status is %s", domain.ErrValidation, result)
		}
	}
	if p.Status != nil && *p.Status != t.Status {
		errMsg := ""
		if p.Error != nil {
			errMsg = *p.Error
		}
		if err := Transition(t, *p.Status, now, errMsg); err != nil {
			return err
		}
	}
	if p.Prompt != nil {
		if *p.Prompt == "" {
			return fmt.Errorf("%w: prompt cannot be cleared", domain.ErrValidation)
		}
		t.Prompt = *p.Prompt
	}
	if p.Branch != nil {
		t.Branch = *p.Branch
		if t.Branch == "" {
			t.Branch = BranchPrefix + t.ID
		}
	}
	if p.BaseBranch != nil {
		t.BaseBranch = *p.BaseBranch
		if t.BaseBranch == "" {
			t.BaseBranch = DefaultBaseBranch
		}
	}
	if p.ContainerID != nil {
		t.ContainerID = *p.ContainerID
	}
	if p.Backend != nil {
		t.Backend = *p.Backend
	}
	if p.PRURL != nil {
		t.PRURL = *p.PRURL
	}
	if p.PRMerged != nil {
		t.PRMerged = *p.PRMerged
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
	return nil
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
