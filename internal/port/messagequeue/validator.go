package messagequeue

import (
	"encoding/json"
	"fmt"
)

type taskPayload interface{ taskID() string }

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects only need valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target taskPayload
	switch subject {
	case SubjectTaskCreated:
		target = &TaskCreatedPayload{}
	case SubjectTaskStatus:
		target = &TaskStatusPayload{}
	case SubjectTaskDeleted:
		target = &TaskDeletedPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if target.taskID() == "" {
		return fmt.Errorf("schema validation failed for %s: task_id is required", subject)
	}
	return nil
}
