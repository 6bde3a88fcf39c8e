package messagequeue

// TaskCreatedPayload is the schema for tasks.created messages.
type TaskCreatedPayload struct {
	TaskID string `json:"task_id"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// TaskStatusPayload is the schema for tasks.status messages.
type TaskStatusPayload struct {
	TaskID  string `json:"task_id"`
	Repo    string `json:"repo"`
	From    string `json:"from"`
	To      string `json:"to"`
	Handle  string `json:"handle,omitempty"`
	Backend string `json:"backend,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskDeletedPayload is the schema for tasks.deleted messages.
type TaskDeletedPayload struct {
	TaskID string `json:"task_id"`
}

func (p *TaskCreatedPayload) taskID() string { return p.TaskID }
func (p *TaskStatusPayload) taskID() string  { return p.TaskID }
func (p *TaskDeletedPayload) taskID() string { return p.TaskID }
