package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/service"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.createTaskTool(),
		s.getTaskTool(),
		s.listTasksTool(),
		s.startTaskTool(),
		s.stopTaskTool(),
		s.taskLogsTool(),
	)
}

func taskIDParam() mcplib.ToolOption {
	return mcplib.WithString("task_id",
		mcplib.Required(),
		mcplib.Description("The 8-character task ID"),
	)
}

func (s *Server) createTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("create_task",
		mcplib.WithDescription("Create a pending coding task for a GitHub repository"),
		mcplib.WithString("repo", mcplib.Required(), mcplib.Description("Repository as owner/name")),
		mcplib.WithString("prompt", mcplib.Required(), mcplib.Description("Instructions for the coding agent")),
		mcplib.WithString("branch", mcplib.Description("Work branch; defaults to squire/<id>")),
		mcplib.WithString("base_branch", mcplib.Description("Branch to start from; defaults to the repository default")),
		mcplib.WithBoolean("start", mcplib.Description("Start the task right away, subject to capacity")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCreateTask}
}

func (s *Server) getTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_task",
		mcplib.WithDescription("Get a task by ID"),
		taskIDParam(),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetTask}
}

func (s *Server) listTasksTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_tasks",
		mcplib.WithDescription("List tasks, newest first"),
		mcplib.WithString("status",
			mcplib.Description("Only tasks with this status"),
			mcplib.Enum("pending", "running", "completed", "failed"),
		),
		mcplib.WithString("repo", mcplib.Description("Only tasks for this owner/name repository")),
		mcplib.WithNumber("limit", mcplib.Description("Maximum number of tasks to return")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListTasks}
}

func (s *Server) startTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("start_task",
		mcplib.WithDescription("Start a pending or failed task in a container worker"),
		taskIDParam(),
		mcplib.WithBoolean("force", mcplib.Description("Skip the concurrency ceiling")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleStartTask}
}

func (s *Server) stopTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("stop_task",
		mcplib.WithDescription("Stop a running task's worker"),
		taskIDParam(),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleStopTask}
}

func (s *Server) taskLogsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("task_logs",
		mcplib.WithDescription("Get the worker output of a task"),
		taskIDParam(),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleTaskLogs}
}

func (s *Server) handleCreateTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task service not configured"), nil
	}
	t, err := s.deps.Tasks.Create(ctx, task.CreateRequest{
		Repo:       req.GetString("repo", ""),
		Prompt:     req.GetString("prompt", ""),
		Branch:     req.GetString("branch", ""),
		BaseBranch: req.GetString("base_branch", ""),
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to create task", err), nil
	}
	if req.GetBool("start", false) {
		started, err := s.deps.Tasks.Start(ctx, t.ID, service.StartOptions{})
		if err != nil {
			return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("task %s created but not started", t.ID), err), nil
		}
		t = started
	}
	return toolResultJSON(t)
}

func (s *Server) handleGetTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	return s.withTask(req, func(id string) (any, error) {
		return s.deps.Tasks.Get(ctx, id)
	})
}

func (s *Server) handleListTasks(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task service not configured"), nil
	}
	f := task.ListFilter{
		Status: task.Status(req.GetString("status", "")),
		Repo:   req.GetString("repo", ""),
		Limit:  req.GetInt("limit", 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		return mcplib.NewToolResultErrorf("unknown status %q", f.Status), nil
	}
	tasks, err := s.deps.Tasks.List(ctx, f)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list tasks", err), nil
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	return toolResultJSON(tasks)
}

func (s *Server) handleStartTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	return s.withTask(req, func(id string) (any, error) {
		return s.deps.Tasks.Start(ctx, id, service.StartOptions{Force: req.GetBool("force", false)})
	})
}

func (s *Server) handleStopTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	return s.withTask(req, func(id string) (any, error) {
		return s.deps.Tasks.Stop(ctx, id)
	})
}

func (s *Server) handleTaskLogs(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task service not configured"), nil
	}
	id, err := req.RequireString("task_id")
	if err != nil || id == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	out, err := s.deps.Tasks.Logs(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get logs of task %s", id), err), nil
	}
	return mcplib.NewToolResultText(out), nil
}

// withTask runs fn with the required task_id argument and returns its
// result as JSON. Failures become error results, never protocol errors.
func (s *Server) withTask(req mcplib.CallToolRequest, fn func(id string) (any, error)) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go request type
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task service not configured"), nil
	}
	id, err := req.RequireString("task_id")
	if err != nil || id == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	v, err := fn(id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("task %s", id), err), nil
	}
	return toolResultJSON(v)
}

func toolResultJSON(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
