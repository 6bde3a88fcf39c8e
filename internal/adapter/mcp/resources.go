package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Strob0t/squire/internal/domain/task"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"squire://tasks",
			"Task List",
			mcplib.WithResourceDescription("All tasks, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.jsonResource(func(ctx context.Context) (any, error) {
			return s.deps.Tasks.List(ctx, task.ListFilter{})
		}),
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"squire://stats",
			"Task Counts",
			mcplib.WithResourceDescription("Number of tasks per status"),
			mcplib.WithMIMEType("application/json"),
		),
		s.jsonResource(func(ctx context.Context) (any, error) {
			return s.deps.Tasks.Stats(ctx)
		}),
	)
}

func (s *Server) jsonResource(read func(ctx context.Context) (any, error)) func(context.Context, mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return func(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
		text := `{"error":"task service not configured"}`
		if s.deps.Tasks != nil {
			v, err := read(ctx)
			if err != nil {
				return nil, err
			}
			data, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			text = string(data)
		}
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     text,
			},
		}, nil
	}
}
