// Package mcp exposes squire's task operations as Model Context Protocol
// tools over streamable HTTP.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/service"
)

// TaskManager is the subset of the task service the tools call.
type TaskManager interface {
	Create(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, f task.ListFilter) ([]task.Task, error)
	Start(ctx context.Context, id string, opts service.StartOptions) (*task.Task, error)
	Stop(ctx context.Context, id string) (*task.Task, error)
	Logs(ctx context.Context, id string) (string, error)
	Stats(ctx context.Context) (task.Stats, error)
}

// ServerConfig configures the MCP endpoint.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
}

// ServerDeps holds what the tools and resources read from. A nil dependency
// makes the tools that need it return an error result.
type ServerDeps struct {
	Tasks TaskManager
}

// Server wraps an MCP server and the HTTP listener serving it.
type Server struct {
	cfg        ServerConfig
	deps       ServerDeps
	mcpServer  *mcpserver.MCPServer
	httpServer *http.Server
}

// NewServer creates a Server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if cfg.Name == "" {
		cfg.Name = "squire"
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Handler returns the streamable HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen %s: %w", s.cfg.Addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("mcp server started", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down, waiting for in-flight calls until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("mcp server stopping")
	return s.httpServer.Shutdown(ctx)
}
