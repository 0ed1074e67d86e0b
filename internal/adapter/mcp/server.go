// Package mcp exposes opline operations and workflows as Model Context
// Protocol tools, so agent frontends can drive them directly.
package mcp

import (
	"context"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/opline/opline/internal/service"
)

// ServerConfig holds MCP server settings.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
}

// Server wraps the MCP protocol server with the opline services behind it.
type Server struct {
	cfg       ServerConfig
	resolver  *service.ResolverService
	engine    *service.EngineService
	mcpServer *mcpserver.MCPServer
	httpSrv   *mcpserver.StreamableHTTPServer
	tools     map[string]mcpserver.ServerTool
}

// NewServer creates the MCP server and registers all tools.
func NewServer(cfg ServerConfig, resolver *service.ResolverService, engine *service.EngineService) *Server {
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		engine:   engine,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
		),
	}
	s.registerTools()
	return s
}

// MCPServer exposes the underlying protocol server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Tools returns the registered tools by name, mainly for tests.
func (s *Server) Tools() map[string]mcpserver.ServerTool {
	return s.tools
}

// Start serves MCP over streamable HTTP on the configured address.
func (s *Server) Start() error {
	s.httpSrv = mcpserver.NewStreamableHTTPServer(s.mcpServer)
	slog.Info("mcp server listening", "addr", s.cfg.Addr)
	return s.httpSrv.Start(s.cfg.Addr)
}

// Stop shuts the MCP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ServeStdio serves MCP over stdin/stdout for local agent hosts.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
