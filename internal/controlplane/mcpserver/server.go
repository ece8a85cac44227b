// Package mcpserver exposes the control plane as MCP tools so agent
// clients can browse runbooks, start and inspect runs, decide
// approvals, and invoke adapters directly.
package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/adapters"
	"github.com/marcus-qen/praetor/internal/controlplane/approval"
	"github.com/marcus-qen/praetor/internal/controlplane/runbook"
	"github.com/marcus-qen/praetor/internal/controlplane/runs"
	"github.com/marcus-qen/praetor/internal/engine"
)

// Version is injected from the control-plane build metadata.
var Version = "dev"

// MCPServer exposes control-plane capabilities as MCP tools.
type MCPServer struct {
	server    *mcp.Server
	handler   http.Handler
	runbooks  *runbook.Store
	runStore  *runs.Store
	approvals *approval.Service
	registry  *adapters.Registry
	engine    *engine.Engine
	tenantID  string
	logger    *zap.Logger
}

// New creates and wires the MCP server surface. The MCP transport has no
// per-request tenant context, so the surface is pinned to one tenant.
func New(
	runbooks *runbook.Store,
	runStore *runs.Store,
	approvals *approval.Service,
	registry *adapters.Registry,
	eng *engine.Engine,
	tenantID string,
	logger *zap.Logger,
) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "praetor",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:    srv,
		runbooks:  runbooks,
		runStore:  runStore,
		approvals: approvals,
		registry:  registry,
		engine:    eng,
		tenantID:  tenantID,
		logger:    logger.Named("mcp"),
	}

	m.registerTools()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
