package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"journeygate/internal/engine"
	"journeygate/internal/engine/auth"
)

// Server exposes the orchestrator contract as MCP tools. Every call runs as
// one fixed principal, normally the orchestrator agent.
type Server struct {
	engine engine.Engine
	actor  auth.Principal
	mcp    *sdk.Server
}

func NewServer(e engine.Engine, actor auth.Principal, version string) *Server {
	s := &Server{
		engine: e,
		actor:  actor,
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "journeygate",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	return s.mcp.Run(ctx, transport)
}
