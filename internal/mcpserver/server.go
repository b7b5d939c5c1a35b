package mcpserver

import (
	"context"
	"time"

	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DaemonInfo provides read-only access to daemon state for MCP tools.
type DaemonInfo interface {
	NodeID() string
	Uptime() time.Duration
	PeerCount() int
	GossipPeerID() string
	HeaderSyncStatus() map[string]interface{}
	WalletStatus() map[string]interface{}
	AnchorStatus() map[string]interface{}
}

// MCPServer wraps the MCP protocol server with drawd tools.
type MCPServer struct {
	server  *mcp.Server
	daemon  DaemonInfo
	lottery *draw.Service
}

// New creates an MCP server with all drawd tools registered.
func New(version string, daemon DaemonInfo, svc *draw.Service) *MCPServer {
	s := &MCPServer{
		daemon:  daemon,
		lottery: svc,
		server: mcp.NewServer(
			&mcp.Implementation{
				Name:    "drawd",
				Version: version,
			},
			&mcp.ServerOptions{
				Instructions: "drawd provably-fair lottery node. Tools query the current draw and history, commit the open pool to future blocks, and re-verify any draw from its seed, tickets and block hashes.",
			},
		),
	}
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio, blocking until the client disconnects.
func (s *MCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
