package graphtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kgraph-dev/kgraph/internal/graph"
	"github.com/kgraph-dev/kgraph/internal/supervisor"
)

// StatsTool handles the get_stats MCP tool.
type StatsTool struct {
	api *graph.API
}

// NewStatsTool creates a StatsTool.
func NewStatsTool(api *graph.API) *StatsTool {
	return &StatsTool{api: api}
}

// Definition returns the MCP tool definition for get_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("get_stats",
		mcp.WithDescription(
			"Show graph statistics: entity, relation, and observation counts, plus distinct "+
				"entity and relation types.",
		),
	)
}

// Handle processes the get_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, gerr := t.api.GetStats(ctx)
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(stats), nil
}

// ServerInfoTool handles the get_server_info MCP tool. The identity comes
// from the supervisor; in pure stdio mode no identity file is written, so
// every field of the record is zero, port included.
type ServerInfoTool struct {
	info func() supervisor.Identity
}

// NewServerInfoTool creates a ServerInfoTool over the supervisor's identity.
func NewServerInfoTool(info func() supervisor.Identity) *ServerInfoTool {
	return &ServerInfoTool{info: info}
}

// Definition returns the MCP tool definition for get_server_info.
func (t *ServerInfoTool) Definition() mcp.Tool {
	return mcp.NewTool("get_server_info",
		mcp.WithDescription(
			"Show the server's identity: name, version, pid, host, port, and database path.",
		),
	)
}

// Handle processes the get_server_info tool call.
func (t *ServerInfoTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.info()), nil
}
