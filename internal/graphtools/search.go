package graphtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kgraph-dev/kgraph/internal/graph"
)

// ReadGraphTool handles the read_graph MCP tool.
type ReadGraphTool struct {
	api *graph.API
}

// NewReadGraphTool creates a ReadGraphTool.
func NewReadGraphTool(api *graph.API) *ReadGraphTool {
	return &ReadGraphTool{api: api}
}

// Definition returns the MCP tool definition for read_graph.
func (t *ReadGraphTool) Definition() mcp.Tool {
	return mcp.NewTool("read_graph",
		mcp.WithDescription(
			"Read the entire knowledge graph: every entity with its ordered observations, "+
				"and every relation.",
		),
	)
}

// Handle processes the read_graph tool call.
func (t *ReadGraphTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, gerr := t.api.ReadGraph(ctx)
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(g), nil
}

// SearchNodesTool handles the search_nodes MCP tool (lexical).
type SearchNodesTool struct {
	api *graph.API
}

// NewSearchNodesTool creates a SearchNodesTool.
func NewSearchNodesTool(api *graph.API) *SearchNodesTool {
	return &SearchNodesTool{api: api}
}

// Definition returns the MCP tool definition for search_nodes.
func (t *SearchNodesTool) Definition() mcp.Tool {
	return mcp.NewTool("search_nodes",
		mcp.WithDescription(
			"Full-text search over entity names, types, and observations. Multi-word queries "+
				"match any word; name matches rank above observation-only matches. Each hit's "+
				"observations are reordered so the matching ones come first.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query — natural language or keywords"),
		),
		mcp.WithNumber("k",
			mcp.Description("Max results (default 10)"),
		),
	)
}

// Handle processes the search_nodes tool call.
func (t *SearchNodesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return errResult(graph.Invalid("query", "query is required")), nil
	}
	result, gerr := t.api.SearchNodes(ctx, query, intArg(req, "k", 0))
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(result), nil
}

// SearchSemanticTool handles the search_entities_semantic MCP tool.
type SearchSemanticTool struct {
	api *graph.API
}

// NewSearchSemanticTool creates a SearchSemanticTool.
func NewSearchSemanticTool(api *graph.API) *SearchSemanticTool {
	return &SearchSemanticTool{api: api}
}

// Definition returns the MCP tool definition for search_entities_semantic.
func (t *SearchSemanticTool) Definition() mcp.Tool {
	return mcp.NewTool("search_entities_semantic",
		mcp.WithDescription(
			"Semantic search: embeds the query with the current provider and ranks entities "+
				"by cosine similarity of their stored embeddings under that model.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Query text to embed"),
		),
		mcp.WithNumber("k",
			mcp.Description("Max results (default 10)"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Minimum cosine similarity, −1..1 (default 0)"),
		),
	)
}

// Handle processes the search_entities_semantic tool call.
func (t *SearchSemanticTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return errResult(graph.Invalid("query", "query is required")), nil
	}
	result, gerr := t.api.SearchSemantic(ctx, query, intArg(req, "k", 0), floatArg(req, "threshold", 0))
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(result), nil
}

// SearchHybridTool handles the search_hybrid MCP tool.
type SearchHybridTool struct {
	api    *graph.API
	weight float64
}

// NewSearchHybridTool creates a SearchHybridTool with the configured default
// vector weight.
func NewSearchHybridTool(api *graph.API, defaultWeight float64) *SearchHybridTool {
	if defaultWeight <= 0 || defaultWeight > 1 {
		defaultWeight = 0.7
	}
	return &SearchHybridTool{api: api, weight: defaultWeight}
}

// Definition returns the MCP tool definition for search_hybrid.
func (t *SearchHybridTool) Definition() mcp.Tool {
	return mcp.NewTool("search_hybrid",
		mcp.WithDescription(
			"Hybrid search fusing lexical (BM25) and semantic (cosine) rankings. "+
				"vector_weight sets the semantic share of the fused score; if the semantic side "+
				"is unavailable the result degrades to lexical-only with a warning.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query"),
		),
		mcp.WithNumber("k",
			mcp.Description("Max results (default 10)"),
		),
		mcp.WithNumber("vector_weight",
			mcp.Description("Semantic weight in [0,1] (default 0.7)"),
		),
	)
}

// Handle processes the search_hybrid tool call.
func (t *SearchHybridTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return errResult(graph.Invalid("query", "query is required")), nil
	}
	result, gerr := t.api.SearchHybrid(ctx, query, intArg(req, "k", 0), floatArg(req, "vector_weight", t.weight))
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(result), nil
}
