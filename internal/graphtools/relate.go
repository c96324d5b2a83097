package graphtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kgraph-dev/kgraph/internal/graph"
)

var relationItems = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"from":          map[string]any{"type": "string", "description": "Source entity name"},
		"to":            map[string]any{"type": "string", "description": "Target entity name"},
		"relation_type": map[string]any{"type": "string", "description": "Edge type, e.g. depends_on, inspired"},
	},
	"required": []string{"from", "to", "relation_type"},
}

// CreateRelationsTool handles the create_relations MCP tool.
type CreateRelationsTool struct {
	api *graph.API
}

// NewCreateRelationsTool creates a CreateRelationsTool.
func NewCreateRelationsTool(api *graph.API) *CreateRelationsTool {
	return &CreateRelationsTool{api: api}
}

// Definition returns the MCP tool definition for create_relations.
func (t *CreateRelationsTool) Definition() mcp.Tool {
	return mcp.NewTool("create_relations",
		mcp.WithDescription(
			"Create directed, typed relations between existing entities. external_refs is "+
				"required: declare every entity name the batch depends on. If any declared name "+
				"does not exist, the whole call fails with MissingEntities and nothing is written. "+
				"An identical relation is a no-op, not an error. This tool never creates entities; "+
				"use create_subgraph to create entities and relations together.",
		),
		mcp.WithArray("relations",
			mcp.Required(),
			mcp.Description("Relations to create"),
			mcp.Items(relationItems),
		),
		mcp.WithArray("external_refs",
			mcp.Required(),
			mcp.Description("Every entity name this batch depends on; all must already exist"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

// Handle processes the create_relations tool call.
func (t *CreateRelationsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var relations []graph.RelationSpec
	if err := bindArg(req, "relations", &relations); err != nil {
		return errResult(graph.Invalid("relations", err.Error())), nil
	}
	refs, err := stringSlice(req, "external_refs")
	if err != nil {
		return errResult(graph.Invalid("external_refs", err.Error())), nil
	}
	result, gerr := t.api.CreateRelations(ctx, relations, refs)
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(result), nil
}

// DeleteRelationsTool handles the delete_relations MCP tool.
type DeleteRelationsTool struct {
	api *graph.API
}

// NewDeleteRelationsTool creates a DeleteRelationsTool.
func NewDeleteRelationsTool(api *graph.API) *DeleteRelationsTool {
	return &DeleteRelationsTool{api: api}
}

// Definition returns the MCP tool definition for delete_relations.
func (t *DeleteRelationsTool) Definition() mcp.Tool {
	return mcp.NewTool("delete_relations",
		mcp.WithDescription(
			"Delete relations by their (from, to, relation_type) identity. Idempotent: "+
				"relations that do not exist are counted as not deleted, never an error.",
		),
		mcp.WithArray("relations",
			mcp.Required(),
			mcp.Description("Relations to delete"),
			mcp.Items(relationItems),
		),
	)
}

// Handle processes the delete_relations tool call.
func (t *DeleteRelationsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var relations []graph.RelationSpec
	if err := bindArg(req, "relations", &relations); err != nil {
		return errResult(graph.Invalid("relations", err.Error())), nil
	}
	result, gerr := t.api.DeleteRelations(ctx, relations)
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(result), nil
}
