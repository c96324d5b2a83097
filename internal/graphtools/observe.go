package graphtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kgraph-dev/kgraph/internal/graph"
)

// AddObservationsTool handles the add_observations MCP tool.
type AddObservationsTool struct {
	api *graph.API
}

// NewAddObservationsTool creates an AddObservationsTool.
func NewAddObservationsTool(api *graph.API) *AddObservationsTool {
	return &AddObservationsTool{api: api}
}

// Definition returns the MCP tool definition for add_observations.
func (t *AddObservationsTool) Definition() mcp.Tool {
	return mcp.NewTool("add_observations",
		mcp.WithDescription(
			"Append observations to an existing entity, in order. external_refs must include "+
				"the entity name; if any declared name does not exist the call fails with "+
				"MissingEntities and nothing is written.",
		),
		mcp.WithString("entity_name",
			mcp.Required(),
			mcp.Description("Entity to append to"),
		),
		mcp.WithArray("observations",
			mcp.Required(),
			mcp.Description("Observation texts, stored in the given order"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithArray("external_refs",
			mcp.Required(),
			mcp.Description("Entity names this call depends on; must include entity_name"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

// Handle processes the add_observations tool call.
func (t *AddObservationsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityName := req.GetString("entity_name", "")
	observations, err := stringSlice(req, "observations")
	if err != nil {
		return errResult(graph.Invalid("observations", err.Error())), nil
	}
	refs, err := stringSlice(req, "external_refs")
	if err != nil {
		return errResult(graph.Invalid("external_refs", err.Error())), nil
	}
	result, gerr := t.api.AddObservations(ctx, entityName, observations, refs)
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(result), nil
}

// DeleteEntitiesTool handles the delete_entities MCP tool.
type DeleteEntitiesTool struct {
	api *graph.API
}

// NewDeleteEntitiesTool creates a DeleteEntitiesTool.
func NewDeleteEntitiesTool(api *graph.API) *DeleteEntitiesTool {
	return &DeleteEntitiesTool{api: api}
}

// Definition returns the MCP tool definition for delete_entities.
func (t *DeleteEntitiesTool) Definition() mcp.Tool {
	return mcp.NewTool("delete_entities",
		mcp.WithDescription(
			"Delete entities by name, cascading to their observations, relations, and "+
				"embeddings. Idempotent: missing names are counted as not deleted, never an error.",
		),
		mcp.WithArray("names",
			mcp.Required(),
			mcp.Description("Entity names to delete"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

// Handle processes the delete_entities tool call.
func (t *DeleteEntitiesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := stringSlice(req, "names")
	if err != nil {
		return errResult(graph.Invalid("names", err.Error())), nil
	}
	result, gerr := t.api.DeleteEntities(ctx, names)
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(result), nil
}
