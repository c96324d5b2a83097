package graphtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kgraph-dev/kgraph/internal/graph"
)

// CreateEntitiesTool handles the create_entities MCP tool.
type CreateEntitiesTool struct {
	api *graph.API
}

// NewCreateEntitiesTool creates a CreateEntitiesTool.
func NewCreateEntitiesTool(api *graph.API) *CreateEntitiesTool {
	return &CreateEntitiesTool{api: api}
}

// Definition returns the MCP tool definition for create_entities.
func (t *CreateEntitiesTool) Definition() mcp.Tool {
	return mcp.NewTool("create_entities",
		mcp.WithDescription(
			"Create entities in the knowledge graph, each with a type and optional initial "+
				"observations. A name that already exists is skipped and reported, not updated; "+
				"the rest of the batch still succeeds.",
		),
		mcp.WithArray("entities",
			mcp.Required(),
			mcp.Description("Entities to create"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string", "description": "Unique entity name (the external key)"},
					"entity_type": map[string]any{"type": "string", "description": "Free-form type tag, e.g. person, service, concept"},
					"observations": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Initial observations, stored in order",
					},
				},
				"required": []string{"name", "entity_type"},
			}),
		),
	)
}

// Handle processes the create_entities tool call.
func (t *CreateEntitiesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var specs []graph.EntitySpec
	if err := bindArg(req, "entities", &specs); err != nil {
		return errResult(graph.Invalid("entities", err.Error())), nil
	}
	result, gerr := t.api.CreateEntities(ctx, specs)
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(result), nil
}

// CreateSubgraphTool handles the create_subgraph MCP tool.
type CreateSubgraphTool struct {
	api *graph.API
}

// NewCreateSubgraphTool creates a CreateSubgraphTool.
func NewCreateSubgraphTool(api *graph.API) *CreateSubgraphTool {
	return &CreateSubgraphTool{api: api}
}

// Definition returns the MCP tool definition for create_subgraph.
func (t *CreateSubgraphTool) Definition() mcp.Tool {
	return mcp.NewTool("create_subgraph",
		mcp.WithDescription(
			"Atomically create entities, relations among new or pre-existing entities, and "+
				"observations on pre-existing entities. Any failure rolls back the whole call. "+
				"This is the only tool that combines entity creation with relation creation.",
		),
		mcp.WithArray("entities",
			mcp.Description("Entities to create first"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":         map[string]any{"type": "string"},
					"entity_type":  map[string]any{"type": "string"},
					"observations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"name", "entity_type"},
			}),
		),
		mcp.WithArray("relations",
			mcp.Description("Relations whose endpoints are newly created or pre-existing entities"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"from":          map[string]any{"type": "string"},
					"to":            map[string]any{"type": "string"},
					"relation_type": map[string]any{"type": "string"},
				},
				"required": []string{"from", "to", "relation_type"},
			}),
		),
		mcp.WithArray("observations_for_existing",
			mcp.Description("Observations to append to pre-existing entities"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entity_name":  map[string]any{"type": "string"},
					"observations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"entity_name", "observations"},
			}),
		),
	)
}

// Handle processes the create_subgraph tool call.
func (t *CreateSubgraphTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var entities []graph.EntitySpec
	var relations []graph.RelationSpec
	var observations []graph.ObservationsSpec

	if _, ok := req.GetArguments()["entities"]; ok {
		if err := bindArg(req, "entities", &entities); err != nil {
			return errResult(graph.Invalid("entities", err.Error())), nil
		}
	}
	if _, ok := req.GetArguments()["relations"]; ok {
		if err := bindArg(req, "relations", &relations); err != nil {
			return errResult(graph.Invalid("relations", err.Error())), nil
		}
	}
	if _, ok := req.GetArguments()["observations_for_existing"]; ok {
		if err := bindArg(req, "observations_for_existing", &observations); err != nil {
			return errResult(graph.Invalid("observations_for_existing", err.Error())), nil
		}
	}

	result, gerr := t.api.CreateSubgraph(ctx, entities, relations, observations)
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(result), nil
}
