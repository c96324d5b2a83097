package graphtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kgraph-dev/kgraph/internal/graph"
)

// GenerateEmbeddingsTool handles the generate_embeddings MCP tool.
type GenerateEmbeddingsTool struct {
	api *graph.API
}

// NewGenerateEmbeddingsTool creates a GenerateEmbeddingsTool.
func NewGenerateEmbeddingsTool(api *graph.API) *GenerateEmbeddingsTool {
	return &GenerateEmbeddingsTool{api: api}
}

// Definition returns the MCP tool definition for generate_embeddings.
func (t *GenerateEmbeddingsTool) Definition() mcp.Tool {
	return mcp.NewTool("generate_embeddings",
		mcp.WithDescription(
			"Generate embeddings for entities under the current provider's model. The source "+
				"text is the entity name joined with its observations. Without entity_names, "+
				"every entity is a candidate; entities already embedded for the model are "+
				"skipped unless force is set.",
		),
		mcp.WithArray("entity_names",
			mcp.Description("Entities to embed (default: all)"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithBoolean("force",
			mcp.Description("Regenerate even when an embedding exists for the model (default false)"),
		),
		mcp.WithNumber("batch_size",
			mcp.Description("Texts per provider batch call (default 32)"),
		),
	)
}

// Handle processes the generate_embeddings tool call.
func (t *GenerateEmbeddingsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := stringSlice(req, "entity_names")
	if err != nil {
		return errResult(graph.Invalid("entity_names", err.Error())), nil
	}
	result, gerr := t.api.GenerateEmbeddings(ctx, names,
		boolArg(req, "force", false), intArg(req, "batch_size", 0))
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(result), nil
}

// ConfigureEmbeddingsTool handles the configure_embeddings MCP tool.
type ConfigureEmbeddingsTool struct {
	api *graph.API
}

// NewConfigureEmbeddingsTool creates a ConfigureEmbeddingsTool.
func NewConfigureEmbeddingsTool(api *graph.API) *ConfigureEmbeddingsTool {
	return &ConfigureEmbeddingsTool{api: api}
}

// Definition returns the MCP tool definition for configure_embeddings.
func (t *ConfigureEmbeddingsTool) Definition() mcp.Tool {
	return mcp.NewTool("configure_embeddings",
		mcp.WithDescription(
			"Replace the current embedding provider. In-flight generate calls finish against "+
				"the old provider.",
		),
		mcp.WithString("provider",
			mcp.Required(),
			mcp.Description("Provider kind: local or remote"),
		),
		mcp.WithString("model",
			mcp.Description("Model id (default: provider's default model)"),
		),
		mcp.WithString("api_key",
			mcp.Description("API key for the remote provider"),
		),
	)
}

// Handle processes the configure_embeddings tool call.
func (t *ConfigureEmbeddingsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider := req.GetString("provider", "")
	if provider == "" {
		return errResult(graph.Invalid("provider", "provider is required")), nil
	}
	result, gerr := t.api.ConfigureEmbeddings(ctx, provider,
		req.GetString("model", ""), req.GetString("api_key", ""))
	if gerr != nil {
		return errResult(gerr), nil
	}
	return jsonResult(result), nil
}
