// Package graphtools provides the MCP tool handlers for the knowledge graph.
//
// Each tool handler follows the same pattern:
// - A struct with dependencies (graph.API) injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
//
// Results are tool-specific JSON objects carried as the text payload; a
// failed call carries the structured error object of the taxonomy instead.
package graphtools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kgraph-dev/kgraph/internal/graph"
)

// jsonResult marshals a tool-specific success object into a text result.
func jsonResult(v any) *mcp.CallToolResult {
	raw, err := json.Marshal(v)
	if err != nil {
		return errResult(graph.Internal(fmt.Sprintf("encode result: %v", err)))
	}
	return mcp.NewToolResultText(string(raw))
}

// errResult marshals a taxonomy error into an error result. The JSON shape
// {"error": kind, "detail": ...} is the failure contract of every tool.
func errResult(e *graph.Error) *mcp.CallToolResult {
	raw, err := json.Marshal(e)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(`{"error":"Internal","detail":%q}`, e.Detail))
	}
	return mcp.NewToolResultError(string(raw))
}

// bindArg decodes one argument into a typed destination through a JSON
// round-trip, so nested tool inputs get explicit field presence checks at
// the type level.
func bindArg(req mcp.CallToolRequest, key string, dst any) error {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return fmt.Errorf("'%s' is required", key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("'%s': %v", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("'%s': %v", key, err)
	}
	return nil
}

// stringSlice extracts an optional string-array argument.
func stringSlice(req mcp.CallToolRequest, key string) ([]string, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("'%s' must be an array of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("'%s' must be an array of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

// intArg extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// floatArg extracts a float argument.
func floatArg(req mcp.CallToolRequest, key string, defaultVal float64) float64 {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return v
}

// boolArg extracts a boolean argument.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}
