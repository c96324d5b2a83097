// Package server wires the storage engine, vector store, embedding registry,
// and tool handlers into an MCP server instance.
//
// This is the composition root: concrete implementations are created here
// and injected into the tools that depend on them. No business logic lives
// here — only wiring.
package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kgraph-dev/kgraph/internal/config"
	"github.com/kgraph-dev/kgraph/internal/embed"
	"github.com/kgraph-dev/kgraph/internal/graph"
	"github.com/kgraph-dev/kgraph/internal/graphtools"
	"github.com/kgraph-dev/kgraph/internal/storage"
	"github.com/kgraph-dev/kgraph/internal/supervisor"
	"github.com/kgraph-dev/kgraph/internal/vector"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Per-request wall-clock budgets. Embedding generation waits on model loads
// and remote APIs, so it gets a longer leash.
const (
	defaultToolTimeout = 30 * time.Second
	embedToolTimeout   = 5 * time.Minute
)

// New creates the MCP server with every graph tool registered, along with
// the graph API it dispatches into. The cleanup function closes the storage
// engine (final checkpoint included) and must be called on shutdown; it is
// always non-nil.
func New(cfg config.Config, sup *supervisor.Supervisor) (*server.MCPServer, *graph.API, func(), error) {
	store, err := storage.Open(storage.Config{
		Path:        cfg.DatabasePath,
		SnapshotDir: cfg.BackupDir,
	})
	if err != nil {
		return nil, nil, func() {}, fmt.Errorf("opening storage: %w", err)
	}

	registry := embed.NewRegistry()
	if cfg.Embeddings.Provider != "" {
		if _, err := registry.Configure(embed.Config{
			Provider: cfg.Embeddings.Provider,
			Model:    cfg.Embeddings.Model,
			APIKey:   cfg.Embeddings.APIKey,
		}); err != nil {
			store.Close()
			return nil, nil, func() {}, fmt.Errorf("configuring embeddings: %w", err)
		}
	}

	vectors := vector.New(store.DB())
	api := graph.New(store, vectors, registry, graph.Defaults{
		K:            cfg.Vector.DefaultK,
		Threshold:    cfg.Vector.DefaultThreshold,
		HybridWeight: cfg.Vector.DefaultHybridWeight,
		BatchSize:    cfg.Embeddings.BatchSize,
	})

	s := server.NewMCPServer(
		cfg.Name,
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithToolHandlerMiddleware(timeoutMiddleware),
		server.WithInstructions(serverInstructions()),
	)

	registerGraphTools(s, api, cfg, sup)

	// Backfill embeddings for entities the current model has not covered
	// yet. Best-effort: a missing model daemon must not block startup.
	if cfg.Embeddings.AutoGenerate {
		go func() {
			result, gerr := api.GenerateEmbeddings(context.Background(), nil, false, cfg.Embeddings.BatchSize)
			if gerr != nil {
				log.Printf("WARNING: auto-generate embeddings: %v", gerr)
				return
			}
			if result.Generated > 0 {
				log.Printf("auto-generated %d embeddings (%s)", result.Generated, result.Model)
			}
		}()
	}

	cleanup := func() { store.Close() }
	return s, api, cleanup, nil
}

// registerGraphTools registers all 14 graph MCP tools with the server.
func registerGraphTools(s *server.MCPServer, api *graph.API, cfg config.Config, sup *supervisor.Supervisor) {
	// --- Mutations ---
	createEntities := graphtools.NewCreateEntitiesTool(api)
	s.AddTool(createEntities.Definition(), createEntities.Handle)

	createRelations := graphtools.NewCreateRelationsTool(api)
	s.AddTool(createRelations.Definition(), createRelations.Handle)

	addObservations := graphtools.NewAddObservationsTool(api)
	s.AddTool(addObservations.Definition(), addObservations.Handle)

	createSubgraph := graphtools.NewCreateSubgraphTool(api)
	s.AddTool(createSubgraph.Definition(), createSubgraph.Handle)

	deleteEntities := graphtools.NewDeleteEntitiesTool(api)
	s.AddTool(deleteEntities.Definition(), deleteEntities.Handle)

	deleteRelations := graphtools.NewDeleteRelationsTool(api)
	s.AddTool(deleteRelations.Definition(), deleteRelations.Handle)

	// --- Query & search ---
	readGraph := graphtools.NewReadGraphTool(api)
	s.AddTool(readGraph.Definition(), readGraph.Handle)

	searchNodes := graphtools.NewSearchNodesTool(api)
	s.AddTool(searchNodes.Definition(), searchNodes.Handle)

	searchSemantic := graphtools.NewSearchSemanticTool(api)
	s.AddTool(searchSemantic.Definition(), searchSemantic.Handle)

	searchHybrid := graphtools.NewSearchHybridTool(api, cfg.Vector.DefaultHybridWeight)
	s.AddTool(searchHybrid.Definition(), searchHybrid.Handle)

	// --- Embeddings ---
	generateEmbeddings := graphtools.NewGenerateEmbeddingsTool(api)
	s.AddTool(generateEmbeddings.Definition(), generateEmbeddings.Handle)

	configureEmbeddings := graphtools.NewConfigureEmbeddingsTool(api)
	s.AddTool(configureEmbeddings.Definition(), configureEmbeddings.Handle)

	// --- Diagnostics ---
	stats := graphtools.NewStatsTool(api)
	s.AddTool(stats.Definition(), stats.Handle)

	serverInfo := graphtools.NewServerInfoTool(sup.Identity)
	s.AddTool(serverInfo.Definition(), serverInfo.Handle)
}

// timeoutMiddleware enforces the per-request wall clock. On timeout the
// client gets a timeout error while the underlying call runs to completion
// on its own goroutine; a client disconnect likewise never aborts a storage
// operation mid-flight.
func timeoutMiddleware(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		timeout := defaultToolTimeout
		if req.Params.Name == "generate_embeddings" {
			timeout = embedToolTimeout
		}

		type outcome struct {
			result *mcp.CallToolResult
			err    error
		}
		done := make(chan outcome, 1)
		go func() {
			r, err := next(ctx, req)
			done <- outcome{result: r, err: err}
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case o := <-done:
			return o.result, o.err
		case <-timer.C:
			return mcp.NewToolResultError(fmt.Sprintf(
				`{"error":"Internal","detail":"tool %s timed out after %s"}`,
				req.Params.Name, timeout)), nil
		}
	}
}

// serverInstructions returns the usage guidance sent to MCP clients.
func serverInstructions() string {
	return `This server is a shared knowledge graph for AI agents.

Entities are named, typed nodes; observations are append-only statements
about one entity; relations are directed, typed edges identified by
(from, to, type).

Guidelines:
- Entity names are the only keys. Search before creating to avoid duplicates.
- create_relations and add_observations require external_refs: list every
  entity name the call depends on. A missing name fails the whole call.
- Use create_subgraph to create entities and their relations in one atomic
  step; create_relations alone never creates entities.
- search_nodes is keyword search; search_entities_semantic needs embeddings
  (run generate_embeddings first); search_hybrid combines both.`
}
