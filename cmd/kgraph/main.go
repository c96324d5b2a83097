// kgraph: persistent knowledge-graph service for AI agents.
//
// Agents create, relate, observe, and search entities through the MCP tool
// protocol; humans browse the same graph through the web visualization the
// daemon serves alongside it.
//
// Usage:
//
//	kgraph serve              # stdio transport, for MCP hosts that spawn a child
//	kgraph serve --transport http    # networked daemon: /mcp + /health + web UI
//	kgraph serve --transport hybrid  # both against one store
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/pflag"

	"github.com/kgraph-dev/kgraph/internal/config"
	kgserver "github.com/kgraph-dev/kgraph/internal/server"
	"github.com/kgraph-dev/kgraph/internal/supervisor"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := run(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
	case "--version", "-v", "version":
		fmt.Printf("kgraph v%s\n", kgserver.Version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	baseDir := flags.String("base-dir", "", "base directory (default ~/.kgraph)")
	host := flags.String("host", "", "bind address for the HTTP adapter")
	port := flags.Int("port", 0, "preferred port; the actual port is negotiated upward")
	transport := flags.String("transport", "stdio", "transport: stdio, http, or hybrid")
	staticDir := flags.String("static-dir", "", "directory with the visualization bundle")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*baseDir)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *staticDir != "" {
		cfg.StaticDir = *staticDir
	}

	// The stdio transport owns stdout; keep logs on stderr there. The
	// daemon appends to the service log file instead.
	if *transport != "stdio" {
		logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		log.SetOutput(logFile)
	}

	sup := supervisor.New(cfg, kgserver.Version)
	sup.CleanupStale()

	s, _, cleanup, err := kgserver.New(cfg, sup)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *transport {
	case "stdio":
		return server.ServeStdio(s)
	case "http":
		return runHTTP(ctx, cfg, s, sup)
	case "hybrid":
		// HTTP in the background, stdio in the foreground; both dispatch
		// into the same graph API and storage engine.
		errCh := make(chan error, 1)
		go func() { errCh <- runHTTP(ctx, cfg, s, sup) }()
		if err := server.ServeStdio(s); err != nil {
			return err
		}
		cancel()
		return <-errCh
	default:
		return fmt.Errorf("unknown transport: %s (use stdio, http, or hybrid)", *transport)
	}
}

func runHTTP(ctx context.Context, cfg config.Config, s *server.MCPServer, sup *supervisor.Supervisor) error {
	ln, port, err := sup.NegotiatePort()
	if err != nil {
		return err
	}
	if err := sup.WriteIdentity(port); err != nil {
		ln.Close()
		return fmt.Errorf("write identity file: %w", err)
	}
	defer sup.RemoveIdentity()

	stopBackups, err := sup.StartBackups()
	if err != nil {
		ln.Close()
		return err
	}
	defer stopBackups()

	adapter := kgserver.NewHTTPAdapter(cfg, s, sup)
	log.Printf("kgraph v%s listening on %s:%d (db %s)", kgserver.Version, cfg.Host, port, cfg.DatabasePath)

	errCh := make(chan error, 1)
	go func() { errCh <- adapter.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Printf("shutting down")
		return adapter.Shutdown(context.Background())
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `kgraph v%s — persistent knowledge-graph service

Usage:
  kgraph serve [flags]   Start the server
  kgraph version         Print the version

Flags for serve:
  --base-dir DIR         Base directory (default ~/.kgraph)
  --transport MODE       stdio (default), http, or hybrid
  --host ADDR            Bind address for the HTTP adapter
  --port N               Preferred port (negotiated upward if taken)
  --static-dir DIR       Visualization bundle to serve at /

MCP configuration for stdio hosts:

  {
    "mcpServers": {
      "kgraph": {
        "command": "kgraph",
        "args": ["serve"]
      }
    }
  }
`, kgserver.Version)
}
