package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kgraph-dev/kgraph/internal/config"
	"github.com/kgraph-dev/kgraph/internal/supervisor"
)

// shutdownGrace bounds how long in-flight requests get to drain.
const shutdownGrace = 10 * time.Second

// HTTPAdapter fronts the MCP server over HTTP: the tool protocol at /mcp
// (POST, answered as a server-sent-event stream), the health endpoint, and
// the static visualization bundle.
type HTTPAdapter struct {
	cfg config.Config
	sup *supervisor.Supervisor
	srv *http.Server
}

// NewHTTPAdapter builds the adapter around an MCP server instance.
func NewHTTPAdapter(cfg config.Config, mcpServer *server.MCPServer, sup *supervisor.Supervisor) *HTTPAdapter {
	streamable := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	mux.HandleFunc("/health", healthHandler(cfg, sup))
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	return &HTTPAdapter{
		cfg: cfg,
		sup: sup,
		srv: &http.Server{Handler: corsMiddleware(cfg.AllowedOrigins, mux)},
	}
}

// Serve accepts connections on the negotiated listener until Shutdown.
func (a *HTTPAdapter) Serve(ln net.Listener) error {
	err := a.srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new requests and drains in-flight ones up to the
// grace period.
func (a *HTTPAdapter) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return a.srv.Shutdown(ctx)
}

// healthResponse is the identity record plus a status field.
type healthResponse struct {
	Status string `json:"status"`
	supervisor.Identity
}

func healthHandler(cfg config.Config, sup *supervisor.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:   "ok",
			Identity: sup.Identity(),
		})
	}
}

// corsMiddleware applies the configured origin policy. The default "*" keeps
// the localhost visualization working; deployments can restrict it.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id, Last-Event-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
