package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kgraph-dev/kgraph/internal/config"
	"github.com/kgraph-dev/kgraph/internal/supervisor"
)

func TestHealthHandler(t *testing.T) {
	cfg := config.Default(t.TempDir())
	sup := supervisor.New(cfg, "9.9.9")
	if err := sup.WriteIdentity(7777); err != nil {
		t.Fatalf("WriteIdentity: %v", err)
	}
	defer sup.RemoveIdentity()

	rec := httptest.NewRecorder()
	healthHandler(cfg, sup)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status       string `json:"status"`
		Name         string `json:"name"`
		Version      string `json:"version"`
		Port         int    `json:"port"`
		DatabasePath string `json:"database_path"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" || body.Name != cfg.Name || body.Version != "9.9.9" {
		t.Errorf("body = %+v", body)
	}
	if body.Port != 7777 || body.DatabasePath != cfg.DatabasePath {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	cfg := config.Default(t.TempDir())
	sup := supervisor.New(cfg, "dev")

	rec := httptest.NewRecorder()
	healthHandler(cfg, sup)(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	t.Run("wildcard allows any origin", func(t *testing.T) {
		h := corsMiddleware([]string{"*"}, next)
		req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
			t.Errorf("allow-origin = %q", got)
		}
		if rec.Code != http.StatusTeapot {
			t.Errorf("next handler not reached: %d", rec.Code)
		}
	})

	t.Run("restricted list blocks others", func(t *testing.T) {
		h := corsMiddleware([]string{"http://localhost:6789"}, next)
		req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
		req.Header.Set("Origin", "http://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("allow-origin leaked: %q", got)
		}
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		h := corsMiddleware([]string{"*"}, next)
		req := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("preflight status = %d", rec.Code)
		}
	})
}

func TestNew_WiresServer(t *testing.T) {
	cfg := config.Default(t.TempDir())
	// Leave the provider untouched: the lazy default must not require a
	// running daemon at wiring time.
	cfg.Embeddings.Provider = ""
	sup := supervisor.New(cfg, "dev")

	s, api, cleanup, err := New(cfg, sup)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cleanup()

	if s == nil || api == nil {
		t.Fatal("nil server or api")
	}
	if api.Store() == nil {
		t.Error("api has no store")
	}
}
