// Package embed holds the text→vector providers and the process-wide
// registry that selects the current one.
package embed

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrProviderUnavailable wraps any provider failure: model not installed,
// daemon not running, remote API error. Hybrid search degrades on it;
// semantic search and generation surface it.
var ErrProviderUnavailable = errors.New("embedding provider unavailable")

// Provider produces embeddings under one named model. The interface is
// deliberately narrow; provider-specific knobs stay on the concrete types.
type Provider interface {
	ModelName() string
	Dimensions() int
	Generate(ctx context.Context, text string) ([]float32, error)
	BatchGenerate(ctx context.Context, texts []string) ([][]float32, error)
}

// Config selects and parameterizes a provider.
type Config struct {
	// Provider is "local" or "remote".
	Provider string
	// Model is the provider's model id. Empty picks the provider default.
	Model string
	// APIKey authenticates the remote provider.
	APIKey string
	// BaseURL overrides the provider endpoint (tests, self-hosted gateways).
	BaseURL string
}

// DefaultModel is the 384-dimension general-purpose English sentence
// embedder used when nothing is configured.
const DefaultModel = "all-minilm"

// Registry holds the process-wide current provider. First access installs
// the default local provider; reconfiguration swaps it atomically while
// in-flight Generate calls finish against the old one.
type Registry struct {
	mu      sync.Mutex
	current Provider
}

// NewRegistry returns an empty registry; the default provider is built
// lazily on first Current call.
func NewRegistry() *Registry {
	return &Registry{}
}

// Current returns the active provider, installing the default if none is
// configured yet. The lock covers only the swap, never generation.
func (r *Registry) Current() Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		r.current = NewLocalProvider("", DefaultModel)
	}
	return r.current
}

// Configure builds a provider from cfg and makes it current.
func (r *Registry) Configure(cfg Config) (Provider, error) {
	p, err := build(cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.current = p
	r.mu.Unlock()
	return p, nil
}

// Set makes a pre-built provider current. Used by tests.
func (r *Registry) Set(p Provider) {
	r.mu.Lock()
	r.current = p
	r.mu.Unlock()
}

func build(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "local", "":
		return NewLocalProvider(cfg.BaseURL, cfg.Model), nil
	case "remote":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("remote embedding provider requires an api key")
		}
		return NewRemoteProvider(cfg.BaseURL, cfg.Model, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// modelDimensions maps known model ids to their vector sizes. Unknown models
// resolve their size from the first generated vector.
var modelDimensions = map[string]int{
	"all-minilm":             384,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
}
