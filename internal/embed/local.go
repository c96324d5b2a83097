package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// DefaultLocalURL is the local model daemon's default listen address.
const DefaultLocalURL = "http://localhost:11434"

// LocalProvider embeds through a locally running Ollama daemon. The model is
// pulled into memory by the daemon on first use and reused afterwards; this
// type holds no model state beyond the resolved vector size.
type LocalProvider struct {
	baseURL string
	model   string
	client  *http.Client

	once sync.Once
	dims int
}

// NewLocalProvider builds a local provider for the named model. Empty
// arguments fall back to the daemon default address and DefaultModel.
func NewLocalProvider(baseURL, model string) *LocalProvider {
	if baseURL == "" {
		baseURL = DefaultLocalURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &LocalProvider{
		baseURL: baseURL,
		model:   model,
		client:  http.DefaultClient,
	}
}

// ModelName returns the canonical model id.
func (p *LocalProvider) ModelName() string {
	return p.model
}

// Dimensions returns the vector size for the model. Once a vector has been
// generated its observed size wins for every model; before that the model
// table gives the size, and unknown models report the default model's size.
func (p *LocalProvider) Dimensions() int {
	if p.dims > 0 {
		return p.dims
	}
	if d, ok := modelDimensions[p.model]; ok {
		return d
	}
	return modelDimensions[DefaultModel]
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Generate embeds one text.
func (p *LocalProvider) Generate(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(localRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: local daemon status %d: %s",
			ErrProviderUnavailable, resp.StatusCode, raw)
	}

	var out localResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding from model %s", ErrProviderUnavailable, p.model)
	}
	p.once.Do(func() { p.dims = len(out.Embedding) })
	return out.Embedding, nil
}

// BatchGenerate embeds each text with one request per item; the local daemon
// exposes no batch endpoint.
func (p *LocalProvider) BatchGenerate(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := p.Generate(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, v)
	}
	return vecs, nil
}
