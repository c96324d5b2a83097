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

// DefaultRemoteURL is the default remote embedding API endpoint base.
const DefaultRemoteURL = "https://api.openai.com"

// DefaultRemoteModel is the remote provider's default model.
const DefaultRemoteModel = "text-embedding-3-small"

// RemoteProvider calls an OpenAI-compatible embeddings API. Each call is one
// network request; retry policy beyond surfacing the remote error belongs to
// the caller.
type RemoteProvider struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client

	once sync.Once
	dims int
}

// NewRemoteProvider builds a remote provider.
func NewRemoteProvider(baseURL, model, apiKey string) *RemoteProvider {
	if baseURL == "" {
		baseURL = DefaultRemoteURL
	}
	if model == "" {
		model = DefaultRemoteModel
	}
	return &RemoteProvider{
		baseURL: baseURL,
		model:   model,
		apiKey:  apiKey,
		client:  http.DefaultClient,
	}
}

// ModelName returns the remote model id.
func (p *RemoteProvider) ModelName() string {
	return p.model
}

// Dimensions returns the vector size for the model. Once a response has
// arrived its observed size wins for every model; before that the model
// table gives the size, and unknown models report the default remote model's.
func (p *RemoteProvider) Dimensions() int {
	if p.dims > 0 {
		return p.dims
	}
	if d, ok := modelDimensions[p.model]; ok {
		return d
	}
	return modelDimensions[DefaultRemoteModel]
}

type remoteRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type remoteResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate embeds one text.
func (p *RemoteProvider) Generate(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.BatchGenerate(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// BatchGenerate embeds the whole batch in one API request.
func (p *RemoteProvider) BatchGenerate(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(remoteRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	var out remoteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: status %d: %v", ErrProviderUnavailable, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if out.Error != nil {
			msg = out.Error.Message
		}
		return nil, fmt.Errorf("%w: remote API: %s", ErrProviderUnavailable, msg)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%w: remote API returned %d embeddings for %d inputs",
			ErrProviderUnavailable, len(out.Data), len(texts))
	}

	// Results are placed by the response's index field, not array position.
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) || len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: malformed embedding at index %d", ErrProviderUnavailable, d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("%w: missing embedding for input %d", ErrProviderUnavailable, i)
		}
	}
	p.once.Do(func() { p.dims = len(vecs[0]) })
	return vecs, nil
}
