// Package ollama embeds text through a local Ollama server's /api/embed
// endpoint. It is the self-hosted alternative to the OpenAI adapter: book
// chunks are embedded at ingestion time and dialogue queries per turn, all
// without leaving the deployment. Models such as nomic-embed-text,
// mxbai-embed-large and all-minilm are recognised out of the box.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/inknowing/dialogued/pkg/provider/embeddings"
)

// DefaultBaseURL points at an Ollama instance on the local host.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// Provider adapts an Ollama server to embeddings.Provider. It is safe for
// concurrent use.
//
// The vector width is resolved from the WithDimensions override first, then
// the built-in model table, and as a last resort by embedding a throwaway
// string against the live server once and caching the result.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client

	// width is zero until resolved; resolveOnce guards the live lookup.
	width       int
	resolveOnce sync.Once
}

type config struct {
	timeout    time.Duration
	dimensions int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout bounds each HTTP request. Zero or negative means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions pins the reported vector width. Set it to the width the
// chunk index was created with; it also spares unknown models the live
// lookup on the first Dimensions call.
func WithDimensions(dims int) Option {
	return func(c *config) {
		c.dimensions = dims
	}
}

// New builds a Provider for the given Ollama server and embedding model.
// An empty baseURL falls back to [DefaultBaseURL]; model is required.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	client := &http.Client{}
	if cfg.timeout > 0 {
		client.Timeout = cfg.timeout
	}

	width := cfg.dimensions
	if width == 0 {
		width = knownWidth(model)
	}
	return &Provider{baseURL: baseURL, model: model, client: client, width: width}, nil
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector for a single text. The text is forwarded
// verbatim; any model-specific prefix ("query: ", "passage: ") is the
// caller's job.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.post(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("ollama embeddings: embed: empty response")
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one request, result[i] matching texts[i].
// An empty or nil texts returns (nil, nil) without touching the network;
// errors never expose partial results.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.post(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: embed batch: expected %d embeddings, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

// Dimensions reports the vector width this provider produces. Unknown
// models without a [WithDimensions] override cost one live embed on the
// first call; if that fails, 0 is returned.
func (p *Provider) Dimensions() int {
	if p.width != 0 {
		return p.width
	}
	p.resolveOnce.Do(func() {
		vecs, err := p.post(context.Background(), []string{"width check"})
		if err != nil {
			return
		}
		if len(vecs) > 0 {
			p.width = len(vecs[0])
		}
	})
	return p.width
}

// ModelID reports the Ollama model name supplied at construction.
func (p *Provider) ModelID() string {
	return p.model
}

func (p *Provider) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedReq{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out embedResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embeddings in response")
	}
	return out.Embeddings, nil
}

// knownWidth covers the embedding models the deployment docs recommend.
// Zero means unknown and defers to the live lookup.
func knownWidth(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed-text"):
		return 768
	case strings.Contains(lower, "mxbai-embed-large"):
		return 1024
	case strings.Contains(lower, "all-minilm"):
		return 384
	default:
		return 0
	}
}
