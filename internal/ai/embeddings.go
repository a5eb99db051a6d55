package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"docuquery-backend/internal/config"
)

// EmbeddingClient converts texts into fixed-dimension vectors. Batch calls
// preserve input order. Dimension is validated once at startup and treated
// as immutable for the process lifetime.
type EmbeddingClient interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// NewEmbeddingClient builds the configured provider adapter and probes the
// vector dimensionality with a single embed call.
func NewEmbeddingClient(ctx context.Context, cfg *config.Config) (EmbeddingClient, error) {
	switch cfg.EmbeddingsProvider {
	case "google", "":
		return newGoogleEmbedder(ctx, cfg)
	case "openai":
		return newHTTPEmbedder(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown embeddings provider: %s", cfg.EmbeddingsProvider)
	}
}

// googleEmbedder uses the Generative AI embedding models
// (text-embedding-004 by default).
type googleEmbedder struct {
	client  *genai.Client
	model   string
	dim     int
	timeout time.Duration
	limiter *rate.Limiter
}

func newGoogleEmbedder(ctx context.Context, cfg *config.Config) (*googleEmbedder, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY for embeddings")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, err
	}

	e := &googleEmbedder{
		client:  client,
		model:   cfg.GoogleEmbeddingsModel,
		timeout: cfg.ProviderTimeout,
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}

	dim, err := e.probeDimension(ctx, cfg.VectorDimensions)
	if err != nil {
		client.Close()
		return nil, err
	}
	e.dim = dim
	return e, nil
}

func (e *googleEmbedder) probeDimension(ctx context.Context, expected int) (int, error) {
	vecs, err := e.embed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, fmt.Errorf("embedding dimension probe failed: %w", err)
	}
	dim := len(vecs[0])
	if expected > 0 && dim != expected {
		return 0, fmt.Errorf("embedding dimension mismatch: provider returned %d, VECTOR_DIM expects %d", dim, expected)
	}
	return dim, nil
}

func (e *googleEmbedder) Dimension() int { return e.dim }

func (e *googleEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := e.embed(ctx, texts)
	if err != nil {
		return nil, &ProviderError{Provider: "google", Op: "embed", Err: err}
	}
	for i, v := range vecs {
		if len(v) != e.dim {
			return nil, &ProviderError{Provider: "google", Op: "embed",
				Err: fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), e.dim)}
		}
	}
	return vecs, nil
}

func (e *googleEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	em := e.client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	for _, text := range texts {
		batch = batch.AddContent(genai.Text(text))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
		vecs[i] = emb.Values
	}
	return vecs, nil
}

// httpEmbedder talks to an OpenAI-compatible /embeddings endpoint, which
// covers OpenAI itself and hosted compatibles.
type httpEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

func newHTTPEmbedder(ctx context.Context, cfg *config.Config) (*httpEmbedder, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY for embeddings")
	}
	e := &httpEmbedder{
		baseURL: cfg.OpenAIBaseURL,
		apiKey:  cfg.OpenAIAPIKey,
		model:   cfg.OpenAIEmbeddingsModel,
		client:  &http.Client{Timeout: cfg.ProviderTimeout},
	}

	vecs, err := e.embed(ctx, []string{"dimension probe"})
	if err != nil {
		return nil, fmt.Errorf("embedding dimension probe failed: %w", err)
	}
	dim := len(vecs[0])
	if cfg.VectorDimensions > 0 && dim != cfg.VectorDimensions {
		return nil, fmt.Errorf("embedding dimension mismatch: provider returned %d, VECTOR_DIM expects %d", dim, cfg.VectorDimensions)
	}
	e.dim = dim
	return e, nil
}

func (e *httpEmbedder) Dimension() int { return e.dim }

func (e *httpEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := e.embed(ctx, texts)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Op: "embed", Err: err}
	}
	return vecs, nil
}

func (e *httpEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(struct {
		Input []string `json:"input"`
		Model string   `json:"model"`
	}{Input: texts, Model: e.model})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings request failed: %s: %s", resp.Status, snippet)
	}

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d inputs", len(out.Data), len(texts))
	}

	// Responses are ordered by index, not necessarily arrival order.
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return vecs, nil
}
