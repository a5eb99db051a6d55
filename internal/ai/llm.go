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
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"docuquery-backend/internal/config"
	"docuquery-backend/internal/logger"
)

// CompletionRequest is a single-turn grounded completion.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// CompletionResult carries the final text plus usage and latency metadata.
type CompletionResult struct {
	Text        string
	TotalTokens int
	Latency     time.Duration
}

// LLMClient produces completions from an external LLM provider.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	Close() error
}

// NewLLMClient builds the configured provider adapter.
func NewLLMClient(ctx context.Context, cfg *config.Config) (LLMClient, error) {
	switch cfg.LLMProvider {
	case "gemini", "":
		return newGeminiLLM(ctx, cfg)
	case "groq":
		return newGroqLLM(cfg)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.LLMProvider)
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// geminiLLM wraps the Generative AI SDK with a circuit breaker and a
// client-side rate limiter.
type geminiLLM struct {
	client  *genai.Client
	model   string
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
}

func newGeminiLLM(ctx context.Context, cfg *config.Config) (*geminiLLM, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY for LLM provider")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, err
	}

	model := cfg.LLMModel
	if model == "" {
		model = "gemini-2.0-flash"
	}

	return &geminiLLM{
		client:  client,
		model:   model,
		breaker: newBreaker("GeminiLLM"),
		limiter: rate.NewLimiter(rate.Limit(0.15), 2), // free tier: ~10 RPM with burst headroom
		timeout: cfg.ProviderTimeout,
	}, nil
}

func (g *geminiLLM) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	tracer := otel.Tracer("llm-client")
	ctx, span := tracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &ProviderError{Provider: "gemini", Op: "complete", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	result, err := g.breaker.Execute(func() (interface{}, error) {
		model := g.client.GenerativeModel(g.model)
		model.SetTemperature(req.Temperature)
		if req.MaxTokens > 0 {
			model.SetMaxOutputTokens(int32(req.MaxTokens))
		}
		if req.System != "" {
			model.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(req.System)},
			}
		}

		resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
		if err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("llm.error", true))
		return nil, &ProviderError{Provider: "gemini", Op: "complete", Err: err}
	}

	resp := result.(*genai.GenerateContentResponse)
	text := extractText(resp)
	if text == "" {
		return nil, &ProviderError{Provider: "gemini", Op: "complete", Err: fmt.Errorf("empty completion")}
	}

	totalTokens := 0
	if resp.UsageMetadata != nil {
		totalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	span.SetAttributes(attribute.Int("llm.total_tokens", totalTokens))

	return &CompletionResult{
		Text:        text,
		TotalTokens: totalTokens,
		Latency:     time.Since(start),
	}, nil
}

func (g *geminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	total := ""
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				total += string(text)
			}
		}
	}
	return total
}

// groqLLM talks to an OpenAI-compatible chat-completions endpoint.
type groqLLM struct {
	baseURL string
	apiKey  string
	model   string
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	client  *http.Client
}

func newGroqLLM(cfg *config.Config) (*groqLLM, error) {
	if cfg.GroqAPIKey == "" {
		return nil, fmt.Errorf("missing GROQ_API_KEY for LLM provider")
	}
	model := cfg.LLMModel
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return &groqLLM{
		baseURL: cfg.GroqBaseURL,
		apiKey:  cfg.GroqAPIKey,
		model:   model,
		breaker: newBreaker("GroqLLM"),
		limiter: rate.NewLimiter(rate.Limit(0.5), 2),
		client:  &http.Client{Timeout: cfg.ProviderTimeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (g *groqLLM) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &ProviderError{Provider: "groq", Op: "complete", Err: err}
	}

	messages := []chatMessage{}
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(struct {
		Model       string        `json:"model"`
		Messages    []chatMessage `json:"messages"`
		Temperature float32       `json:"temperature"`
		MaxTokens   int           `json:"max_tokens,omitempty"`
	}{Model: g.model, Messages: messages, Temperature: req.Temperature, MaxTokens: req.MaxTokens})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := g.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

		resp, err := g.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("chat completion failed: %s: %s", resp.Status, snippet)
		}

		var out struct {
			Choices []struct {
				Message chatMessage `json:"message"`
			} `json:"choices"`
			Usage struct {
				TotalTokens int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
			return nil, fmt.Errorf("empty completion")
		}
		return &CompletionResult{
			Text:        out.Choices[0].Message.Content,
			TotalTokens: out.Usage.TotalTokens,
		}, nil
	})
	if err != nil {
		return nil, &ProviderError{Provider: "groq", Op: "complete", Err: err}
	}

	completion := result.(*CompletionResult)
	completion.Latency = time.Since(start)
	return completion, nil
}

func (g *groqLLM) Close() error { return nil }
