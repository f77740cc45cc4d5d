package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/fabfab/sales-rag/config"
	"github.com/fabfab/sales-rag/embeddings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error)
}

// StreamClient is implemented by clients that can emit partial output.
type StreamClient interface {
	Client
	GenerateStream(ctx context.Context, messages []Message, fn func(string) error, opts ...GenerateOption) error
}

// GenerateOptions tunes a single generation call. Zero MaxTokens and a nil
// Temperature leave the provider default in place.
type GenerateOptions struct {
	MaxTokens   int
	Temperature *float32
}

type GenerateOption func(*GenerateOptions)

func WithMaxTokens(n int) GenerateOption {
	return func(o *GenerateOptions) { o.MaxTokens = n }
}

func WithTemperature(t float32) GenerateOption {
	return func(o *GenerateOptions) { o.Temperature = &t }
}

// Apply layers per-call options over o, which holds the client defaults.
func (o GenerateOptions) Apply(opts []GenerateOption) GenerateOptions {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OCR extracts text from raw document or image bytes.
type OCR interface {
	ExtractText(ctx context.Context, data []byte, mimeType string) (string, error)
}

type Options struct {
	Provider string
	Model    string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string

	Defaults GenerateOptions
	Timeout  time.Duration
	Retry    embeddings.RetryPolicy
}

func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		Defaults:      GenerateOptions{MaxTokens: cfg.LLM.MaxTokens},
		Timeout:       cfg.LLM.Timeout,
		Retry:         embeddings.RetryPolicy{MaxAttempts: cfg.LLM.MaxAttempts},
	}
	if cfg.LLM.Temperature >= 0 {
		temperature := float32(cfg.LLM.Temperature)
		opts.Defaults.Temperature = &temperature
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	case config.ProviderGemini:
		if opts.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini provider selected but GEMINI_API_KEY not set")
		}
		return NewGeminiClient(context.Background(), opts)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}

// NewOCR returns the configured OCR capability, or nil when OCR is disabled.
func NewOCR(cfg config.Config) (OCR, error) {
	switch cfg.OCR.Provider {
	case "":
		return nil, nil
	case config.ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini ocr selected but GEMINI_API_KEY not set")
		}
		return NewGeminiClient(context.Background(), Options{
			Provider:     config.ProviderGemini,
			Model:        cfg.OCR.Model,
			GeminiAPIKey: cfg.GeminiAPIKey,
		})
	default:
		return nil, fmt.Errorf("unknown ocr provider: %s", cfg.OCR.Provider)
	}
}
