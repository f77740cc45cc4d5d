package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fabfab/sales-rag/embeddings"
)

const defaultOpenAITimeout = 60 * time.Second

type openAIClient struct {
	client   *openai.Client
	model    string
	defaults GenerateOptions
	retry    embeddings.RetryPolicy
}

// NewOpenAIClient builds a chat client for OpenAI or any compatible endpoint.
// Requests are bounded by opts.Timeout and transient failures of the
// non-streaming call are retried with opts.Retry.
func NewOpenAIClient(opts Options) StreamClient {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpenAITimeout
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &openAIClient{
		client:   openai.NewClientWithConfig(cfg),
		model:    opts.Model,
		defaults: opts.Defaults,
		retry:    opts.Retry,
	}
}

func (c *openAIClient) request(messages []Message, opts []GenerateOption) openai.ChatCompletionRequest {
	resolved := c.defaults.Apply(opts)
	req := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: resolved.MaxTokens,
	}
	if resolved.Temperature != nil {
		req.Temperature = *resolved.Temperature
		// The request field is omitempty, so zero needs a non-zero stand-in.
		if req.Temperature == 0 {
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}

	req.Messages = make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return req
}

func (c *openAIClient) Generate(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error) {
	req := c.request(messages, opts)

	resp, err := embeddings.Retry(ctx, c.retry, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		return c.client.CreateChatCompletion(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("create openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error, opts ...GenerateOption) error {
	req := c.request(messages, opts)
	req.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("open openai chat stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read openai chat stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := fn(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}
