package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fabfab/sales-rag/embeddings"
)

type ollamaClient struct {
	host     string
	model    string
	client   *http.Client
	defaults GenerateOptions
	retry    embeddings.RetryPolicy
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaOptions      `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

func NewOllamaClient(opts Options) StreamClient {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &ollamaClient{
		host:  host,
		model: opts.Model,
		client: &http.Client{
			Timeout: timeout,
		},
		defaults: opts.Defaults,
		retry:    opts.Retry,
	}
}

func (c *ollamaClient) request(messages []Message, stream bool, opts []GenerateOption) ollamaChatRequest {
	payload := ollamaChatRequest{
		Model:    c.model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
	}
	resolved := c.defaults.Apply(opts)
	if resolved.MaxTokens > 0 || resolved.Temperature != nil {
		payload.Options = &ollamaOptions{NumPredict: resolved.MaxTokens, Temperature: resolved.Temperature}
	}
	return payload
}

// post sends a chat request and returns the open response. Error statuses
// come back as *embeddings.StatusError so callers can classify them.
func (c *ollamaClient) post(ctx context.Context, payload ollamaChatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama chat API: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama chat API: %w", &embeddings.StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		})
	}
	return resp, nil
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error) {
	payload := c.request(messages, false, opts)

	return embeddings.Retry(ctx, c.retry, func(ctx context.Context) (string, error) {
		resp, err := c.post(ctx, payload)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		var parsed ollamaChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return "", fmt.Errorf("decode ollama response: %w", err)
		}
		if parsed.Error != "" {
			return "", fmt.Errorf("ollama chat error: %s", parsed.Error)
		}
		return parsed.Message.Content, nil
	})
}

func (c *ollamaClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error, opts ...GenerateOption) error {
	resp, err := c.post(ctx, c.request(messages, true, opts))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode ollama stream response: %w", err)
		}

		if chunk.Error != "" {
			return fmt.Errorf("ollama chat error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			if err := fn(chunk.Message.Content); err != nil {
				return err
			}
		}

		if chunk.Done {
			return nil
		}
	}
}

func toOllamaMessages(messages []Message) []ollamaChatMessage {
	if len(messages) == 0 {
		return nil
	}
	converted := make([]ollamaChatMessage, len(messages))
	for i := range messages {
		converted[i] = ollamaChatMessage(messages[i])
	}
	return converted
}
