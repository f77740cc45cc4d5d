package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const ocrPrompt = "Extract all readable text from this file. Respond with JSON of the form " +
	`{"pages":[{"page":1,"text":"..."}]}` + " and nothing else."

// GeminiClient talks to Gemini for chat generation and OCR.
type GeminiClient struct {
	client   *genai.Client
	model    string
	defaults GenerateOptions
}

func NewGeminiClient(ctx context.Context, opts Options) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiClient{client: client, model: model, defaults: opts.Defaults}, nil
}

func (c *GeminiClient) Generate(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error) {
	model, history, last := c.prepare(messages, opts)

	session := model.StartChat()
	session.History = history

	resp, err := session.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	return responseText(resp)
}

func (c *GeminiClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error, opts ...GenerateOption) error {
	model, history, last := c.prepare(messages, opts)

	session := model.StartChat()
	session.History = history

	iter := session.SendMessageStream(ctx, genai.Text(last))
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gemini stream content: %w", err)
		}
		text, err := responseText(resp)
		if err != nil {
			continue
		}
		if err := fn(text); err != nil {
			return err
		}
	}
}

// ExtractText sends the raw bytes inline and asks the model for page text.
func (c *GeminiClient) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Blob{MIMEType: mimeType, Data: data}, genai.Text(ocrPrompt))
	if err != nil {
		return "", fmt.Errorf("gemini ocr: %w", err)
	}
	return responseText(resp)
}

func (c *GeminiClient) prepare(messages []Message, opts []GenerateOption) (*genai.GenerativeModel, []*genai.Content, string) {
	model := c.client.GenerativeModel(c.model)
	resolved := c.defaults.Apply(opts)
	if resolved.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(resolved.MaxTokens))
	}
	if resolved.Temperature != nil {
		model.SetTemperature(*resolved.Temperature)
	}

	var system []string
	history := make([]*genai.Content, 0, len(messages))
	last := ""
	for i, msg := range messages {
		switch {
		case msg.Role == RoleSystem:
			system = append(system, msg.Content)
		case i == len(messages)-1 && msg.Role == RoleUser:
			last = msg.Content
		default:
			role := "user"
			if msg.Role == RoleAssistant {
				role = "model"
			}
			history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
	}
	return model, history, last
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	return sb.String(), nil
}

var (
	_ StreamClient = (*GeminiClient)(nil)
	_ OCR          = (*GeminiClient)(nil)
)
