package llm

import (
	"testing"

	"github.com/fabfab/sales-rag/config"
)

func TestNewClientDefaults(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOllama,
			Model:    "llama3.1:8b",
		},
		OllamaHost: "http://localhost:11434",
	}

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("expected llm client, got error: %v", err)
	}

	if client == nil {
		t.Fatal("expected non-nil client")
	}
	if _, ok := client.(StreamClient); !ok {
		t.Fatal("expected ollama client to support streaming")
	}
}

func TestNewClientOpenAIRequiresAPIKey(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOpenAI,
			Model:    "gpt-4o",
		},
	}

	if _, err := NewClient(cfg); err == nil {
		t.Fatal("expected error for missing OPENAI_API_KEY")
	}
}

func TestNewClientGeminiRequiresAPIKey(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Provider: config.ProviderGemini}}
	if _, err := NewClient(cfg); err == nil {
		t.Fatal("expected error for missing GEMINI_API_KEY")
	}
}

func TestNewOCRDisabledByDefault(t *testing.T) {
	ocr, err := NewOCR(config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ocr != nil {
		t.Fatal("expected nil OCR when no provider is configured")
	}
}

func TestNewOCRUnknownProvider(t *testing.T) {
	if _, err := NewOCR(config.Config{OCR: config.OCRConfig{Provider: "tesseract"}}); err == nil {
		t.Fatal("expected error for unknown OCR provider")
	}
}
