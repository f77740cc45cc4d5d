package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/fabfab/sales-rag/cache"
	"github.com/fabfab/sales-rag/llm"
)

// ColumnMapper turns spreadsheet rows into prose for embedding.
type ColumnMapper interface {
	// MapColumns returns a semantic key for each header.
	MapColumns(ctx context.Context, headers []string) (map[string]string, error)
	// RowToSentence renders one row, keyed by semantic key, as a sentence.
	RowToSentence(ctx context.Context, row map[string]string) (string, error)
}

const (
	mappingMaxTokens  = 512
	sentenceMaxTokens = 256
)

const columnMappingPrompt = `You map spreadsheet column headers to short semantic snake_case keys
(for example "Deal Amount ($)" -> "deal_amount_usd"). Respond with a JSON object whose
keys are the exact headers and whose values are the semantic keys. Headers: %s`

const rowSentencePrompt = `Write one natural-language sentence that states every fact in this
record. Do not add facts, do not omit values. Record: %s`

// SemanticMapper asks a language model for column mappings and row sentences.
// Column mappings are cached per header set so re-ingesting the same layout
// yields the same keys.
type SemanticMapper struct {
	client   llm.Client
	mappings *cache.TTL[string, map[string]string]
	logger   *log.Logger
}

var _ ColumnMapper = (*SemanticMapper)(nil)

func NewSemanticMapper(client llm.Client, mappings *cache.TTL[string, map[string]string], logger *log.Logger) *SemanticMapper {
	if logger == nil {
		logger = log.Default()
	}
	return &SemanticMapper{client: client, mappings: mappings, logger: logger}
}

func (m *SemanticMapper) MapColumns(ctx context.Context, headers []string) (map[string]string, error) {
	key := headerSetKey(headers)
	if m.mappings != nil {
		if cached, ok := m.mappings.Get(key); ok {
			return cached, nil
		}
	}
	if m.client == nil {
		return nil, fmt.Errorf("llm client not configured")
	}

	encoded, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	reply, err := m.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(columnMappingPrompt, encoded)},
	}, llm.WithTemperature(0), llm.WithMaxTokens(mappingMaxTokens))
	if err != nil {
		return nil, fmt.Errorf("generate column mapping: %w", err)
	}

	raw := map[string]string{}
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &raw); err != nil {
		return nil, fmt.Errorf("decode column mapping: %w", err)
	}

	mappings := make(map[string]string, len(headers))
	for _, header := range headers {
		value := strings.TrimSpace(raw[header])
		if value == "" {
			value = snakeCase(header)
		}
		mappings[header] = value
	}

	if m.mappings != nil {
		m.mappings.Set(key, mappings)
	}
	return mappings, nil
}

func (m *SemanticMapper) RowToSentence(ctx context.Context, row map[string]string) (string, error) {
	if m.client == nil {
		return "", fmt.Errorf("llm client not configured")
	}
	encoded, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("encode row: %w", err)
	}
	reply, err := m.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(rowSentencePrompt, encoded)},
	}, llm.WithTemperature(0), llm.WithMaxTokens(sentenceMaxTokens))
	if err != nil {
		return "", fmt.Errorf("generate row sentence: %w", err)
	}
	sentence := strings.TrimSpace(reply)
	if sentence == "" {
		return "", fmt.Errorf("generate row sentence: empty reply")
	}
	return sentence, nil
}

func headerSetKey(headers []string) string {
	normalized := make([]string, 0, len(headers))
	for _, h := range headers {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(h)))
	}
	sort.Strings(normalized)
	return strings.Join(normalized, "\x1f")
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// snakeCase lowercases a header and joins its alphanumeric runs with '_'.
func snakeCase(header string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(header)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 0x7f {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			pendingSep = false
			continue
		}
		pendingSep = true
	}
	return b.String()
}
