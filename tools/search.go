package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/retrieval"
)

const (
	GlobalSearchName = "search_documents"
	LocalSearchName  = "search_project_documents"
)

// Searcher is the retrieval surface the search tools call.
type Searcher interface {
	Global(ctx context.Context, q retrieval.GlobalQuery) (domain.RetrievalResult, error)
	Local(ctx context.Context, q retrieval.LocalQuery) (domain.RetrievalResult, error)
}

type globalInput struct {
	Query         string   `json:"query"`
	TopK          int      `json:"topK,omitempty"`
	MinSimilarity *float64 `json:"minSimilarity,omitempty"`
}

type localInput struct {
	Query         string   `json:"query"`
	ProjectIDs    []string `json:"projectIds,omitempty"`
	FileIDs       []string `json:"fileIds,omitempty"`
	TopK          int      `json:"topK,omitempty"`
	MinSimilarity *float64 `json:"minSimilarity,omitempty"`
}

// GlobalSearchTool searches every document of the caller.
type GlobalSearchTool struct {
	searcher Searcher
}

func NewGlobalSearchTool(searcher Searcher) *GlobalSearchTool {
	return &GlobalSearchTool{searcher: searcher}
}

func (t *GlobalSearchTool) Name() string { return GlobalSearchName }

func (t *GlobalSearchTool) Description() string {
	return "Search all of the user's uploaded documents for passages relevant to a question."
}

func (t *GlobalSearchTool) InputSchema() map[string]any {
	return objectSchema([]string{"query"}, map[string]any{
		"query":         stringProperty("The question or keywords to search for."),
		"topK":          topKProperty(),
		"minSimilarity": minSimilarityProperty(),
	})
}

func (t *GlobalSearchTool) Execute(ctx context.Context, ownerID string, input json.RawMessage) (any, error) {
	var in globalInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	return t.searcher.Global(ctx, retrieval.GlobalQuery{
		OwnerID:       ownerID,
		Query:         in.Query,
		TopK:          in.TopK,
		MinSimilarity: in.MinSimilarity,
	})
}

// LocalSearchTool searches selected projects and files of the caller.
type LocalSearchTool struct {
	searcher Searcher
}

func NewLocalSearchTool(searcher Searcher) *LocalSearchTool {
	return &LocalSearchTool{searcher: searcher}
}

func (t *LocalSearchTool) Name() string { return LocalSearchName }

func (t *LocalSearchTool) Description() string {
	return "Search only the given projects and files for passages relevant to a question. At least one project or file id is required."
}

func (t *LocalSearchTool) InputSchema() map[string]any {
	return objectSchema([]string{"query"}, map[string]any{
		"query":         stringProperty("The question or keywords to search for."),
		"projectIds":    stringArrayProperty("Projects whose documents are searched."),
		"fileIds":       stringArrayProperty("Individual documents to search."),
		"topK":          topKProperty(),
		"minSimilarity": minSimilarityProperty(),
	})
}

func (t *LocalSearchTool) Execute(ctx context.Context, ownerID string, input json.RawMessage) (any, error) {
	var in localInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	return t.searcher.Local(ctx, retrieval.LocalQuery{
		OwnerID:       ownerID,
		Query:         in.Query,
		ProjectIDs:    in.ProjectIDs,
		FileIDs:       in.FileIDs,
		TopK:          in.TopK,
		MinSimilarity: in.MinSimilarity,
	})
}

var (
	_ Capability = (*GlobalSearchTool)(nil)
	_ Capability = (*LocalSearchTool)(nil)
)

func decodeInput(input json.RawMessage, dst any) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, dst); err != nil {
		return fmt.Errorf("decode tool input: %v: %w", err, domain.ErrInvalidInput)
	}
	return nil
}

func objectSchema(required []string, properties map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func stringProperty(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func stringArrayProperty(description string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": description}
}

func topKProperty() map[string]any {
	return map[string]any{"type": "integer", "minimum": 1, "maximum": 50, "description": "Maximum number of passages to return."}
}

func minSimilarityProperty() map[string]any {
	return map[string]any{"type": "number", "minimum": 0, "maximum": 1, "description": "Minimum cosine similarity of returned passages."}
}
