package embeddings

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type geminiEmbedder struct {
	client *genai.Client
	model  string
}

func NewGeminiEmbedder(ctx context.Context, opts Options) (Embedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "text-embedding-004"
	}
	return &geminiEmbedder{client: client, model: model}, nil
}

func (e *geminiEmbedder) Embed(ctx context.Context, req Request) ([][]float32, error) {
	em := e.client.EmbeddingModel(e.model)
	em.TaskType = geminiTaskType(req.TaskType)

	batch := em.NewBatch()
	for _, text := range req.Texts {
		batch.AddContent(genai.Text(text))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("batch embed gemini contents: %w", err)
	}
	return geminiVectors(resp, len(req.Texts), req.Dimension)
}

// geminiVectors unpacks a batch response. Gemini embedding models are trained
// so that leading dimensions remain meaningful when truncated.
func geminiVectors(resp *genai.BatchEmbedContentsResponse, want, dimension int) ([][]float32, error) {
	if resp == nil || len(resp.Embeddings) != want {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", got, want)
	}

	results := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		values := emb.Values
		if dimension > 0 && len(values) > dimension {
			values = values[:dimension]
		}
		results[i] = values
	}
	return results, nil
}

func geminiTaskType(t TaskType) genai.TaskType {
	switch t {
	case TaskRetrievalDocument:
		return genai.TaskTypeRetrievalDocument
	case TaskRetrievalQuery:
		return genai.TaskTypeRetrievalQuery
	case TaskSemanticSimilarity:
		return genai.TaskTypeSemanticSimilarity
	default:
		return genai.TaskTypeUnspecified
	}
}
