package chat

import (
	"context"

	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/retrieval"
)

// Retriever is the search surface the chat workflow draws context from.
type Retriever interface {
	Global(ctx context.Context, q retrieval.GlobalQuery) (domain.RetrievalResult, error)
	Local(ctx context.Context, q retrieval.LocalQuery) (domain.RetrievalResult, error)
}

var _ Retriever = (*retrieval.Searcher)(nil)
