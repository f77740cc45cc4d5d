package chat

import (
	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/knowledge"
)

// Request is one chat turn. A non-empty ProjectIDs or FileIDs scopes
// retrieval to those documents; otherwise every document of the owner is
// searched. ChatID keys the conversation history.
type Request struct {
	OwnerID    string
	ChatID     string
	Question   string
	ProjectIDs []string
	FileIDs    []string
	TopK       int
}

type Source struct {
	DocumentID  string
	FileName    string
	ProjectName string
	Snippet     string
	Score       float64
	Insight     knowledge.Insight
}

type Response struct {
	Answer    string
	Sources   []Source
	Retrieval domain.RetrievalResult
}
