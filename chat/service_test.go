package chat

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/sales-rag/cache"
	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/knowledge"
	"github.com/fabfab/sales-rag/llm"
	"github.com/fabfab/sales-rag/retrieval"
)

var quietLogger = log.New(io.Discard, "", 0)

type stubRetriever struct {
	result domain.RetrievalResult
	err    error
	global []retrieval.GlobalQuery
	local  []retrieval.LocalQuery
}

var _ Retriever = (*stubRetriever)(nil)

func (s *stubRetriever) Global(_ context.Context, q retrieval.GlobalQuery) (domain.RetrievalResult, error) {
	s.global = append(s.global, q)
	return s.result, s.err
}

func (s *stubRetriever) Local(_ context.Context, q retrieval.LocalQuery) (domain.RetrievalResult, error) {
	s.local = append(s.local, q)
	return s.result, s.err
}

type stubGraph struct {
	insights map[string]knowledge.Insight
	err      error
}

var _ GraphStore = (*stubGraph)(nil)

func (s *stubGraph) DocumentInsights(_ context.Context, _ string, _ []string) (map[string]knowledge.Insight, error) {
	return s.insights, s.err
}

type stubLLM struct {
	answer   string
	messages [][]llm.Message
}

var _ llm.Client = (*stubLLM)(nil)

func (s *stubLLM) Generate(_ context.Context, messages []llm.Message, _ ...llm.GenerateOption) (string, error) {
	s.messages = append(s.messages, messages)
	return s.answer, nil
}

type stubStreamLLM struct {
	stubLLM
	parts []string
}

var _ llm.StreamClient = (*stubStreamLLM)(nil)

func (s *stubStreamLLM) GenerateStream(_ context.Context, messages []llm.Message, fn func(string) error, _ ...llm.GenerateOption) error {
	s.messages = append(s.messages, messages)
	for _, part := range s.parts {
		if err := fn(part); err != nil {
			return err
		}
	}
	return nil
}

func sampleResult() domain.RetrievalResult {
	return domain.RetrievalResult{
		Success: true,
		Results: []domain.ResultItem{
			{Content: "Acme renewed for 12 months.", Similarity: 0.8, DocumentID: "doc-1", FileName: "acme.txt"},
			{Content: "Globex asked for a discount.", Similarity: 0.9, DocumentID: "doc-2", FileName: "globex.txt"},
			{Content: "Acme wants SSO.", Similarity: 0.7, DocumentID: "doc-1", FileName: "acme.txt"},
		},
		TotalResults: 3,
		Context:      "[1] Acme renewed for 12 months. (Source: acme.txt)",
	}
}

func TestChatUsesGlobalSearchWithoutScope(t *testing.T) {
	retriever := &stubRetriever{result: sampleResult()}
	client := &stubLLM{answer: "  Acme renewed. [1]  "}
	graph := &stubGraph{insights: map[string]knowledge.Insight{"doc-1": {ChunkCount: 4, Integration: "Google Drive"}}}
	svc := NewService(retriever, graph, client, nil, quietLogger)

	resp, err := svc.Chat(context.Background(), Request{OwnerID: "owner-a", Question: "What about Acme?", TopK: 3})
	require.NoError(t, err)

	assert.Equal(t, "Acme renewed. [1]", resp.Answer)
	require.Len(t, retriever.global, 1)
	assert.Empty(t, retriever.local)
	assert.Equal(t, "owner-a", retriever.global[0].OwnerID)
	assert.Equal(t, 3, retriever.global[0].TopK)

	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "doc-2", resp.Sources[0].DocumentID)
	assert.Equal(t, "doc-1", resp.Sources[1].DocumentID)
	assert.Equal(t, 0.8, resp.Sources[1].Score)
	assert.Contains(t, resp.Sources[1].Snippet, "Acme wants SSO.")
	assert.Equal(t, 4, resp.Sources[1].Insight.ChunkCount)

	require.Len(t, client.messages, 1)
	prompt := client.messages[0][len(client.messages[0])-1].Content
	assert.Contains(t, prompt, "What about Acme?")
	assert.Contains(t, prompt, "(Source: acme.txt)")
	assert.Contains(t, prompt, "Imported from: Google Drive")
}

func TestChatUsesLocalSearchWithScope(t *testing.T) {
	retriever := &stubRetriever{result: sampleResult()}
	svc := NewService(retriever, nil, &stubLLM{answer: "ok"}, nil, quietLogger)

	_, err := svc.Chat(context.Background(), Request{OwnerID: "owner-a", Question: "q", ProjectIDs: []string{"p-1"}})
	require.NoError(t, err)

	require.Len(t, retriever.local, 1)
	assert.Empty(t, retriever.global)
	assert.Equal(t, []string{"p-1"}, retriever.local[0].ProjectIDs)
}

func TestChatReturnsRetrievalErrors(t *testing.T) {
	retriever := &stubRetriever{err: &domain.EmbeddingError{Op: "embed", Err: errors.New("down")}}
	client := &stubLLM{answer: "never"}
	svc := NewService(retriever, nil, client, nil, quietLogger)

	_, err := svc.Chat(context.Background(), Request{OwnerID: "owner-a", Question: "q"})
	assert.ErrorIs(t, err, domain.ErrEmbeddingFailure)
	assert.Empty(t, client.messages)

	_, err = svc.Chat(context.Background(), Request{OwnerID: "owner-a", Question: "   "})
	assert.Error(t, err)
}

func TestChatKeepsSessionHistory(t *testing.T) {
	sessions := cache.NewTTL[string, []llm.Message](time.Hour, 10)
	client := &stubLLM{answer: "first answer"}
	svc := NewService(&stubRetriever{result: domain.RetrievalResult{Success: true}}, nil, client, sessions, quietLogger)
	ctx := context.Background()

	_, err := svc.Chat(ctx, Request{OwnerID: "owner-a", ChatID: "c1", Question: "first"})
	require.NoError(t, err)

	client.answer = "second answer"
	_, err = svc.Chat(ctx, Request{OwnerID: "owner-a", ChatID: "c1", Question: "second"})
	require.NoError(t, err)

	second := client.messages[1]
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleSystem, second[0].Role)
	assert.Equal(t, "first answer", second[2].Content)

	history, ok := sessions.Get(SessionKey("owner-a", "c1"))
	require.True(t, ok)
	assert.Len(t, history, 4)

	_, ok = sessions.Get(SessionKey("owner-b", "c1"))
	assert.False(t, ok)

	svc.Reset("owner-a", "c1")
	_, ok = sessions.Get(SessionKey("owner-a", "c1"))
	assert.False(t, ok)
}

func TestChatStream(t *testing.T) {
	client := &stubStreamLLM{parts: []string{"Hel", "", "lo"}}
	svc := NewService(&stubRetriever{result: domain.RetrievalResult{Success: true}}, nil, client, nil, quietLogger)

	var streamed strings.Builder
	resp, err := svc.ChatStream(context.Background(), Request{OwnerID: "owner-a", Question: "hi"}, func(part string) error {
		streamed.WriteString(part)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Answer)
	assert.Equal(t, "Hello", streamed.String())

	plain := NewService(&stubRetriever{result: domain.RetrievalResult{Success: true}}, nil, &stubLLM{answer: "whole"}, nil, quietLogger)
	var once []string
	_, err = plain.ChatStream(context.Background(), Request{OwnerID: "owner-a", Question: "hi"}, func(part string) error {
		once = append(once, part)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"whole"}, once)
}

func TestMergeSourcesTruncatesOnRuneBoundary(t *testing.T) {
	content := "a" + strings.Repeat("é", 300)
	sources := mergeSources([]domain.ResultItem{
		{DocumentID: "doc-1", FileName: "deal.txt", Content: content, Similarity: 0.8},
		{DocumentID: "doc-1", FileName: "deal.txt", Content: "Acme signed.", Similarity: 0.9},
	})

	require.Len(t, sources, 1)
	assert.Equal(t, 0.9, sources[0].Score)
	first, rest, ok := strings.Cut(sources[0].Snippet, "\n---\n")
	require.True(t, ok)
	assert.Equal(t, "Acme signed.", rest)
	assert.True(t, utf8.ValidString(first))
	assert.True(t, strings.HasSuffix(first, "..."))
	assert.Equal(t, content[:maxSnippetLength-1]+"...", first)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	assert.Equal(t, "...", truncate("日本", 2))
	assert.Equal(t, "日...", truncate("日本", 4))
}
