package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/fabfab/sales-rag/cache"
	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/llm"
	"github.com/fabfab/sales-rag/retrieval"
)

const (
	maxHistoryMessages = 20
	maxSnippetLength   = 500
)

// Sessions holds conversation history keyed by SessionKey.
type Sessions = cache.TTL[string, []llm.Message]

type Service struct {
	retriever Retriever
	graph     GraphStore
	llm       llm.Client
	sessions  *Sessions
	logger    *log.Logger
}

// NewService wires the chat workflow. graph and sessions may be nil; without
// sessions every turn starts a fresh conversation.
func NewService(retriever Retriever, graph GraphStore, llmClient llm.Client, sessions *Sessions, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		retriever: retriever,
		graph:     graph,
		llm:       llmClient,
		sessions:  sessions,
		logger:    logger,
	}
}

// SessionKey identifies one conversation of one owner.
func SessionKey(ownerID, chatID string) string {
	return ownerID + ":" + chatID
}

func (s *Service) Chat(ctx context.Context, req Request) (Response, error) {
	return s.chat(ctx, req, nil)
}

// ChatStream runs the chat workflow while streaming the LLM output to
// streamFn. When the LLM implementation does not support streaming, the
// callback receives the full answer once.
func (s *Service) ChatStream(ctx context.Context, req Request, streamFn func(string) error) (Response, error) {
	return s.chat(ctx, req, streamFn)
}

// Reset drops the stored history of one conversation.
func (s *Service) Reset(ownerID, chatID string) {
	if s.sessions != nil {
		s.sessions.Delete(SessionKey(ownerID, chatID))
	}
}

func (s *Service) chat(ctx context.Context, req Request, streamFn func(string) error) (Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Response{}, fmt.Errorf("question cannot be empty")
	}
	if s.retriever == nil {
		return Response{}, fmt.Errorf("retriever is not configured")
	}
	if s.llm == nil {
		return Response{}, fmt.Errorf("llm client is not configured")
	}

	result, err := s.retrieve(ctx, req, question)
	if err != nil {
		return Response{}, err
	}
	if len(result.Results) == 0 {
		s.logger.Printf("no context available for question, falling back to LLM-only response")
	}

	sources := mergeSources(result.Results)
	if s.graph != nil && len(sources) > 0 {
		docIDs := make([]string, len(sources))
		for i := range sources {
			docIDs[i] = sources[i].DocumentID
		}
		insights, insightErr := s.graph.DocumentInsights(ctx, req.OwnerID, docIDs)
		if insightErr != nil {
			s.logger.Printf("graph insights error: %v", insightErr)
		} else {
			for i := range sources {
				sources[i].Insight = insights[sources[i].DocumentID]
			}
		}
	}

	var history []llm.Message
	key := SessionKey(req.OwnerID, req.ChatID)
	if s.sessions != nil && req.ChatID != "" {
		history, _ = s.sessions.Get(key)
	}

	contextPrompt := ""
	if len(sources) > 0 {
		contextPrompt = buildContextPrompt(result.Context, sources)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt()})
	messages = append(messages, history...)
	userMessage := llm.Message{Role: llm.RoleUser, Content: formatUserPrompt(question, contextPrompt)}
	messages = append(messages, userMessage)

	answer, err := s.generate(ctx, messages, streamFn)
	if err != nil {
		return Response{}, err
	}
	answer = strings.TrimSpace(answer)

	if s.sessions != nil && req.ChatID != "" {
		updated := make([]llm.Message, 0, len(history)+2)
		updated = append(updated, history...)
		updated = append(updated, userMessage, llm.Message{Role: llm.RoleAssistant, Content: answer})
		if len(updated) > maxHistoryMessages {
			updated = updated[len(updated)-maxHistoryMessages:]
		}
		s.sessions.Set(key, updated)
	}

	return Response{Answer: answer, Sources: sources, Retrieval: result}, nil
}

func (s *Service) retrieve(ctx context.Context, req Request, question string) (domain.RetrievalResult, error) {
	if len(req.ProjectIDs) > 0 || len(req.FileIDs) > 0 {
		result, err := s.retriever.Local(ctx, retrieval.LocalQuery{
			OwnerID:    req.OwnerID,
			Query:      question,
			ProjectIDs: req.ProjectIDs,
			FileIDs:    req.FileIDs,
			TopK:       req.TopK,
		})
		if err != nil {
			return domain.RetrievalResult{}, fmt.Errorf("local search: %w", err)
		}
		return result, nil
	}

	result, err := s.retriever.Global(ctx, retrieval.GlobalQuery{
		OwnerID: req.OwnerID,
		Query:   question,
		TopK:    req.TopK,
	})
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("global search: %w", err)
	}
	return result, nil
}

func (s *Service) generate(ctx context.Context, messages []llm.Message, streamFn func(string) error) (string, error) {
	if streamFn == nil {
		answer, err := s.llm.Generate(ctx, messages)
		if err != nil {
			return "", fmt.Errorf("llm generate: %w", err)
		}
		return answer, nil
	}

	streamClient, ok := s.llm.(llm.StreamClient)
	if !ok {
		answer, err := s.llm.Generate(ctx, messages)
		if err != nil {
			return "", fmt.Errorf("llm generate: %w", err)
		}
		if err := streamFn(answer); err != nil {
			return "", err
		}
		return answer, nil
	}

	var builder strings.Builder
	err := streamClient.GenerateStream(ctx, messages, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		builder.WriteString(chunk)
		return streamFn(chunk)
	})
	if err != nil {
		return "", fmt.Errorf("llm stream generate: %w", err)
	}
	return builder.String(), nil
}

// mergeSources groups ranked hits by document, keeping the best score and
// joining distinct snippets.
func mergeSources(items []domain.ResultItem) []Source {
	grouped := make(map[string]*Source, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		source, ok := grouped[item.DocumentID]
		if !ok {
			source = &Source{
				DocumentID:  item.DocumentID,
				FileName:    item.FileName,
				ProjectName: item.ProjectName,
				Score:       item.Similarity,
			}
			grouped[item.DocumentID] = source
			order = append(order, item.DocumentID)
		} else if item.Similarity > source.Score {
			source.Score = item.Similarity
		}

		snippet := truncate(strings.TrimSpace(item.Content), maxSnippetLength)
		if source.Snippet == "" {
			source.Snippet = snippet
		} else if !strings.Contains(source.Snippet, snippet) {
			source.Snippet += "\n---\n" + snippet
		}
	}

	sources := make([]Source, 0, len(grouped))
	for _, id := range order {
		sources = append(sources, *grouped[id])
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Score > sources[j].Score
	})
	return sources
}

// buildContextPrompt appends the graph view of each cited document to the
// numbered retrieval context.
func buildContextPrompt(retrieved string, sources []Source) string {
	var sb strings.Builder
	sb.WriteString(retrieved)
	sb.WriteString("\n\n")

	for idx := range sources {
		source := &sources[idx]
		insight := source.Insight
		if insight.ChunkCount == 0 && insight.Integration == "" && len(insight.RelatedDocuments) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("Document %s:\n", source.FileName))
		if insight.ChunkCount > 0 {
			sb.WriteString(fmt.Sprintf("Chunks indexed: %d\n", insight.ChunkCount))
		}
		if insight.Integration != "" {
			sb.WriteString(fmt.Sprintf("Imported from: %s\n", insight.Integration))
		}
		if len(insight.RelatedDocuments) > 0 {
			names := make([]string, 0, len(insight.RelatedDocuments))
			for _, related := range insight.RelatedDocuments {
				names = append(names, related.Name)
			}
			sb.WriteString("Related documents: " + strings.Join(names, ", ") + "\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func systemPrompt() string {
	return "You are a sales assistant answering questions about the user's own documents. Use the supplied excerpts to support your response, citing excerpt numbers in brackets (e.g., [1]) when you draw from them. If the excerpts are missing or not useful, say so, rely on your general knowledge, and still deliver the best possible answer. Always answer the question first, then optionally add brief context notes."
}

func formatUserPrompt(question, context string) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	if strings.TrimSpace(context) != "" {
		sb.WriteString("\nContext (optional, may be incomplete):\n")
		sb.WriteString(context)
	}
	sb.WriteString("\nProvide your answer in markdown. Begin with the direct answer. If you reference the context, cite the relevant excerpt numbers. Conclude with a short 'Context Notes' section only when you actually used the context.")
	return sb.String()
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
