package retrieval

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/embeddings"
	"github.com/fabfab/sales-rag/store"
)

const (
	contextBanner     = "The following excerpts from your documents are relevant to the question:"
	noResultsMessage  = "No relevant content was found in your documents for this query."
	emptyScopeMessage = "The selected projects and files contain no documents to search."
	unknownFileName   = "Unknown File"
	embedQueryFailure = "could not generate embedding for your query, please retry"
	defaultTopK       = 5
	defaultMaxTopK    = 50
	defaultGlobalMin  = 0.5
	defaultLocalMin   = 0.4
	defaultTimeout    = 10 * time.Second
)

// Settings holds the retrieval defaults. Zero values fall back to built-in
// defaults. A nil similarity floor uses the built-in floor; an explicit 0
// disables filtering.
type Settings struct {
	DefaultTopK         int
	MaxTopK             int
	GlobalMinSimilarity *float64
	LocalMinSimilarity  *float64
	Timeout             time.Duration
}

// GlobalQuery searches every chunk the owner has.
type GlobalQuery struct {
	OwnerID       string
	Query         string
	TopK          int
	MinSimilarity *float64
}

// LocalQuery searches the chunks of the given projects and files. At least one
// of ProjectIDs and FileIDs must be non-empty.
type LocalQuery struct {
	OwnerID       string
	Query         string
	ProjectIDs    []string
	FileIDs       []string
	TopK          int
	MinSimilarity *float64
}

// Searcher runs single-shot global and local searches.
type Searcher struct {
	store     store.Store
	gateway   *embeddings.Gateway
	logger    *log.Logger
	settings  Settings
	globalMin float64
	localMin  float64
}

func NewSearcher(st store.Store, gateway *embeddings.Gateway, logger *log.Logger, settings Settings) *Searcher {
	if logger == nil {
		logger = log.Default()
	}
	if settings.DefaultTopK <= 0 {
		settings.DefaultTopK = defaultTopK
	}
	if settings.MaxTopK <= 0 {
		settings.MaxTopK = defaultMaxTopK
	}
	if settings.DefaultTopK > settings.MaxTopK {
		settings.DefaultTopK = settings.MaxTopK
	}
	if settings.Timeout <= 0 {
		settings.Timeout = defaultTimeout
	}

	return &Searcher{
		store:     st,
		gateway:   gateway,
		logger:    logger,
		settings:  settings,
		globalMin: floor(settings.GlobalMinSimilarity, defaultGlobalMin),
		localMin:  floor(settings.LocalMinSimilarity, defaultLocalMin),
	}
}

func floor(configured *float64, fallback float64) float64 {
	if configured == nil {
		return fallback
	}
	return *configured
}

// rank scores candidates, logging chunks whose embedding dimension differs
// from the query's. Those chunks never match.
func (s *Searcher) rank(query []float32, candidates []domain.Chunk, topK int, minSim float64) []domain.ScoredChunk {
	if n := MismatchedDimensions(query, candidates); n > 0 {
		s.logger.Printf("retrieval: skipped %d of %d chunks with embedding dimension != %d, reindex them", n, len(candidates), len(query))
	}
	return Rank(query, candidates, topK, minSim)
}

// Global ranks all of the owner's chunks against the query.
func (s *Searcher) Global(ctx context.Context, q GlobalQuery) (domain.RetrievalResult, error) {
	topK, minSim, err := s.bounds(q.OwnerID, q.Query, q.TopK, q.MinSimilarity, s.globalMin)
	if err != nil {
		return domain.RetrievalResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()

	vector, err := s.embedQuery(ctx, q.Query)
	if err != nil {
		return domain.RetrievalResult{}, err
	}
	candidates, err := s.store.QueryByOwner(ctx, q.OwnerID)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("load chunks: %w", err)
	}

	ranked := s.rank(vector, candidates, topK, minSim)
	if len(ranked) == 0 {
		return emptyResult(noResultsMessage), nil
	}

	items := make([]domain.ResultItem, len(ranked))
	for i, hit := range ranked {
		items[i] = resultItem(hit)
		items[i].FileName = sourceName(hit.Chunk)
	}
	return buildResult(items, func(item domain.ResultItem) string {
		return item.FileName
	}), nil
}

// Local ranks the chunks of the resolved project and file scope. Project ids
// expand to their documents; the union with FileIDs is de-duplicated.
func (s *Searcher) Local(ctx context.Context, q LocalQuery) (domain.RetrievalResult, error) {
	projectIDs := nonEmpty(q.ProjectIDs)
	fileIDs := nonEmpty(q.FileIDs)
	if len(projectIDs) == 0 && len(fileIDs) == 0 {
		return domain.RetrievalResult{}, domain.ErrInvalidScope
	}
	topK, minSim, err := s.bounds(q.OwnerID, q.Query, q.TopK, q.MinSimilarity, s.localMin)
	if err != nil {
		return domain.RetrievalResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()

	scope := fileIDs
	if len(projectIDs) > 0 {
		members, err := s.store.ListDocumentIDsByProjects(ctx, q.OwnerID, projectIDs)
		if err != nil {
			return domain.RetrievalResult{}, fmt.Errorf("resolve project documents: %w", err)
		}
		scope = append(members, fileIDs...)
	}
	scope = unique(scope)
	if len(scope) == 0 {
		return emptyResult(emptyScopeMessage), nil
	}

	vector, err := s.embedQuery(ctx, q.Query)
	if err != nil {
		return domain.RetrievalResult{}, err
	}
	candidates, err := s.store.QueryByOwnerAndFiles(ctx, q.OwnerID, scope)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("load chunks: %w", err)
	}

	ranked := s.rank(vector, candidates, topK, minSim)
	if len(ranked) == 0 {
		return emptyResult(noResultsMessage), nil
	}

	docNames, projectNames := s.citations(ctx, q.OwnerID, ranked)
	items := make([]domain.ResultItem, len(ranked))
	for i, hit := range ranked {
		item := resultItem(hit)
		item.FileName = unknownFileName
		if name, ok := docNames[hit.Chunk.DocumentID]; ok {
			item.FileName = name
		}
		item.ProjectName = projectNames[hit.Chunk.DocumentID]
		items[i] = item
	}
	return buildResult(items, func(item domain.ResultItem) string {
		if item.ProjectName != "" {
			return fmt.Sprintf("%s, Project: %s", item.FileName, item.ProjectName)
		}
		return item.FileName
	}), nil
}

// citations resolves document and project names for the ranked chunks. A
// lookup failure only degrades the citation, never the search.
func (s *Searcher) citations(ctx context.Context, ownerID string, ranked []domain.ScoredChunk) (map[string]string, map[string]string) {
	docIDs := make([]string, 0, len(ranked))
	for _, hit := range ranked {
		docIDs = append(docIDs, hit.Chunk.DocumentID)
	}

	docNames := map[string]string{}
	projectNames := map[string]string{}

	docs, err := s.store.GetDocuments(ctx, ownerID, unique(docIDs))
	if err != nil {
		s.logger.Printf("resolve cited documents: %v", err)
		return docNames, projectNames
	}

	projectOf := map[string]string{}
	projectIDs := make([]string, 0)
	for _, doc := range docs {
		docNames[doc.ID] = doc.Name
		if doc.ProjectID != nil {
			projectOf[doc.ID] = *doc.ProjectID
			projectIDs = append(projectIDs, *doc.ProjectID)
		}
	}
	if len(projectIDs) == 0 {
		return docNames, projectNames
	}

	projects, err := s.store.GetProjects(ctx, ownerID, unique(projectIDs))
	if err != nil {
		s.logger.Printf("resolve cited projects: %v", err)
		return docNames, projectNames
	}
	names := make(map[string]string, len(projects))
	for _, p := range projects {
		names[p.ID] = p.Name
	}
	for docID, projectID := range projectOf {
		if name, ok := names[projectID]; ok {
			projectNames[docID] = name
		}
	}
	return docNames, projectNames
}

func (s *Searcher) bounds(ownerID, query string, topK int, minSim *float64, defaultMin float64) (int, float64, error) {
	if strings.TrimSpace(ownerID) == "" {
		return 0, 0, fmt.Errorf("owner id is required: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(query) == "" {
		return 0, 0, fmt.Errorf("query is required: %w", domain.ErrInvalidInput)
	}

	switch {
	case topK <= 0:
		topK = s.settings.DefaultTopK
	case topK > s.settings.MaxTopK:
		topK = s.settings.MaxTopK
	}

	threshold := defaultMin
	if minSim != nil {
		threshold = *minSim
	}
	if threshold < 0 || threshold > 1 {
		return 0, 0, fmt.Errorf("min similarity %.2f outside [0, 1]: %w", threshold, domain.ErrInvalidInput)
	}
	return topK, threshold, nil
}

func (s *Searcher) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vector, err := s.gateway.EmbedOne(ctx, query, embeddings.TaskRetrievalQuery)
	if err != nil {
		s.logger.Printf("embed query: %v", err)
		return nil, fmt.Errorf("%s: %w", embedQueryFailure, err)
	}
	return vector, nil
}

func resultItem(hit domain.ScoredChunk) domain.ResultItem {
	return domain.ResultItem{
		Content:    hit.Chunk.Content,
		Similarity: hit.Similarity,
		DocumentID: hit.Chunk.DocumentID,
		Metadata:   hit.Chunk.Metadata,
	}
}

// buildResult numbers each item as "[i] content (Source: ...)" under the
// context banner.
func buildResult(items []domain.ResultItem, source func(domain.ResultItem) string) domain.RetrievalResult {
	blocks := make([]string, len(items))
	for i, item := range items {
		blocks[i] = fmt.Sprintf("[%d] %s (Source: %s)", i+1, item.Content, source(item))
	}

	return domain.RetrievalResult{
		Success:      true,
		Results:      items,
		TotalResults: len(items),
		Context:      contextBanner + "\n\n" + strings.Join(blocks, "\n\n"),
	}
}

func emptyResult(message string) domain.RetrievalResult {
	return domain.RetrievalResult{
		Success: true,
		Results: []domain.ResultItem{},
		Message: message,
	}
}

func sourceName(chunk domain.Chunk) string {
	if name, ok := chunk.Metadata[domain.MetaSource].(string); ok && name != "" {
		return name
	}
	return unknownFileName
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
