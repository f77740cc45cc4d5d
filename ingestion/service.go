package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/sales-rag/blob"
	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/embeddings"
	"github.com/fabfab/sales-rag/knowledge"
	"github.com/fabfab/sales-rag/store"
)

// Settings bounds an ingestion run.
type Settings struct {
	ChunkSize    int
	ChunkOverlap int
	Timeout      time.Duration
	Retry        embeddings.RetryPolicy
	MaxFileSize  int64

	// Remote payload downloads.
	FetchAllowedHosts []string
	FetchAllowPrivate bool
}

// Upload is a file submitted directly by its owner.
type Upload struct {
	OwnerID     string
	ProjectID   *string
	FileName    string
	MIMEType    string
	Data        []byte
	Integration *domain.Integration
}

// Import is a file fetched from a third-party integration. Payload is the raw
// download response in any of the shapes DecodePayload understands.
type Import struct {
	OwnerID     string
	ProjectID   *string
	FileName    string
	MIMEType    string
	Integration domain.Integration
	Payload     json.RawMessage
}

type Service struct {
	store     store.Store
	blobs     blob.Store
	extractor *Extractor
	gateway   *embeddings.Gateway
	driver    neo4j.DriverWithContext
	fetcher   *PayloadFetcher
	logger    *log.Logger
	settings  Settings
}

// NewService wires the ingestion pipeline. driver may be nil to skip graph
// sync.
func NewService(st store.Store, blobs blob.Store, extractor *Extractor, gateway *embeddings.Gateway, driver neo4j.DriverWithContext, logger *log.Logger, settings Settings) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if settings.ChunkSize <= 0 {
		settings.ChunkSize = DefaultChunkSize
	}
	if settings.ChunkOverlap < 0 {
		settings.ChunkOverlap = DefaultChunkOverlap
	}

	fetchOpts := []FetcherOption{WithAllowedHosts(settings.FetchAllowedHosts...)}
	if settings.FetchAllowPrivate {
		fetchOpts = append(fetchOpts, WithPrivateAddresses())
	}

	return &Service{
		store:     st,
		blobs:     blobs,
		extractor: extractor,
		gateway:   gateway,
		driver:    driver,
		fetcher:   NewPayloadFetcher(settings.Timeout, settings.MaxFileSize, fetchOpts...),
		logger:    logger,
		settings:  settings,
	}
}

// Ingest stores, extracts, chunks and embeds one file. Unsupported and empty
// files are rejected without a record. Extraction and embedding failures
// still return the stored, unindexed document together with the error so the
// upload is not lost.
func (s *Service) Ingest(ctx context.Context, up Upload) (domain.Document, error) {
	if err := s.validate(up); err != nil {
		return domain.Document{}, err
	}
	if s.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.Timeout)
		defer cancel()
	}

	format, err := ResolveFormat(up.FileName, up.MIMEType)
	if err != nil {
		return domain.Document{}, err
	}

	key := storageKey(up.OwnerID, up.FileName)
	if _, err := s.blobs.Put(ctx, key, up.Data, map[string]string{
		"ownerId":  up.OwnerID,
		"fileName": up.FileName,
		"mimeType": up.MIMEType,
	}); err != nil {
		return domain.Document{}, fmt.Errorf("store upload: %w", err)
	}

	record := domain.Document{
		OwnerID:     up.OwnerID,
		ProjectID:   up.ProjectID,
		Name:        up.FileName,
		FileType:    string(format),
		StorageKey:  key,
		Integration: up.Integration,
	}

	extraction, err := s.extractor.Extract(ctx, up.Data, up.FileName, up.MIMEType)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyDocument) || errors.Is(err, domain.ErrUnsupportedFormat) {
			s.discardBlob(key)
			return domain.Document{}, err
		}
		doc, createErr := s.store.CreateDocument(ctx, record)
		if createErr != nil {
			s.discardBlob(key)
			return domain.Document{}, fmt.Errorf("record document: %w", createErr)
		}
		s.logger.Printf("extract %s failed, stored unindexed document %s: %v", up.FileName, doc.ID, err)
		return doc, err
	}

	chunks, embedErr := s.embedChunks(ctx, up.FileName, extraction.Text)

	doc, err := s.store.CreateDocument(ctx, record)
	if err != nil {
		s.discardBlob(key)
		return domain.Document{}, fmt.Errorf("record document: %w", err)
	}
	if embedErr != nil {
		s.logger.Printf("embed %s failed, stored unindexed document %s: %v", up.FileName, doc.ID, embedErr)
		return doc, embedErr
	}

	return s.storeChunks(ctx, doc, chunks, extraction)
}

// Import decodes an integration download payload and ingests its bytes with
// the integration recorded on the document.
func (s *Service) Import(ctx context.Context, imp Import) (domain.Document, error) {
	payload, err := DecodePayload(imp.Payload)
	if err != nil {
		return domain.Document{}, err
	}
	data, err := s.fetcher.Bytes(ctx, payload)
	if err != nil {
		return domain.Document{}, fmt.Errorf("resolve %s payload: %w", payload.Kind, err)
	}

	integration := imp.Integration
	return s.Ingest(ctx, Upload{
		OwnerID:     imp.OwnerID,
		ProjectID:   imp.ProjectID,
		FileName:    imp.FileName,
		MIMEType:    imp.MIMEType,
		Data:        data,
		Integration: &integration,
	})
}

// Reindex re-extracts and re-embeds a stored document from its blob, for
// documents left unindexed by an earlier failure.
func (s *Service) Reindex(ctx context.Context, ownerID, documentID string) (domain.Document, error) {
	if s.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.Timeout)
		defer cancel()
	}

	docs, err := s.store.GetDocuments(ctx, ownerID, []string{documentID})
	if err != nil {
		return domain.Document{}, err
	}
	if len(docs) == 0 {
		return domain.Document{}, fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	doc := docs[0]

	data, err := s.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return doc, fmt.Errorf("load stored file: %w", err)
	}
	extraction, err := s.extractor.Extract(ctx, data, doc.Name, formatMIME(DocumentFormat(doc.FileType)))
	if err != nil {
		return doc, err
	}
	chunks, err := s.embedChunks(ctx, doc.Name, extraction.Text)
	if err != nil {
		return doc, err
	}
	return s.storeChunks(ctx, doc, chunks, extraction)
}

// DeleteDocument removes the record, its chunks, its blob and its graph node.
func (s *Service) DeleteDocument(ctx context.Context, ownerID, documentID string) error {
	doc, err := s.store.DeleteDocument(ctx, ownerID, documentID)
	if err != nil {
		return err
	}
	s.discardBlob(doc.StorageKey)
	if s.driver != nil {
		if err := knowledge.DeleteDocument(ctx, s.driver, ownerID, documentID); err != nil {
			s.logger.Printf("delete graph document %s: %v", documentID, err)
		}
	}
	return nil
}

// DeleteProject removes a project and everything filed under it.
func (s *Service) DeleteProject(ctx context.Context, ownerID, projectID string) error {
	docs, err := s.store.DeleteProject(ctx, ownerID, projectID)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		s.discardBlob(doc.StorageKey)
	}
	if s.driver != nil {
		if err := knowledge.DeleteProject(ctx, s.driver, ownerID, projectID); err != nil {
			s.logger.Printf("delete graph project %s: %v", projectID, err)
		}
	}
	return nil
}

type pendingChunk struct {
	span      Span
	embedding []float32
}

// embedChunks splits text and embeds every span, retrying transient provider
// failures. The error is always a domain.ErrEmbeddingFailure.
func (s *Service) embedChunks(ctx context.Context, fileName, text string) ([]pendingChunk, error) {
	spans := Chunk(text, s.settings.ChunkSize, s.settings.ChunkOverlap)
	if len(spans) == 0 {
		return nil, fmt.Errorf("chunk %s: %w", fileName, domain.ErrEmptyDocument)
	}

	contents := make([]string, len(spans))
	for i, span := range spans {
		contents[i] = span.Content
	}

	vectors, err := embeddings.Retry(ctx, s.settings.Retry, func(ctx context.Context) ([][]float32, error) {
		return s.gateway.EmbedMany(ctx, contents, embeddings.TaskRetrievalDocument)
	})
	if err != nil {
		if !errors.Is(err, domain.ErrEmbeddingFailure) {
			err = &domain.EmbeddingError{Op: "embed chunks", Err: err}
		}
		return nil, err
	}

	chunks := make([]pendingChunk, len(spans))
	for i, span := range spans {
		chunks[i] = pendingChunk{span: span, embedding: vectors[i]}
	}
	return chunks, nil
}

func (s *Service) storeChunks(ctx context.Context, doc domain.Document, pending []pendingChunk, extraction *Extraction) (domain.Document, error) {
	text := extraction.Text
	rows := make([]domain.Chunk, len(pending))
	for i, p := range pending {
		metadata := extraction.Metadata.ChunkMetadata()
		metadata[domain.MetaSource] = doc.Name
		metadata[domain.MetaChunkIndex] = i
		metadata[domain.MetaStartOffset] = p.span.Start
		metadata[domain.MetaEndOffset] = p.span.End
		metadata[domain.MetaFileType] = doc.FileType
		if doc.ProjectID != nil {
			metadata[domain.MetaProjectID] = *doc.ProjectID
		}
		if doc.Integration != nil {
			metadata[domain.MetaIntegration] = doc.Integration.Name
		}
		rows[i] = domain.Chunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			OwnerID:    doc.OwnerID,
			Content:    p.span.Content,
			Embedding:  p.embedding,
			Metadata:   metadata,
		}
	}

	if err := s.store.InsertChunks(ctx, doc.OwnerID, doc.ID, rows); err != nil {
		return doc, fmt.Errorf("store chunks: %w", err)
	}
	if err := s.store.MarkIndexed(ctx, doc.OwnerID, doc.ID, text); err != nil {
		return doc, fmt.Errorf("mark document indexed: %w", err)
	}
	doc.ExtractedText = &text

	s.syncGraph(ctx, doc, len(rows))
	s.logger.Printf("ingested %s (%d chunks)", doc.Name, len(rows))
	return doc, nil
}

func (s *Service) syncGraph(ctx context.Context, doc domain.Document, chunkCount int) {
	if s.driver == nil {
		return
	}

	node := knowledge.Document{
		ID:         doc.ID,
		OwnerID:    doc.OwnerID,
		Name:       doc.Name,
		FileType:   doc.FileType,
		ChunkCount: chunkCount,
	}
	if doc.Integration != nil {
		node.Integration = doc.Integration.Name
	}
	if doc.ProjectID != nil {
		node.ProjectID = *doc.ProjectID
		projects, err := s.store.GetProjects(ctx, doc.OwnerID, []string{*doc.ProjectID})
		if err == nil && len(projects) > 0 {
			node.ProjectName = projects[0].Name
		}
	}

	if err := knowledge.SyncDocument(ctx, s.driver, node); err != nil {
		s.logger.Printf("sync knowledge graph for %s: %v", doc.ID, err)
	}
}

func (s *Service) validate(up Upload) error {
	if strings.TrimSpace(up.OwnerID) == "" {
		return fmt.Errorf("owner id is required: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(up.FileName) == "" {
		return fmt.Errorf("file name is required: %w", domain.ErrInvalidInput)
	}
	if len(up.Data) == 0 {
		return fmt.Errorf("upload %s: %w", up.FileName, domain.ErrEmptyDocument)
	}
	if s.settings.MaxFileSize > 0 && int64(len(up.Data)) > s.settings.MaxFileSize {
		return fmt.Errorf("upload %s exceeds %d bytes: %w", up.FileName, s.settings.MaxFileSize, domain.ErrInvalidInput)
	}
	return nil
}

// discardBlob deletes a blob outside the request context so cleanup still
// runs after a timeout.
func (s *Service) discardBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Printf("delete blob %s: %v", key, err)
	}
}

func storageKey(ownerID, fileName string) string {
	name := strings.ReplaceAll(filepath.Base(fileName), " ", "_")
	return path.Join(url.PathEscape(ownerID), uuid.NewString(), url.PathEscape(name))
}
