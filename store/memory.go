package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/sales-rag/domain"
)

// MemoryStore keeps everything in process. It backs tests and the "memory"
// store driver.
type MemoryStore struct {
	mu        sync.RWMutex
	projects  map[string]domain.Project
	documents map[string]domain.Document
	chunks    map[string][]domain.Chunk
	logger    *log.Logger
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(logger *log.Logger) *MemoryStore {
	if logger == nil {
		logger = log.Default()
	}
	return &MemoryStore{
		projects:  make(map[string]domain.Project),
		documents: make(map[string]domain.Document),
		chunks:    make(map[string][]domain.Chunk),
		logger:    logger,
		now:       time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateProject(_ context.Context, ownerID, name string) (domain.Project, error) {
	if err := requireOwner(ownerID); err != nil {
		return domain.Project{}, err
	}
	if err := validateProjectName(name); err != nil {
		return domain.Project{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	project := domain.Project{ID: uuid.NewString(), OwnerID: ownerID, Name: name, CreatedAt: now, UpdatedAt: now}
	s.projects[project.ID] = project
	return project, nil
}

func (s *MemoryStore) RenameProject(_ context.Context, ownerID, projectID, name string) (domain.Project, error) {
	if err := validateProjectName(name); err != nil {
		return domain.Project{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.ownedProjectLocked(ownerID, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	project.Name = name
	project.UpdatedAt = s.now().UTC()
	s.projects[projectID] = project
	return project, nil
}

func (s *MemoryStore) ListProjects(_ context.Context, ownerID string) ([]domain.Project, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Project, 0)
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetProjects(_ context.Context, ownerID string, ids []string) ([]domain.Project, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Project, 0, len(ids))
	for _, id := range dedupe(ids) {
		p, ok := s.projects[id]
		if !ok {
			continue
		}
		if p.OwnerID != ownerID {
			return nil, ownerMismatch(s.logger, "project", id, ownerID)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) DeleteProject(_ context.Context, ownerID, projectID string) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ownedProjectLocked(ownerID, projectID); err != nil {
		return nil, err
	}

	deleted := make([]domain.Document, 0)
	for id, doc := range s.documents {
		if doc.ProjectID != nil && *doc.ProjectID == projectID {
			deleted = append(deleted, doc)
			delete(s.documents, id)
			delete(s.chunks, id)
		}
	}
	delete(s.projects, projectID)
	sortDocuments(deleted)
	return deleted, nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc domain.Document) (domain.Document, error) {
	if err := validateDocument(doc); err != nil {
		return domain.Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ProjectID != nil {
		if _, err := s.ownedProjectLocked(doc.OwnerID, *doc.ProjectID); err != nil {
			return domain.Document{}, err
		}
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if existing, ok := s.documents[doc.ID]; ok {
		if existing.OwnerID != doc.OwnerID {
			return domain.Document{}, ownerMismatch(s.logger, "document", doc.ID, doc.OwnerID)
		}
		return domain.Document{}, fmt.Errorf("document %s already exists: %w", doc.ID, domain.ErrInvalidInput)
	}

	now := s.now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	s.documents[doc.ID] = doc
	return doc, nil
}

func (s *MemoryStore) MarkIndexed(_ context.Context, ownerID, documentID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.ownedDocumentLocked(ownerID, documentID)
	if err != nil {
		return err
	}
	doc.ExtractedText = &text
	doc.UpdatedAt = s.now().UTC()
	s.documents[documentID] = doc
	return nil
}

func (s *MemoryStore) GetDocuments(_ context.Context, ownerID string, ids []string) ([]domain.Document, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Document, 0, len(ids))
	for _, id := range dedupe(ids) {
		doc, ok := s.documents[id]
		if !ok {
			continue
		}
		if doc.OwnerID != ownerID {
			return nil, ownerMismatch(s.logger, "document", id, ownerID)
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, ownerID string) ([]domain.Document, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Document, 0)
	for _, doc := range s.documents {
		if doc.OwnerID == ownerID {
			out = append(out, doc)
		}
	}
	sortDocuments(out)
	return out, nil
}

func (s *MemoryStore) ListDocumentIDsByProjects(_ context.Context, ownerID string, projectIDs []string) ([]string, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(projectIDs))
	for _, id := range dedupe(projectIDs) {
		if p, ok := s.projects[id]; ok && p.OwnerID != ownerID {
			return nil, ownerMismatch(s.logger, "project", id, ownerID)
		}
		wanted[id] = struct{}{}
	}

	docs := make([]domain.Document, 0)
	for _, doc := range s.documents {
		if doc.OwnerID != ownerID || doc.ProjectID == nil {
			continue
		}
		if _, ok := wanted[*doc.ProjectID]; ok {
			docs = append(docs, doc)
		}
	}
	sortDocuments(docs)

	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	return ids, nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, ownerID, documentID string) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.ownedDocumentLocked(ownerID, documentID)
	if err != nil {
		return domain.Document{}, err
	}
	delete(s.documents, documentID)
	delete(s.chunks, documentID)
	return doc, nil
}

func (s *MemoryStore) InsertChunks(_ context.Context, ownerID, documentID string, chunks []domain.Chunk) error {
	prepared, err := prepareChunks(s.logger, ownerID, documentID, chunks)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ownedDocumentLocked(ownerID, documentID); err != nil {
		return err
	}
	s.chunks[documentID] = prepared
	return nil
}

func (s *MemoryStore) QueryByOwner(_ context.Context, ownerID string) ([]domain.Chunk, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]domain.Document, 0)
	for _, doc := range s.documents {
		if doc.OwnerID == ownerID {
			docs = append(docs, doc)
		}
	}
	return s.collectLocked(docs), nil
}

func (s *MemoryStore) QueryByOwnerAndFiles(_ context.Context, ownerID string, fileIDs []string) ([]domain.Chunk, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]domain.Document, 0, len(fileIDs))
	for _, id := range dedupe(fileIDs) {
		doc, ok := s.documents[id]
		if !ok {
			continue
		}
		if doc.OwnerID != ownerID {
			return nil, ownerMismatch(s.logger, "document", id, ownerID)
		}
		docs = append(docs, doc)
	}
	return s.collectLocked(docs), nil
}

func (s *MemoryStore) DeleteByDocument(_ context.Context, ownerID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok {
		delete(s.chunks, documentID)
		return nil
	}
	if doc.OwnerID != ownerID {
		return ownerMismatch(s.logger, "document", documentID, ownerID)
	}
	delete(s.chunks, documentID)
	return nil
}

// collectLocked returns copies of the chunks of docs in document order.
func (s *MemoryStore) collectLocked(docs []domain.Document) []domain.Chunk {
	sortDocuments(docs)
	out := make([]domain.Chunk, 0)
	for _, doc := range docs {
		for _, c := range s.chunks[doc.ID] {
			c.Embedding = append([]float32(nil), c.Embedding...)
			c.Metadata = copyMetadata(c.Metadata)
			out = append(out, c)
		}
	}
	return out
}

func (s *MemoryStore) ownedProjectLocked(ownerID, projectID string) (domain.Project, error) {
	if err := requireOwner(ownerID); err != nil {
		return domain.Project{}, err
	}
	project, ok := s.projects[projectID]
	if !ok {
		return domain.Project{}, notFound("project", projectID)
	}
	if project.OwnerID != ownerID {
		return domain.Project{}, ownerMismatch(s.logger, "project", projectID, ownerID)
	}
	return project, nil
}

func (s *MemoryStore) ownedDocumentLocked(ownerID, documentID string) (domain.Document, error) {
	if err := requireOwner(ownerID); err != nil {
		return domain.Document{}, err
	}
	doc, ok := s.documents[documentID]
	if !ok {
		return domain.Document{}, notFound("document", documentID)
	}
	if doc.OwnerID != ownerID {
		return domain.Document{}, ownerMismatch(s.logger, "document", documentID, ownerID)
	}
	return doc, nil
}

func sortDocuments(docs []domain.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}
