// Package store persists projects, documents and embedded chunks. Every read
// and write is scoped by an owner id; touching another owner's rows fails with
// *domain.OwnerMismatchError.
package store

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/fabfab/sales-rag/domain"
)

// ChunkStore holds embedded chunks.
type ChunkStore interface {
	// InsertChunks replaces the chunks of one document. Either all rows become
	// visible or none do.
	InsertChunks(ctx context.Context, ownerID, documentID string, chunks []domain.Chunk) error
	QueryByOwner(ctx context.Context, ownerID string) ([]domain.Chunk, error)
	QueryByOwnerAndFiles(ctx context.Context, ownerID string, fileIDs []string) ([]domain.Chunk, error)
	DeleteByDocument(ctx context.Context, ownerID, documentID string) error
}

// DocumentStore holds document records.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error)
	MarkIndexed(ctx context.Context, ownerID, documentID, text string) error
	// GetDocuments returns the requested documents that still exist.
	GetDocuments(ctx context.Context, ownerID string, ids []string) ([]domain.Document, error)
	ListDocuments(ctx context.Context, ownerID string) ([]domain.Document, error)
	ListDocumentIDsByProjects(ctx context.Context, ownerID string, projectIDs []string) ([]string, error)
	// DeleteDocument removes a document and its chunks and returns the
	// deleted record.
	DeleteDocument(ctx context.Context, ownerID, documentID string) (domain.Document, error)
}

// ProjectStore holds projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, ownerID, name string) (domain.Project, error)
	RenameProject(ctx context.Context, ownerID, projectID, name string) (domain.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error)
	GetProjects(ctx context.Context, ownerID string, ids []string) ([]domain.Project, error)
	// DeleteProject removes a project with its documents and chunks and
	// returns the deleted documents.
	DeleteProject(ctx context.Context, ownerID, projectID string) ([]domain.Document, error)
}

// Store is the full persistence surface.
type Store interface {
	ChunkStore
	DocumentStore
	ProjectStore
	Close() error
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("owner id is required: %w", domain.ErrInvalidInput)
	}
	return nil
}

func validateDocument(doc domain.Document) error {
	if err := requireOwner(doc.OwnerID); err != nil {
		return err
	}
	if strings.TrimSpace(doc.Name) == "" {
		return fmt.Errorf("document name is required: %w", domain.ErrInvalidInput)
	}
	return nil
}

func validateProjectName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("project name is required: %w", domain.ErrInvalidInput)
	}
	return nil
}

// prepareChunks checks ownership and vectors and returns copies bound to the
// document, in order.
func prepareChunks(logger *log.Logger, ownerID, documentID string, chunks []domain.Chunk) ([]domain.Chunk, error) {
	out := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		if c.OwnerID != "" && c.OwnerID != ownerID {
			return nil, ownerMismatch(logger, "chunk", c.ID, ownerID)
		}
		if c.DocumentID != "" && c.DocumentID != documentID {
			return nil, fmt.Errorf("chunk %d belongs to document %s: %w", i, c.DocumentID, domain.ErrInvalidInput)
		}
		if len(c.Embedding) == 0 {
			return nil, fmt.Errorf("chunk %d has no embedding: %w", i, domain.ErrInvalidInput)
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.OwnerID = ownerID
		c.DocumentID = documentID
		c.Embedding = append([]float32(nil), c.Embedding...)
		c.Metadata = copyMetadata(c.Metadata)
		out[i] = c
	}
	return out, nil
}

func ownerMismatch(logger *log.Logger, resource, id, ownerID string) error {
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("security: owner %s attempted to access %s %s owned by another owner", ownerID, resource, id)
	return &domain.OwnerMismatchError{Resource: resource, ID: id, OwnerID: ownerID}
}

func notFound(resource, id string) error {
	return fmt.Errorf("%s %s: %w", resource, id, domain.ErrNotFound)
}

func copyMetadata(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
