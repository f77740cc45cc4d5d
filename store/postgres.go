package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/sales-rag/database"
	"github.com/fabfab/sales-rag/domain"
)

// PostgresStore keeps rows in Postgres with embeddings in a pgvector column.
// Candidate chunks are materialised and ranked in process.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore ensures the schema exists and returns a store over pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, dimension int, logger *log.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := database.EnsureRAGSchema(ctx, pool, dimension); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const projectColumns = "id, owner_id, name, created_at, updated_at"

func scanProject(row pgx.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) CreateProject(ctx context.Context, ownerID, name string) (domain.Project, error) {
	if err := requireOwner(ownerID); err != nil {
		return domain.Project{}, err
	}
	if err := validateProjectName(name); err != nil {
		return domain.Project{}, err
	}

	now := time.Now().UTC()
	p := domain.Project{ID: uuid.NewString(), OwnerID: ownerID, Name: name, CreatedAt: now, UpdatedAt: now}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO rag_projects (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.OwnerID, p.Name, p.CreatedAt, p.UpdatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) RenameProject(ctx context.Context, ownerID, projectID, name string) (domain.Project, error) {
	if err := validateProjectName(name); err != nil {
		return domain.Project{}, err
	}
	if err := s.checkOwner(ctx, s.pool, "project", "rag_projects", ownerID, projectID); err != nil {
		return domain.Project{}, err
	}

	p, err := scanProject(s.pool.QueryRow(ctx, `
		UPDATE rag_projects SET name = $3, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2
		RETURNING `+projectColumns, projectID, ownerID, name))
	if err != nil {
		return domain.Project{}, fmt.Errorf("rename project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	return s.queryProjects(ctx, `SELECT `+projectColumns+` FROM rag_projects WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
}

func (s *PostgresStore) GetProjects(ctx context.Context, ownerID string, ids []string) ([]domain.Project, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	ids = dedupe(ids)
	if err := s.checkForeign(ctx, s.pool, "project", "rag_projects", ownerID, ids); err != nil {
		return nil, err
	}
	return s.queryProjects(ctx, `SELECT `+projectColumns+` FROM rag_projects WHERE owner_id = $1 AND id = ANY($2) ORDER BY created_at, id`, ownerID, ids)
}

func (s *PostgresStore) queryProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteProject(ctx context.Context, ownerID, projectID string) (deleted []domain.Document, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer s.rollback(ctx, tx, &err)

	if err = s.checkOwner(ctx, tx, "project", "rag_projects", ownerID, projectID); err != nil {
		return nil, err
	}
	deleted, err = s.queryDocuments(ctx, tx, `SELECT `+documentColumns+` FROM rag_documents WHERE owner_id = $1 AND project_id = $2 ORDER BY created_at, id`, ownerID, projectID)
	if err != nil {
		return nil, err
	}
	if _, err = tx.Exec(ctx, "DELETE FROM rag_projects WHERE id = $1 AND owner_id = $2", projectID, ownerID); err != nil {
		return nil, fmt.Errorf("delete project: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return deleted, nil
}

const documentColumns = "id, owner_id, project_id, name, file_type, storage_key, extracted_text, integration_name, integration_logo, created_at, updated_at"

func scanDocument(row pgx.Row) (domain.Document, error) {
	var (
		doc             domain.Document
		integrationName *string
		integrationLogo *string
	)
	if err := row.Scan(&doc.ID, &doc.OwnerID, &doc.ProjectID, &doc.Name, &doc.FileType, &doc.StorageKey,
		&doc.ExtractedText, &integrationName, &integrationLogo, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return domain.Document{}, err
	}
	if integrationName != nil {
		doc.Integration = &domain.Integration{Name: *integrationName}
		if integrationLogo != nil {
			doc.Integration.Logo = *integrationLogo
		}
	}
	return doc, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if err := validateDocument(doc); err != nil {
		return domain.Document{}, err
	}
	if doc.ProjectID != nil {
		if err := s.checkOwner(ctx, s.pool, "project", "rag_projects", doc.OwnerID, *doc.ProjectID); err != nil {
			return domain.Document{}, err
		}
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	var integrationName, integrationLogo *string
	if doc.Integration != nil {
		integrationName, integrationLogo = &doc.Integration.Name, &doc.Integration.Logo
	}

	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO rag_documents (id, owner_id, project_id, name, file_type, storage_key, extracted_text, integration_name, integration_logo, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, doc.ID, doc.OwnerID, doc.ProjectID, doc.Name, doc.FileType, doc.StorageKey, doc.ExtractedText,
		integrationName, integrationLogo, doc.CreatedAt, doc.UpdatedAt); err != nil {
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) MarkIndexed(ctx context.Context, ownerID, documentID, text string) error {
	if err := s.checkOwner(ctx, s.pool, "document", "rag_documents", ownerID, documentID); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE rag_documents SET extracted_text = $3, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2
	`, documentID, ownerID, text); err != nil {
		return fmt.Errorf("mark document indexed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocuments(ctx context.Context, ownerID string, ids []string) ([]domain.Document, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	ids = dedupe(ids)
	if err := s.checkForeign(ctx, s.pool, "document", "rag_documents", ownerID, ids); err != nil {
		return nil, err
	}
	return s.queryDocuments(ctx, s.pool, `SELECT `+documentColumns+` FROM rag_documents WHERE owner_id = $1 AND id = ANY($2) ORDER BY created_at, id`, ownerID, ids)
}

func (s *PostgresStore) ListDocuments(ctx context.Context, ownerID string) ([]domain.Document, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	return s.queryDocuments(ctx, s.pool, `SELECT `+documentColumns+` FROM rag_documents WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
}

func (s *PostgresStore) ListDocumentIDsByProjects(ctx context.Context, ownerID string, projectIDs []string) ([]string, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	projectIDs = dedupe(projectIDs)
	if err := s.checkForeign(ctx, s.pool, "project", "rag_projects", ownerID, projectIDs); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM rag_documents
		WHERE owner_id = $1 AND project_id = ANY($2)
		ORDER BY created_at, id
	`, ownerID, projectIDs)
	if err != nil {
		return nil, fmt.Errorf("query project documents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan project documents: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, ownerID, documentID string) (domain.Document, error) {
	if err := s.checkOwner(ctx, s.pool, "document", "rag_documents", ownerID, documentID); err != nil {
		return domain.Document{}, err
	}
	doc, err := scanDocument(s.pool.QueryRow(ctx, `
		DELETE FROM rag_documents WHERE id = $1 AND owner_id = $2
		RETURNING `+documentColumns, documentID, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Document{}, notFound("document", documentID)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("delete document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) queryDocuments(ctx context.Context, q querier, query string, args ...any) ([]domain.Document, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// InsertChunks replaces a document's chunks inside one transaction.
func (s *PostgresStore) InsertChunks(ctx context.Context, ownerID, documentID string, chunks []domain.Chunk) (err error) {
	prepared, err := prepareChunks(s.logger, ownerID, documentID, chunks)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer s.rollback(ctx, tx, &err)

	var owner string
	err = tx.QueryRow(ctx, "SELECT owner_id FROM rag_documents WHERE id = $1 FOR UPDATE", documentID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("document", documentID)
	}
	if err != nil {
		return fmt.Errorf("lock document: %w", err)
	}
	if owner != ownerID {
		return ownerMismatch(s.logger, "document", documentID, ownerID)
	}

	if _, err = tx.Exec(ctx, "DELETE FROM rag_chunks WHERE document_id = $1", documentID); err != nil {
		return fmt.Errorf("clear existing chunks: %w", err)
	}

	batch := &pgx.Batch{}
	for idx, c := range prepared {
		metadata := c.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		batch.Queue(`
			INSERT INTO rag_chunks (id, document_id, owner_id, chunk_index, content, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, c.ID, documentID, ownerID, idx, c.Content, pgvector.NewVector(c.Embedding), metadata)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const chunkQuery = `SELECT rc.id, rc.document_id, rc.owner_id, rc.content, rc.embedding::text, rc.metadata
	FROM rag_chunks rc
	JOIN rag_documents rd ON rd.id = rc.document_id
	WHERE rc.owner_id = $1 AND rd.owner_id = $1`

func (s *PostgresStore) QueryByOwner(ctx context.Context, ownerID string) ([]domain.Chunk, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	return s.queryChunks(ctx, chunkQuery+` ORDER BY rd.created_at, rd.id, rc.chunk_index`, ownerID)
}

func (s *PostgresStore) QueryByOwnerAndFiles(ctx context.Context, ownerID string, fileIDs []string) ([]domain.Chunk, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	fileIDs = dedupe(fileIDs)
	if err := s.checkForeign(ctx, s.pool, "document", "rag_documents", ownerID, fileIDs); err != nil {
		return nil, err
	}
	return s.queryChunks(ctx, chunkQuery+` AND rc.document_id = ANY($2) ORDER BY rd.created_at, rd.id, rc.chunk_index`, ownerID, fileIDs)
}

func (s *PostgresStore) queryChunks(ctx context.Context, query string, args ...any) ([]domain.Chunk, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Chunk, 0)
	for rows.Next() {
		var (
			c   domain.Chunk
			vec pgvector.Vector
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.OwnerID, &c.Content, &vec, &c.Metadata); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Embedding = vec.Slice()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteByDocument(ctx context.Context, ownerID, documentID string) error {
	err := s.checkOwner(ctx, s.pool, "document", "rag_documents", ownerID, documentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM rag_chunks WHERE document_id = $1 AND owner_id = $2", documentID, ownerID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// checkOwner fails with ErrNotFound or OwnerMismatch unless id in table
// belongs to ownerID.
func (s *PostgresStore) checkOwner(ctx context.Context, q querier, resource, table, ownerID, id string) error {
	if err := requireOwner(ownerID); err != nil {
		return err
	}
	var owner string
	err := q.QueryRow(ctx, "SELECT owner_id FROM "+table+" WHERE id = $1", id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(resource, id)
	}
	if err != nil {
		return fmt.Errorf("look up %s: %w", resource, err)
	}
	if owner != ownerID {
		return ownerMismatch(s.logger, resource, id, ownerID)
	}
	return nil
}

// checkForeign fails when any of ids exists under another owner.
func (s *PostgresStore) checkForeign(ctx context.Context, q querier, resource, table, ownerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	var foreign string
	err := q.QueryRow(ctx, "SELECT id FROM "+table+" WHERE id = ANY($1) AND owner_id <> $2 LIMIT 1", ids, ownerID).Scan(&foreign)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check %s ownership: %w", resource, err)
	}
	return ownerMismatch(s.logger, resource, foreign, ownerID)
}

func (s *PostgresStore) rollback(ctx context.Context, tx pgx.Tx, err *error) {
	if *err == nil {
		return
	}
	if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
		s.logger.Printf("rollback error: %v", rbErr)
	}
}
