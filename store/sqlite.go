package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fabfab/sales-rag/domain"
)

// SQLiteStore is a single-file store for local deployments. Embeddings are
// stored as little-endian float32 blobs.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

var _ Store = (*SQLiteStore)(nil)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS rag_projects (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rag_documents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		project_id TEXT REFERENCES rag_projects(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		file_type TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		extracted_text TEXT,
		integration_name TEXT,
		integration_logo TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rag_chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES rag_documents(id) ON DELETE CASCADE,
		owner_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		UNIQUE(document_id, chunk_index)
	)`,
	"CREATE INDEX IF NOT EXISTS idx_rag_projects_owner ON rag_projects(owner_id)",
	"CREATE INDEX IF NOT EXISTS idx_rag_documents_owner ON rag_documents(owner_id, project_id)",
	"CREATE INDEX IF NOT EXISTS idx_rag_chunks_owner ON rag_chunks(owner_id, document_id)",
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string, logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) CreateProject(ctx context.Context, ownerID, name string) (domain.Project, error) {
	if err := requireOwner(ownerID); err != nil {
		return domain.Project{}, err
	}
	if err := validateProjectName(name); err != nil {
		return domain.Project{}, err
	}

	now := time.Now().UTC()
	p := domain.Project{ID: uuid.NewString(), OwnerID: ownerID, Name: name, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO rag_projects (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.OwnerID, p.Name, now.UnixNano(), now.UnixNano()); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) RenameProject(ctx context.Context, ownerID, projectID, name string) (domain.Project, error) {
	if err := validateProjectName(name); err != nil {
		return domain.Project{}, err
	}
	if err := s.checkOwner(ctx, s.db, "project", "rag_projects", ownerID, projectID); err != nil {
		return domain.Project{}, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE rag_projects SET name = ?, updated_at = ? WHERE id = ? AND owner_id = ?
	`, name, time.Now().UTC().UnixNano(), projectID, ownerID); err != nil {
		return domain.Project{}, fmt.Errorf("rename project: %w", err)
	}
	projects, err := s.GetProjects(ctx, ownerID, []string{projectID})
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, notFound("project", projectID)
	}
	return projects[0], nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	return s.queryProjects(ctx, "SELECT id, owner_id, name, created_at, updated_at FROM rag_projects WHERE owner_id = ? ORDER BY created_at, id", ownerID)
}

func (s *SQLiteStore) GetProjects(ctx context.Context, ownerID string, ids []string) ([]domain.Project, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return []domain.Project{}, nil
	}
	if err := s.checkForeign(ctx, s.db, "project", "rag_projects", ownerID, ids); err != nil {
		return nil, err
	}
	in, args := inClause(ownerID, ids)
	return s.queryProjects(ctx, "SELECT id, owner_id, name, created_at, updated_at FROM rag_projects WHERE owner_id = ? AND id IN "+in+" ORDER BY created_at, id", args...)
}

func (s *SQLiteStore) queryProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Project, 0)
	for rows.Next() {
		var (
			p                domain.Project
			created, updated int64
		)
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, ownerID, projectID string) (deleted []domain.Document, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer s.rollback(tx, &err)

	if err = s.checkOwner(ctx, tx, "project", "rag_projects", ownerID, projectID); err != nil {
		return nil, err
	}
	deleted, err = s.queryDocuments(ctx, tx, "SELECT "+documentColumns+" FROM rag_documents WHERE owner_id = ? AND project_id = ? ORDER BY created_at, id", ownerID, projectID)
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM rag_projects WHERE id = ? AND owner_id = ?", projectID, ownerID); err != nil {
		return nil, fmt.Errorf("delete project: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return deleted, nil
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if err := validateDocument(doc); err != nil {
		return domain.Document{}, err
	}
	if doc.ProjectID != nil {
		if err := s.checkOwner(ctx, s.db, "project", "rag_projects", doc.OwnerID, *doc.ProjectID); err != nil {
			return domain.Document{}, err
		}
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	var integrationName, integrationLogo sql.NullString
	if doc.Integration != nil {
		integrationName = sql.NullString{String: doc.Integration.Name, Valid: true}
		integrationLogo = sql.NullString{String: doc.Integration.Logo, Valid: true}
	}

	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO rag_documents (id, owner_id, project_id, name, file_type, storage_key, extracted_text, integration_name, integration_logo, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.OwnerID, nullString(doc.ProjectID), doc.Name, doc.FileType, doc.StorageKey, nullString(doc.ExtractedText),
		integrationName, integrationLogo, now.UnixNano(), now.UnixNano()); err != nil {
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) MarkIndexed(ctx context.Context, ownerID, documentID, text string) error {
	if err := s.checkOwner(ctx, s.db, "document", "rag_documents", ownerID, documentID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE rag_documents SET extracted_text = ?, updated_at = ? WHERE id = ? AND owner_id = ?
	`, text, time.Now().UTC().UnixNano(), documentID, ownerID); err != nil {
		return fmt.Errorf("mark document indexed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDocuments(ctx context.Context, ownerID string, ids []string) ([]domain.Document, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return []domain.Document{}, nil
	}
	if err := s.checkForeign(ctx, s.db, "document", "rag_documents", ownerID, ids); err != nil {
		return nil, err
	}
	in, args := inClause(ownerID, ids)
	return s.queryDocuments(ctx, s.db, "SELECT "+documentColumns+" FROM rag_documents WHERE owner_id = ? AND id IN "+in+" ORDER BY created_at, id", args...)
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, ownerID string) ([]domain.Document, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	return s.queryDocuments(ctx, s.db, "SELECT "+documentColumns+" FROM rag_documents WHERE owner_id = ? ORDER BY created_at, id", ownerID)
}

func (s *SQLiteStore) ListDocumentIDsByProjects(ctx context.Context, ownerID string, projectIDs []string) ([]string, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	projectIDs = dedupe(projectIDs)
	if len(projectIDs) == 0 {
		return []string{}, nil
	}
	if err := s.checkForeign(ctx, s.db, "project", "rag_projects", ownerID, projectIDs); err != nil {
		return nil, err
	}

	in, args := inClause(ownerID, projectIDs)
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM rag_documents WHERE owner_id = ? AND project_id IN "+in+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("query project documents: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project document: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, ownerID, documentID string) (doc domain.Document, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, fmt.Errorf("begin tx: %w", err)
	}
	defer s.rollback(tx, &err)

	if err = s.checkOwner(ctx, tx, "document", "rag_documents", ownerID, documentID); err != nil {
		return domain.Document{}, err
	}
	docs, err := s.queryDocuments(ctx, tx, "SELECT "+documentColumns+" FROM rag_documents WHERE id = ? AND owner_id = ?", documentID, ownerID)
	if err != nil {
		return domain.Document{}, err
	}
	if len(docs) == 0 {
		err = notFound("document", documentID)
		return domain.Document{}, err
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM rag_documents WHERE id = ? AND owner_id = ?", documentID, ownerID); err != nil {
		return domain.Document{}, fmt.Errorf("delete document: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return domain.Document{}, fmt.Errorf("commit transaction: %w", err)
	}
	return docs[0], nil
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, q sqlQuerier, query string, args ...any) ([]domain.Document, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		var (
			doc                                               domain.Document
			projectID, text, integrationName, integrationLogo sql.NullString
			created, updated                                  int64
		)
		if err := rows.Scan(&doc.ID, &doc.OwnerID, &projectID, &doc.Name, &doc.FileType, &doc.StorageKey,
			&text, &integrationName, &integrationLogo, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if projectID.Valid {
			doc.ProjectID = &projectID.String
		}
		if text.Valid {
			doc.ExtractedText = &text.String
		}
		if integrationName.Valid {
			doc.Integration = &domain.Integration{Name: integrationName.String, Logo: integrationLogo.String}
		}
		doc.CreatedAt, doc.UpdatedAt = fromNanos(created), fromNanos(updated)
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertChunks(ctx context.Context, ownerID, documentID string, chunks []domain.Chunk) (err error) {
	prepared, err := prepareChunks(s.logger, ownerID, documentID, chunks)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer s.rollback(tx, &err)

	if err = s.checkOwner(ctx, tx, "document", "rag_documents", ownerID, documentID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM rag_chunks WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("clear existing chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rag_chunks (id, document_id, owner_id, chunk_index, content, embedding, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for idx, c := range prepared {
		metadata, marshalErr := json.Marshal(c.Metadata)
		if marshalErr != nil {
			err = fmt.Errorf("encode chunk %d metadata: %w", idx, marshalErr)
			return err
		}
		if c.Metadata == nil {
			metadata = []byte("{}")
		}
		if _, err = stmt.ExecContext(ctx, c.ID, documentID, ownerID, idx, c.Content, encodeVector(c.Embedding), string(metadata)); err != nil {
			return fmt.Errorf("insert chunk %d: %w", idx, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const sqliteChunkQuery = `SELECT rc.id, rc.document_id, rc.owner_id, rc.content, rc.embedding, rc.metadata
	FROM rag_chunks rc
	JOIN rag_documents rd ON rd.id = rc.document_id
	WHERE rc.owner_id = ? AND rd.owner_id = rc.owner_id`

func (s *SQLiteStore) QueryByOwner(ctx context.Context, ownerID string) ([]domain.Chunk, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	return s.queryChunks(ctx, sqliteChunkQuery+" ORDER BY rd.created_at, rd.id, rc.chunk_index", ownerID)
}

func (s *SQLiteStore) QueryByOwnerAndFiles(ctx context.Context, ownerID string, fileIDs []string) ([]domain.Chunk, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	fileIDs = dedupe(fileIDs)
	if len(fileIDs) == 0 {
		return []domain.Chunk{}, nil
	}
	if err := s.checkForeign(ctx, s.db, "document", "rag_documents", ownerID, fileIDs); err != nil {
		return nil, err
	}
	in, args := inClause(ownerID, fileIDs)
	return s.queryChunks(ctx, sqliteChunkQuery+" AND rc.document_id IN "+in+" ORDER BY rd.created_at, rd.id, rc.chunk_index", args...)
}

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, args ...any) ([]domain.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Chunk, 0)
	for rows.Next() {
		var (
			c        domain.Chunk
			vec      []byte
			metadata string
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.OwnerID, &c.Content, &vec, &metadata); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Embedding = decodeVector(vec)
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
				return nil, fmt.Errorf("decode chunk metadata: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteByDocument(ctx context.Context, ownerID, documentID string) error {
	err := s.checkOwner(ctx, s.db, "document", "rag_documents", ownerID, documentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM rag_chunks WHERE document_id = ? AND owner_id = ?", documentID, ownerID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOwner(ctx context.Context, q sqlQuerier, resource, table, ownerID, id string) error {
	if err := requireOwner(ownerID); err != nil {
		return err
	}
	var owner string
	err := q.QueryRowContext(ctx, "SELECT owner_id FROM "+table+" WHERE id = ?", id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) checkForeign(ctx context.Context, q sqlQuerier, resource, table, ownerID string, ids []string) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, ownerID)

	var foreign string
	err := q.QueryRowContext(ctx, "SELECT id FROM "+table+" WHERE id IN ("+placeholders+") AND owner_id <> ? LIMIT 1", args...).Scan(&foreign)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check %s ownership: %w", resource, err)
	}
	return ownerMismatch(s.logger, resource, foreign, ownerID)
}

func (s *SQLiteStore) rollback(tx *sql.Tx, err *error) {
	if *err == nil {
		return
	}
	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		s.logger.Printf("rollback error: %v", rbErr)
	}
}

// inClause renders "(?,?,...)" for ids and returns ownerID followed by ids as
// query arguments.
func inClause(ownerID string, ids []string) (string, []any) {
	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
