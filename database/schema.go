package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureRAGSchema creates the projects, documents and chunks tables. The
// embedding column is fixed to the deployment's vector dimension.
func EnsureRAGSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS rag_projects (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES rag_documents(id) ON DELETE CASCADE,
			owner_id TEXT NOT NULL,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(document_id, chunk_index)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_rag_projects_owner ON rag_projects(owner_id)",
		"CREATE INDEX IF NOT EXISTS idx_rag_documents_owner ON rag_documents(owner_id)",
		"CREATE INDEX IF NOT EXISTS idx_rag_documents_project ON rag_documents(owner_id, project_id)",
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_owner ON rag_chunks(owner_id)",
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_document ON rag_chunks(document_id)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}

// TruncateRAGData removes every project, document and chunk.
func TruncateRAGData(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, "TRUNCATE rag_chunks, rag_documents, rag_projects"); err != nil {
		return fmt.Errorf("truncate rag tables: %w", err)
	}
	return nil
}
