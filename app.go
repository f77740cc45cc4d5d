package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/sales-rag/blob"
	"github.com/fabfab/sales-rag/cache"
	"github.com/fabfab/sales-rag/chat"
	"github.com/fabfab/sales-rag/config"
	"github.com/fabfab/sales-rag/database"
	"github.com/fabfab/sales-rag/embeddings"
	"github.com/fabfab/sales-rag/ingestion"
	"github.com/fabfab/sales-rag/llm"
	"github.com/fabfab/sales-rag/retrieval"
	"github.com/fabfab/sales-rag/store"
	"github.com/fabfab/sales-rag/tools"
)

// app holds every wired service for one CLI invocation.
type app struct {
	cfg    config.Config
	logger *log.Logger

	// pool is owned by the postgres store; it is kept for bulk truncation.
	pool   *pgxpool.Pool
	driver neo4j.DriverWithContext
	store  store.Store
	blobs  *blob.LocalStore

	gateway   *embeddings.Gateway
	ingestion *ingestion.Service
	searcher  *retrieval.Searcher
	chat      *chat.Service
	tools     *tools.Registry
}

func newApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		return nil, fmt.Errorf("neo4j connection: %w", err)
	}
	a.driver = driver
	if driver == nil {
		logger.Printf("knowledge graph disabled: NEO4J_URI not set")
	}

	blobs, err := blob.NewLocalStore(cfg.BlobDir, publicBaseURL(cfg.HTTPAddr), cfg.BlobSecret)
	if err != nil {
		return nil, fmt.Errorf("blob store setup: %w", err)
	}
	a.blobs = blobs

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	a.gateway = embeddings.NewGateway(embedder, cfg.Embeddings.Dimension,
		embeddings.WithBatchSize(cfg.Embeddings.BatchSize),
		embeddings.WithTimeout(cfg.Embeddings.Timeout),
		embeddings.WithRateLimit(cfg.Embeddings.RequestsPerSecond, 1),
	)

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Printf("llm setup: %v; chat and CSV sentence mapping disabled", err)
		llmClient = nil
	}
	ocr, err := llm.NewOCR(cfg)
	if err != nil {
		return nil, fmt.Errorf("ocr setup: %w", err)
	}

	var mapper ingestion.ColumnMapper
	if llmClient != nil {
		mappings := cache.NewTTL[string, map[string]string](24*time.Hour, 256)
		mapper = ingestion.NewSemanticMapper(llmClient, mappings, logger)
	}
	extractor := ingestion.NewExtractor(ocr, mapper, logger)

	a.ingestion = ingestion.NewService(a.store, a.blobs, extractor, a.gateway, a.driver, logger, ingestion.Settings{
		ChunkSize:    cfg.Chunking.Size,
		ChunkOverlap: cfg.Chunking.Overlap,
		Timeout:      cfg.Ingestion.Timeout,
		MaxFileSize:  cfg.Ingestion.MaxFileSize,
		Retry: embeddings.RetryPolicy{
			MaxAttempts:    cfg.Ingestion.MaxAttempts,
			InitialBackoff: cfg.Ingestion.InitialBackoff,
		},
		FetchAllowedHosts: cfg.Ingestion.FetchAllowedHosts,
		FetchAllowPrivate: cfg.Ingestion.FetchAllowPrivate,
	})

	a.searcher = retrieval.NewSearcher(a.store, a.gateway, logger, retrieval.Settings{
		DefaultTopK:         cfg.Retrieval.DefaultTopK,
		MaxTopK:             cfg.Retrieval.MaxTopK,
		GlobalMinSimilarity: &cfg.Retrieval.GlobalMinSimilarity,
		LocalMinSimilarity:  &cfg.Retrieval.LocalMinSimilarity,
		Timeout:             cfg.Retrieval.Timeout,
	})

	var graph chat.GraphStore
	if a.driver != nil {
		graph = chat.NewNeo4jGraphStore(a.driver)
	}
	sessions := cache.NewTTL[string, []llm.Message](cfg.Sessions.TTL, cfg.Sessions.MaxEntries)
	a.chat = chat.NewService(a.searcher, graph, llmClient, sessions, logger)

	registry, err := tools.NewRegistry(tools.NewGlobalSearchTool(a.searcher), tools.NewLocalSearchTool(a.searcher))
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	a.tools = registry

	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := database.NewPostgresPool(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres connection: %w", err)
		}
		a.pool = pool
		st, err := store.NewPostgresStore(ctx, pool, a.cfg.Embeddings.Dimension, a.logger)
		if err != nil {
			pool.Close()
			return fmt.Errorf("postgres store: %w", err)
		}
		a.store = st
	case config.StoreSQLite:
		st, err := store.NewSQLiteStore(ctx, a.cfg.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("sqlite store: %w", err)
		}
		a.store = st
	case config.StoreMemory:
		a.store = store.NewMemoryStore(a.logger)
	default:
		return fmt.Errorf("unknown store driver: %s", a.cfg.StoreDriver)
	}
	return nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Printf("close store: %v", err)
		}
	}
	if a.driver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.driver.Close(ctx); err != nil {
			a.logger.Printf("close neo4j: %v", err)
		}
	}
}

// publicBaseURL turns a listen address such as ":8080" into the base URL
// used in presigned links.
func publicBaseURL(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
