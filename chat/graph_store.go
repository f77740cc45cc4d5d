package chat

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/sales-rag/knowledge"
)

// GraphStore supplies per-document context from the knowledge graph.
type GraphStore interface {
	DocumentInsights(ctx context.Context, ownerID string, docIDs []string) (map[string]knowledge.Insight, error)
}

type Neo4jGraphStore struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jGraphStore(driver neo4j.DriverWithContext) *Neo4jGraphStore {
	return &Neo4jGraphStore{driver: driver}
}

func (s *Neo4jGraphStore) DocumentInsights(ctx context.Context, ownerID string, docIDs []string) (map[string]knowledge.Insight, error) {
	if s.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(docIDs) == 0 {
		return map[string]knowledge.Insight{}, nil
	}
	return knowledge.DocumentInsights(ctx, s.driver, ownerID, docIDs)
}

var _ GraphStore = (*Neo4jGraphStore)(nil)
