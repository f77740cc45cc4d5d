// Package knowledge mirrors owners, projects and documents into a Neo4j graph
// so related material can be surfaced next to search results.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Document is the graph view of an indexed document.
type Document struct {
	ID          string
	OwnerID     string
	Name        string
	FileType    string
	ProjectID   string
	ProjectName string
	Integration string
	ChunkCount  int
}

// RelatedDocument is another document in the same project.
type RelatedDocument struct {
	ID   string
	Name string
}

// Insight summarises a document's neighbourhood in the graph.
type Insight struct {
	ChunkCount       int
	ProjectName      string
	Integration      string
	RelatedDocuments []RelatedDocument
}

func SyncDocument(ctx context.Context, driver neo4j.DriverWithContext, doc Document) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"id":           doc.ID,
		"owner_id":     doc.OwnerID,
		"name":         doc.Name,
		"file_type":    doc.FileType,
		"project_id":   doc.ProjectID,
		"project_name": doc.ProjectName,
		"integration":  doc.Integration,
		"chunk_count":  doc.ChunkCount,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (o:Owner {id: $owner_id})
			MERGE (d:Document {id: $id})
			SET d.owner_id = $owner_id,
			    d.name = $name,
			    d.file_type = $file_type,
			    d.chunk_count = $chunk_count,
			    d.updated_at = datetime()
			MERGE (o)-[:OWNS]->(d)
		`, params); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[r:IN_PROJECT]->(:Project)
			DELETE r
		`, params); err != nil {
			return nil, fmt.Errorf("remove stale project relation: %w", err)
		}
		if doc.ProjectID != "" {
			if _, err := tx.Run(ctx, `
				MATCH (o:Owner {id: $owner_id}), (d:Document {id: $id})
				MERGE (p:Project {id: $project_id})
				SET p.owner_id = $owner_id,
				    p.name = $project_name
				MERGE (o)-[:OWNS]->(p)
				MERGE (d)-[:IN_PROJECT]->(p)
			`, params); err != nil {
				return nil, fmt.Errorf("upsert project relation: %w", err)
			}
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[r:FROM_INTEGRATION]->(:Integration)
			DELETE r
		`, params); err != nil {
			return nil, fmt.Errorf("remove stale integration relation: %w", err)
		}
		if doc.Integration != "" {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $id})
				MERGE (i:Integration {name: $integration})
				MERGE (d)-[:FROM_INTEGRATION]->(i)
			`, params); err != nil {
				return nil, fmt.Errorf("upsert integration relation: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// DeleteDocument removes a document node owned by ownerID.
func DeleteDocument(ctx context.Context, driver neo4j.DriverWithContext, ownerID, documentID string) error {
	return write(ctx, driver, `
		MATCH (d:Document {id: $id, owner_id: $owner_id})
		DETACH DELETE d
	`, map[string]any{"id": documentID, "owner_id": ownerID})
}

// DeleteProject removes a project node and its documents.
func DeleteProject(ctx context.Context, driver neo4j.DriverWithContext, ownerID, projectID string) error {
	return write(ctx, driver, `
		MATCH (p:Project {id: $id, owner_id: $owner_id})
		OPTIONAL MATCH (d:Document)-[:IN_PROJECT]->(p)
		DETACH DELETE d, p
	`, map[string]any{"id": projectID, "owner_id": ownerID})
}

// RenameProject updates a project node's display name.
func RenameProject(ctx context.Context, driver neo4j.DriverWithContext, ownerID, projectID, name string) error {
	return write(ctx, driver, `
		MATCH (p:Project {id: $id, owner_id: $owner_id})
		SET p.name = $name
	`, map[string]any{"id": projectID, "owner_id": ownerID, "name": name})
}

// PurgeOwner removes every node belonging to ownerID.
func PurgeOwner(ctx context.Context, driver neo4j.DriverWithContext, ownerID string) error {
	return write(ctx, driver, `
		MATCH (o:Owner {id: $owner_id})
		OPTIONAL MATCH (o)-[:OWNS]->(n)
		DETACH DELETE n, o
	`, map[string]any{"owner_id": ownerID})
}

// Purge removes all owner, project, document and integration nodes.
func Purge(ctx context.Context, driver neo4j.DriverWithContext) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		"MATCH (d:Document) DETACH DELETE d",
		"MATCH (p:Project) DETACH DELETE p",
		"MATCH (o:Owner) DETACH DELETE o",
		"MATCH (i:Integration) DETACH DELETE i",
	}
	for _, query := range queries {
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return err
		}
		if _, err := result.Consume(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DocumentInsights reads chunk counts, project names and project siblings for
// the given documents of ownerID.
func DocumentInsights(ctx context.Context, driver neo4j.DriverWithContext, ownerID string, docIDs []string) (map[string]Insight, error) {
	if driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(docIDs) == 0 {
		return map[string]Insight{}, nil
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (d:Document)
		WHERE d.id IN $ids AND d.owner_id = $owner_id
		OPTIONAL MATCH (d)-[:IN_PROJECT]->(p:Project)
		OPTIONAL MATCH (p)<-[:IN_PROJECT]-(related:Document)
		OPTIONAL MATCH (d)-[:FROM_INTEGRATION]->(i:Integration)
		WITH d, p, i, collect(DISTINCT related) AS relatedNodes
		RETURN d.id AS id,
		       coalesce(d.chunk_count, 0) AS chunkCount,
		       coalesce(p.name, '') AS projectName,
		       coalesce(i.name, '') AS integration,
		       [r IN relatedNodes WHERE r.id <> d.id | {id: r.id, name: r.name}] AS related
	`, map[string]any{"ids": docIDs, "owner_id": ownerID})
	if err != nil {
		return nil, fmt.Errorf("query document insights: %w", err)
	}

	insights := make(map[string]Insight, len(docIDs))
	for result.Next(ctx) {
		record := result.Record()
		id, _, err := neo4j.GetRecordValue[string](record, "id")
		if err != nil {
			return nil, fmt.Errorf("read document id: %w", err)
		}
		chunkCount, _, _ := neo4j.GetRecordValue[int64](record, "chunkCount")
		projectName, _, _ := neo4j.GetRecordValue[string](record, "projectName")
		integration, _, _ := neo4j.GetRecordValue[string](record, "integration")

		insight := Insight{ChunkCount: int(chunkCount), ProjectName: projectName, Integration: integration}
		if rawRelated, ok := record.Get("related"); ok {
			if items, ok := rawRelated.([]any); ok {
				for _, item := range items {
					m, ok := item.(map[string]any)
					if !ok {
						continue
					}
					relatedID, _ := m["id"].(string)
					name, _ := m["name"].(string)
					insight.RelatedDocuments = append(insight.RelatedDocuments, RelatedDocument{ID: relatedID, Name: name})
				}
			}
		}
		insights[id] = insight
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate document insights: %w", err)
	}
	return insights, nil
}

func write(ctx context.Context, driver neo4j.DriverWithContext, query string, params map[string]any) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	return err
}
