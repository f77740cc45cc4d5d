package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationsRequireDriver(t *testing.T) {
	ctx := context.Background()

	assert.EqualError(t, SyncDocument(ctx, nil, Document{ID: "doc"}), "neo4j driver is nil")
	assert.EqualError(t, DeleteDocument(ctx, nil, "owner", "doc"), "neo4j driver is nil")
	assert.EqualError(t, DeleteProject(ctx, nil, "owner", "project"), "neo4j driver is nil")
	assert.EqualError(t, RenameProject(ctx, nil, "owner", "project", "name"), "neo4j driver is nil")
	assert.EqualError(t, PurgeOwner(ctx, nil, "owner"), "neo4j driver is nil")
	assert.EqualError(t, Purge(ctx, nil), "neo4j driver is nil")

	_, err := DocumentInsights(ctx, nil, "owner", []string{"doc"})
	require.Error(t, err)
}
