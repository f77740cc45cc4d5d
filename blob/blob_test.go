package blob

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/sales-rag/domain"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir(), "http://localhost:8080", "secret")
	require.NoError(t, err)

	key, err := store.Put(ctx, "owner-1/doc/report.txt", []byte("hello"), map[string]string{"mime": "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, "owner-1/doc/report.txt", key)

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))

	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root, "", "secret")
	require.NoError(t, err)

	path, err := store.path("../../etc/passwd")
	require.NoError(t, err)
	assert.Contains(t, path, root)

	_, err = store.Put(context.Background(), "", []byte("x"), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPresignAndVerify(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store, err := NewLocalStore(t.TempDir(), "http://files.local/", "secret")
	require.NoError(t, err)
	store.now = func() time.Time { return now }

	raw, err := store.Presign(context.Background(), "owner-1/a.pdf", time.Minute)
	require.NoError(t, err)

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/blobs", parsed.Path)
	q := parsed.Query()
	assert.Equal(t, "owner-1/a.pdf", q.Get("key"))

	require.NoError(t, store.VerifyPresigned(q.Get("key"), q.Get("expires"), q.Get("signature")))
	assert.ErrorIs(t, store.VerifyPresigned("owner-2/a.pdf", q.Get("expires"), q.Get("signature")), domain.ErrInvalidInput)

	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, store.VerifyPresigned(q.Get("key"), q.Get("expires"), q.Get("signature")), domain.ErrInvalidInput)
}

func TestPresignRequiresSecret(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "http://files.local", "")
	require.NoError(t, err)

	_, err = store.Presign(context.Background(), "owner-1/a.pdf", time.Minute)
	require.ErrorIs(t, err, errNoSecret)
	assert.ErrorIs(t, store.VerifyPresigned("owner-1/a.pdf", "9999999999", "00"), errNoSecret)
}
