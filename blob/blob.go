// Package blob stores uploaded file bytes behind an opaque key.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fabfab/sales-rag/domain"
)

// Store is the storage pointer contract the ingestion pipeline consumes.
type Store interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// LocalStore keeps blobs on the local filesystem. Presigned URLs are
// HMAC-signed paths under baseURL that expire after their ttl.
type LocalStore struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

var _ Store = (*LocalStore)(nil)

var errNoSecret = errors.New("blob store has no signing secret")

func NewLocalStore(root, baseURL, secret string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}, nil
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("encode blob metadata: %w", err)
		}
		if err := os.WriteFile(path+".meta.json", encoded, 0o644); err != nil {
			return "", fmt.Errorf("write blob metadata: %w", err)
		}
	}
	return key, nil
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	for _, p := range []string{path, path + ".meta.json"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete blob: %w", err)
		}
	}
	return nil
}

func (s *LocalStore) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := s.path(key); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", fmt.Errorf("presign ttl must be positive: %w", domain.ErrInvalidInput)
	}
	if len(s.secret) == 0 {
		return "", errNoSecret
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("key", key)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.sign(key, expires))
	return s.baseURL + "/blobs?" + q.Encode(), nil
}

// VerifyPresigned checks the signature and expiry of a presigned query.
func (s *LocalStore) VerifyPresigned(key, expires, signature string) error {
	if len(s.secret) == 0 {
		return errNoSecret
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return fmt.Errorf("parse expiry: %w", domain.ErrInvalidInput)
	}
	if !hmac.Equal([]byte(signature), []byte(s.sign(key, exp))) {
		return fmt.Errorf("bad signature: %w", domain.ErrInvalidInput)
	}
	if s.now().Unix() > exp {
		return fmt.Errorf("presigned url expired: %w", domain.ErrInvalidInput)
	}
	return nil
}

func (s *LocalStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// path maps key to a file under root, rejecting keys that escape it.
func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if key == "" || clean == string(filepath.Separator) || strings.HasSuffix(key, ".meta.json") {
		return "", fmt.Errorf("invalid blob key %q: %w", key, domain.ErrInvalidInput)
	}
	return filepath.Join(s.root, clean), nil
}
