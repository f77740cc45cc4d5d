package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/sales-rag/blob"
	"github.com/fabfab/sales-rag/cache"
	"github.com/fabfab/sales-rag/chat"
	"github.com/fabfab/sales-rag/config"
	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/embeddings"
	"github.com/fabfab/sales-rag/ingestion"
	"github.com/fabfab/sales-rag/llm"
	"github.com/fabfab/sales-rag/retrieval"
	"github.com/fabfab/sales-rag/store"
	"github.com/fabfab/sales-rag/tools"
)

var quietLogger = log.New(io.Discard, "", 0)

// constantEmbedder maps every text to the same vector, so every stored chunk
// matches every query.
type constantEmbedder struct{}

var _ embeddings.Embedder = constantEmbedder{}

func (constantEmbedder) Embed(_ context.Context, req embeddings.Request) ([][]float32, error) {
	out := make([][]float32, len(req.Texts))
	for i := range req.Texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type echoLLM struct{}

var _ llm.Client = echoLLM{}

func (echoLLM) Generate(_ context.Context, _ []llm.Message, _ ...llm.GenerateOption) (string, error) {
	return "The deal closed.", nil
}

type testServer struct {
	server *Server
	store  *store.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithConfig(t, config.Config{})
}

func newTestServerWithConfig(t *testing.T, cfg config.Config) *testServer {
	t.Helper()

	st := store.NewMemoryStore(quietLogger)
	blobs, err := blob.NewLocalStore(t.TempDir(), "http://files.local", "secret")
	require.NoError(t, err)

	gateway := embeddings.NewGateway(constantEmbedder{}, 2)
	ingest := ingestion.NewService(st, blobs, ingestion.NewExtractor(nil, nil, quietLogger), gateway, nil, quietLogger, ingestion.Settings{})
	searcher := retrieval.NewSearcher(st, gateway, quietLogger, retrieval.Settings{})
	sessions := cache.NewTTL[string, []llm.Message](time.Hour, 10)
	chatSvc := chat.NewService(searcher, nil, echoLLM{}, sessions, quietLogger)
	registry, err := tools.NewRegistry(tools.NewGlobalSearchTool(searcher), tools.NewLocalSearchTool(searcher))
	require.NoError(t, err)

	srv := New(cfg, Dependencies{
		Store:     st,
		Blobs:     blobs,
		Ingestion: ingest,
		Searcher:  searcher,
		Chat:      chatSvc,
		Tools:     registry,
	}, quietLogger)
	return &testServer{server: srv, store: st}
}

func (ts *testServer) do(t *testing.T, method, path, owner string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) doJSON(t *testing.T, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, method, path, owner, strings.NewReader(body), "application/json")
}

func (ts *testServer) upload(t *testing.T, owner, fileName, content, projectID string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	if projectID != "" {
		require.NoError(t, mw.WriteField("projectId", projectID))
	}
	require.NoError(t, mw.Close())
	return ts.do(t, http.MethodPost, "/v1/documents", owner, &buf, mw.FormDataContentType())
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndOwnerHeader(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/projects", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProjectLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.doJSON(t, http.MethodPost, "/v1/projects", "owner-a", `{"name":"Q3 Deals"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	project := decodeBody[domain.Project](t, rec)
	assert.Equal(t, "Q3 Deals", project.Name)

	rec = ts.doJSON(t, http.MethodPost, "/v1/projects", "owner-a", `{"name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.doJSON(t, http.MethodPatch, "/v1/projects/"+project.ID, "owner-b", `{"name":"Stolen"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.doJSON(t, http.MethodPatch, "/v1/projects/"+project.ID, "owner-a", `{"name":"Q4 Deals"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Q4 Deals", decodeBody[domain.Project](t, rec).Name)

	rec = ts.do(t, http.MethodGet, "/v1/projects", "owner-a", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Project](t, rec), 1)

	rec = ts.do(t, http.MethodDelete, "/v1/projects/"+project.ID, "owner-a", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/projects/"+project.ID, "owner-a", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadSearchAndDownload(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.upload(t, "owner-a", "deal.txt", "The Acme deal closed at 40k.", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decodeBody[documentResponse](t, rec).Document
	assert.True(t, doc.Indexed())

	rec = ts.upload(t, "owner-a", "tool.exe", "binary", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.upload(t, "owner-a", "blank.txt", "   ", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.doJSON(t, http.MethodPost, "/v1/search/global", "owner-a", `{"query":"acme","topK":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[domain.RetrievalResult](t, rec)
	assert.True(t, result.Success)
	require.Equal(t, 1, result.TotalResults)
	assert.Equal(t, "deal.txt", result.Results[0].FileName)

	rec = ts.doJSON(t, http.MethodPost, "/v1/search/global", "owner-b", `{"query":"acme"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[domain.RetrievalResult](t, rec).Results)

	rec = ts.doJSON(t, http.MethodPost, "/v1/search/local", "owner-a", `{"query":"acme"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.doJSON(t, http.MethodPost, "/v1/search/local", "owner-a", `{"query":"acme","fileIds":["`+doc.ID+`"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[domain.RetrievalResult](t, rec).TotalResults)

	rec = ts.do(t, http.MethodGet, "/v1/documents/"+doc.ID+"/url", "owner-a", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	signed, err := url.Parse(decodeBody[urlResponse](t, rec).URL)
	require.NoError(t, err)

	rec = ts.do(t, http.MethodGet, "/blobs?"+signed.RawQuery, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "The Acme deal closed at 40k.", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "attachment"))

	rec = ts.do(t, http.MethodGet, "/blobs?key="+url.QueryEscape(doc.StorageKey)+"&expires=9999999999&signature=bad", "", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/documents/"+doc.ID, "owner-b", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/documents/"+doc.ID, "owner-a", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/documents", "owner-a", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]domain.Document](t, rec))
}

func TestUploadKeepsUnindexedDocumentOnExtractionFailure(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.upload(t, "owner-a", "broken.docx", "not a zip", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[documentResponse](t, rec)
	assert.NotEmpty(t, resp.Document.ID)
	assert.NotEmpty(t, resp.Error)
	assert.False(t, resp.Document.Indexed())
}

func TestImportAndChat(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.doJSON(t, http.MethodPost, "/v1/documents/import", "owner-a",
		`{"fileName":"deal.txt","integration":{"name":"Google Drive"},"payload":{"type":"Buffer","data":[65,99,109,101,32,115,105,103,110,101,100,46]}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decodeBody[documentResponse](t, rec).Document
	require.NotNil(t, doc.Integration)
	assert.Equal(t, "Google Drive", doc.Integration.Name)

	rec = ts.doJSON(t, http.MethodPost, "/v1/documents/import", "owner-a", `{"fileName":"x.txt","payload":{"odd":1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.doJSON(t, http.MethodPost, "/v1/chat", "owner-a", `{"chatId":"c1","question":"Did Acme sign?"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[chatResponse](t, rec)
	assert.Equal(t, "The deal closed.", resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, doc.ID, resp.Sources[0].DocumentID)
	assert.Equal(t, "Acme signed.", resp.Sources[0].Snippet)

	rec = ts.doJSON(t, http.MethodPost, "/v1/chat", "owner-a", `{"question":" "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/chat/c1", "owner-a", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestToolEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.upload(t, "owner-a", "deal.txt", "Acme signed.", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.doJSON(t, http.MethodPost, "/v1/tools/"+tools.GlobalSearchName, "owner-a", `{"query":"acme"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[domain.RetrievalResult](t, rec).TotalResults)

	rec = ts.doJSON(t, http.MethodPost, "/v1/tools/unknown", "owner-a", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlobDownloadIsNeverRenderedInline(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.upload(t, "owner-a", "notes.txt", "<html><script>alert(1)</script></html>", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decodeBody[documentResponse](t, rec).Document

	rec = ts.do(t, http.MethodGet, "/v1/documents/"+doc.ID+"/url", "owner-a", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	signed, err := url.Parse(decodeBody[urlResponse](t, rec).URL)
	require.NoError(t, err)

	rec = ts.do(t, http.MethodGet, "/blobs?"+signed.RawQuery, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "sandbox", rec.Header().Get("Content-Security-Policy"))

	disposition, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "attachment", disposition)
	assert.Equal(t, path.Base(doc.StorageKey), params["filename"])
}

func TestRequestBodiesAreCapped(t *testing.T) {
	ts := newTestServerWithConfig(t, config.Config{Ingestion: config.IngestionConfig{MaxFileSize: 3}})
	large := `{"fileName":"big.txt","payload":"` + strings.Repeat("a", maxJSONBody) + `"}`

	rec := ts.doJSON(t, http.MethodPost, "/v1/documents/import", "owner-a", large)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = ts.doJSON(t, http.MethodPost, "/v1/tools/"+tools.GlobalSearchName, "owner-a", `{"query":"`+strings.Repeat("a", maxJSONBody)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = ts.doJSON(t, http.MethodPost, "/v1/search/global", "owner-a", `{"query":"`+strings.Repeat("a", maxJSONBody)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = ts.doJSON(t, http.MethodPost, "/v1/tools/"+tools.GlobalSearchName, "owner-a", `{"query":"acme"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}
