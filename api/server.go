package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/sales-rag/blob"
	"github.com/fabfab/sales-rag/chat"
	"github.com/fabfab/sales-rag/config"
	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/ingestion"
	"github.com/fabfab/sales-rag/knowledge"
	"github.com/fabfab/sales-rag/retrieval"
	"github.com/fabfab/sales-rag/store"
	"github.com/fabfab/sales-rag/tools"
)

// OwnerHeader carries the authenticated caller. Authentication itself is done
// by the gateway in front of this server.
const OwnerHeader = "X-Owner-ID"

const (
	defaultPresignTTL   = 15 * time.Minute
	multipartMemory     = 32 << 20
	maxJSONBody         = 1 << 20
	defaultPayloadLimit = 50 << 20
)

// Dependencies are the services the HTTP surface delegates to. Driver may be
// nil when the knowledge graph is disabled.
type Dependencies struct {
	Store     store.Store
	Blobs     *blob.LocalStore
	Ingestion *ingestion.Service
	Searcher  *retrieval.Searcher
	Chat      *chat.Service
	Tools     *tools.Registry
	Driver    neo4j.DriverWithContext
}

// Server exposes HTTP handlers for projects, documents, search and chat.
type Server struct {
	cfg     config.Config
	deps    Dependencies
	logger  *log.Logger
	handler http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type projectRequest struct {
	Name string `json:"name"`
}

type documentResponse struct {
	Document domain.Document `json:"document"`
	Error    string          `json:"error,omitempty"`
}

type importRequest struct {
	FileName    string             `json:"fileName"`
	MIMEType    string             `json:"mimeType"`
	ProjectID   *string            `json:"projectId"`
	Integration domain.Integration `json:"integration"`
	Payload     json.RawMessage    `json:"payload"`
}

type globalSearchRequest struct {
	Query         string   `json:"query"`
	TopK          int      `json:"topK"`
	MinSimilarity *float64 `json:"minSimilarity"`
}

type localSearchRequest struct {
	Query         string   `json:"query"`
	ProjectIDs    []string `json:"projectIds"`
	FileIDs       []string `json:"fileIds"`
	TopK          int      `json:"topK"`
	MinSimilarity *float64 `json:"minSimilarity"`
}

type chatRequest struct {
	ChatID     string   `json:"chatId"`
	Question   string   `json:"question"`
	ProjectIDs []string `json:"projectIds"`
	FileIDs    []string `json:"fileIds"`
	TopK       int      `json:"topK"`
}

type chatResponse struct {
	Answer  string       `json:"answer"`
	Sources []chatSource `json:"sources"`
}

type chatSource struct {
	DocumentID       string              `json:"documentId"`
	FileName         string              `json:"fileName"`
	ProjectName      string              `json:"projectName,omitempty"`
	Snippet          string              `json:"snippet"`
	Score            float64             `json:"score"`
	ChunkCount       int                 `json:"chunkCount,omitempty"`
	Integration      string              `json:"integration,omitempty"`
	RelatedDocuments []chatRelatedSource `json:"relatedDocuments,omitempty"`
}

type chatRelatedSource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type urlResponse struct {
	URL string `json:"url"`
}

// New constructs a Server that serves the HTTP API using the provided
// configuration and services.
func New(cfg config.Config, deps Dependencies, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /blobs", s.handleBlob)

	mux.HandleFunc("GET /v1/projects", s.withOwner(s.handleListProjects))
	mux.HandleFunc("POST /v1/projects", s.withOwner(s.handleCreateProject))
	mux.HandleFunc("PATCH /v1/projects/{id}", s.withOwner(s.handleRenameProject))
	mux.HandleFunc("DELETE /v1/projects/{id}", s.withOwner(s.handleDeleteProject))

	mux.HandleFunc("GET /v1/documents", s.withOwner(s.handleListDocuments))
	mux.HandleFunc("POST /v1/documents", s.withOwner(s.handleUpload))
	mux.HandleFunc("POST /v1/documents/import", s.withOwner(s.handleImport))
	mux.HandleFunc("GET /v1/documents/{id}/url", s.withOwner(s.handleDocumentURL))
	mux.HandleFunc("POST /v1/documents/{id}/reindex", s.withOwner(s.handleReindex))
	mux.HandleFunc("DELETE /v1/documents/{id}", s.withOwner(s.handleDeleteDocument))

	mux.HandleFunc("POST /v1/search/global", s.withOwner(s.handleGlobalSearch))
	mux.HandleFunc("POST /v1/search/local", s.withOwner(s.handleLocalSearch))
	mux.HandleFunc("POST /v1/chat", s.withOwner(s.handleChat))
	mux.HandleFunc("DELETE /v1/chat/{chatId}", s.withOwner(s.handleResetChat))
	mux.HandleFunc("POST /v1/tools/{name}", s.withOwner(s.handleTool))
	return mux
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, ownerID string)

func (s *Server) withOwner(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if ownerID == "" {
			s.writeError(w, http.StatusUnauthorized, fmt.Errorf("missing %s header", OwnerHeader))
			return
		}
		next(w, r, ownerID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

// handleBlob serves a stored file to holders of a valid presigned URL.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if err := s.deps.Blobs.VerifyPresigned(key, q.Get("expires"), q.Get("signature")); err != nil {
		s.writeError(w, http.StatusForbidden, err)
		return
	}

	data, err := s.deps.Blobs.Get(r.Context(), key)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", http.DetectContentType(data))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(key)}))
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "sandbox")
	if _, err := w.Write(data); err != nil {
		s.logger.Printf("write blob: %v", err)
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request, ownerID string) {
	projects, err := s.deps.Store.ListProjects(r.Context(), ownerID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req projectRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		s.writeError(w, bodyStatus(err), fmt.Errorf("decode request: %w", err))
		return
	}

	project, err := s.deps.Store.CreateProject(r.Context(), ownerID, req.Name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleRenameProject(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req projectRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		s.writeError(w, bodyStatus(err), fmt.Errorf("decode request: %w", err))
		return
	}

	ctx := r.Context()
	project, err := s.deps.Store.RenameProject(ctx, ownerID, r.PathValue("id"), req.Name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.deps.Driver != nil {
		if err := knowledge.RenameProject(ctx, s.deps.Driver, ownerID, project.ID, project.Name); err != nil {
			s.logger.Printf("rename graph project %s: %v", project.ID, err)
		}
	}
	s.writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request, ownerID string) {
	if err := s.deps.Ingestion.DeleteProject(r.Context(), ownerID, r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, ownerID string) {
	docs, err := s.deps.Store.ListDocuments(r.Context(), ownerID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, ownerID string) {
	if limit := s.cfg.Ingestion.MaxFileSize; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeError(w, bodyStatus(err), fmt.Errorf("parse upload: %w", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("file field is required: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	upload := ingestion.Upload{
		OwnerID:  ownerID,
		FileName: header.Filename,
		MIMEType: header.Header.Get("Content-Type"),
		Data:     data,
	}
	if projectID := strings.TrimSpace(r.FormValue("projectId")); projectID != "" {
		upload.ProjectID = &projectID
	}

	doc, err := s.deps.Ingestion.Ingest(r.Context(), upload)
	s.writeDocument(w, doc, err)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req importRequest
	if err := decodeJSON(w, r, s.payloadLimit(), &req); err != nil {
		s.writeError(w, bodyStatus(err), fmt.Errorf("decode request: %w", err))
		return
	}

	doc, err := s.deps.Ingestion.Import(r.Context(), ingestion.Import{
		OwnerID:     ownerID,
		ProjectID:   req.ProjectID,
		FileName:    req.FileName,
		MIMEType:    req.MIMEType,
		Integration: req.Integration,
		Payload:     req.Payload,
	})
	s.writeDocument(w, doc, err)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request, ownerID string) {
	doc, err := s.deps.Ingestion.Reindex(r.Context(), ownerID, r.PathValue("id"))
	s.writeDocument(w, doc, err)
}

func (s *Server) handleDocumentURL(w http.ResponseWriter, r *http.Request, ownerID string) {
	ctx := r.Context()
	id := r.PathValue("id")
	docs, err := s.deps.Store.GetDocuments(ctx, ownerID, []string{id})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if len(docs) == 0 {
		s.writeDomainError(w, fmt.Errorf("document %s: %w", id, domain.ErrNotFound))
		return
	}

	url, err := s.deps.Blobs.Presign(ctx, docs[0].StorageKey, defaultPresignTTL)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, urlResponse{URL: url})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, ownerID string) {
	if err := s.deps.Ingestion.DeleteDocument(r.Context(), ownerID, r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGlobalSearch(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req globalSearchRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		s.writeError(w, bodyStatus(err), fmt.Errorf("decode request: %w", err))
		return
	}

	result, err := s.deps.Searcher.Global(r.Context(), retrieval.GlobalQuery{
		OwnerID:       ownerID,
		Query:         req.Query,
		TopK:          req.TopK,
		MinSimilarity: req.MinSimilarity,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLocalSearch(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req localSearchRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		s.writeError(w, bodyStatus(err), fmt.Errorf("decode request: %w", err))
		return
	}

	result, err := s.deps.Searcher.Local(r.Context(), retrieval.LocalQuery{
		OwnerID:       ownerID,
		Query:         req.Query,
		ProjectIDs:    req.ProjectIDs,
		FileIDs:       req.FileIDs,
		TopK:          req.TopK,
		MinSimilarity: req.MinSimilarity,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req chatRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		s.writeError(w, bodyStatus(err), fmt.Errorf("decode request: %w", err))
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}

	resp, err := s.deps.Chat.Chat(r.Context(), chat.Request{
		OwnerID:    ownerID,
		ChatID:     req.ChatID,
		Question:   req.Question,
		ProjectIDs: req.ProjectIDs,
		FileIDs:    req.FileIDs,
		TopK:       req.TopK,
	})
	if err != nil {
		s.writeDomainError(w, fmt.Errorf("chat failed: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, transformChatResponse(&resp))
}

func (s *Server) handleResetChat(w http.ResponseWriter, r *http.Request, ownerID string) {
	s.deps.Chat.Reset(ownerID, r.PathValue("chatId"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request, ownerID string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.payloadLimit()))
	if err != nil {
		s.writeError(w, bodyStatus(err), fmt.Errorf("read request: %w", err))
		return
	}

	out, err := s.deps.Tools.Execute(r.Context(), r.PathValue("name"), ownerID, body)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// writeDocument answers an ingestion call. A failure that still recorded the
// document returns the unindexed record next to the error.
func (s *Server) writeDocument(w http.ResponseWriter, doc domain.Document, err error) {
	if err == nil {
		s.writeJSON(w, http.StatusCreated, documentResponse{Document: doc})
		return
	}
	if doc.ID == "" {
		s.writeDomainError(w, err)
		return
	}
	status := statusFor(err)
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, documentResponse{Document: doc, Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidScope),
		errors.Is(err, domain.ErrUnsupportedFormat),
		errors.Is(err, domain.ErrUnrecognizedPayloadShape):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOwnerMismatch):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyDocument),
		errors.Is(err, domain.ErrExtractionFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrEmbeddingFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// payloadLimit caps request bodies that carry file content. Payloads may be
// base64 encoded inside JSON, so the file limit is scaled by 4/3 plus room
// for the envelope.
func (s *Server) payloadLimit() int64 {
	limit := s.cfg.Ingestion.MaxFileSize
	if limit <= 0 {
		limit = defaultPayloadLimit
	}
	return limit/3*4 + maxJSONBody
}

// bodyStatus maps a request body read failure to a status code.
func bodyStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func transformChatResponse(resp *chat.Response) chatResponse {
	if resp == nil {
		return chatResponse{}
	}

	converted := chatResponse{Answer: resp.Answer, Sources: []chatSource{}}
	for _, src := range resp.Sources {
		source := chatSource{
			DocumentID:  src.DocumentID,
			FileName:    src.FileName,
			ProjectName: src.ProjectName,
			Snippet:     src.Snippet,
			Score:       src.Score,
			ChunkCount:  src.Insight.ChunkCount,
			Integration: src.Insight.Integration,
		}
		for _, related := range src.Insight.RelatedDocuments {
			source.RelatedDocuments = append(source.RelatedDocuments, chatRelatedSource{ID: related.ID, Name: related.Name})
		}
		converted.Sources = append(converted.Sources, source)
	}
	return converted
}
