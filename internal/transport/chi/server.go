// Package chi exposes the HTTP API: uploads, search, duplicates, matching
// rules, streaming chat, and the embedding backfill.
package chi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
	"github.com/kailas-cloud/docsense/internal/repository/blob"
	"github.com/kailas-cloud/docsense/internal/repository/postgres"
	backfilluc "github.com/kailas-cloud/docsense/internal/usecase/backfill"
	chatuc "github.com/kailas-cloud/docsense/internal/usecase/chat"
	deduppuc "github.com/kailas-cloud/docsense/internal/usecase/dedup"
	ingestuc "github.com/kailas-cloud/docsense/internal/usecase/ingest"
	rulesuc "github.com/kailas-cloud/docsense/internal/usecase/rules"
	searchuc "github.com/kailas-cloud/docsense/internal/usecase/search"
)

// maxUploadMemory bounds the multipart parser's in-memory buffer.
const maxUploadMemory = 32 << 20

// originalPath is where the raw upload lives in the blob store, keyed by
// document ID so reprocessing can find it without knowing the file type.
func originalPath(id int64) string { return fmt.Sprintf("originals/%d", id) }

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server carries the API's usecases and stores.
type Server struct {
	docs          *postgres.DocumentStore
	ruleStore     *postgres.RuleStore
	blobs         *blob.Store
	ingest        *ingestuc.Service
	search        *searchuc.Service
	dedup         *deduppuc.Service
	chat          *chatuc.Service
	rules         *rulesuc.Service
	backfill      *backfilluc.Service
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	docs *postgres.DocumentStore,
	ruleStore *postgres.RuleStore,
	blobs *blob.Store,
	ingest *ingestuc.Service,
	search *searchuc.Service,
	dedup *deduppuc.Service,
	chat *chatuc.Service,
	rules *rulesuc.Service,
	backfill *backfilluc.Service,
	logger *zap.Logger,
) *Server {
	s := &Server{
		docs:      docs,
		ruleStore: ruleStore,
		blobs:     blobs,
		ingest:    ingest,
		search:    search,
		dedup:     dedup,
		chat:      chat,
		rules:     rules,
		backfill:  backfill,
		logger:    logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrDocumentNotFound, http.StatusNotFound, "document_not_found"),
		sentinelHandler(domain.ErrConversationNotFound, http.StatusNotFound, "conversation_not_found"),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, "not_found"),
		sentinelHandler(domain.ErrAlreadyExists, http.StatusConflict, "already_exists"),
		sentinelHandler(domain.ErrBackfillRunning, http.StatusConflict, "backfill_running"),
		sentinelHandler(domain.ErrEmptyFile, http.StatusBadRequest, "empty_file"),
		sentinelHandler(domain.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "file_too_large"),
		sentinelHandler(domain.ErrUnsupportedFileType, http.StatusUnsupportedMediaType, "unsupported_file_type"),
		sentinelHandler(domain.ErrEmbeddingProviderError, http.StatusBadGateway, "embedding_provider_error"),
	}
	return s
}

// Routes mounts every endpoint on the router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/healthz", s.HealthCheck)
	r.Get("/metrics", s.Metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/documents", s.UploadDocument)
		r.Get("/documents/{id}", s.GetDocument)
		r.Get("/documents/{id}/thumbnail", s.GetThumbnail)
		r.Post("/documents/{id}/reprocess", s.ReprocessDocument)
		r.Get("/jobs/{id}", s.GetJob)

		r.Get("/search", s.SearchDocuments)
		r.Get("/duplicates", s.ListDuplicates)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.ListRules)
			r.Post("/", s.CreateRule)
			r.Post("/test", s.TestRule)
			r.Put("/{id}", s.UpdateRule)
			r.Delete("/{id}", s.DeleteRule)
		})

		r.Post("/chat/messages", s.StreamChat)

		r.Post("/backfill", s.StartBackfill)
		r.Get("/backfill", s.BackfillStatus)
	})
}

// UploadDocument handles POST /api/documents: accept the file, create the
// document row, stash the original, and hand off to the pipeline. Responds
// 202 immediately with the observable job ID.
func (s *Server) UploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid multipart body: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Reading upload failed")
		return
	}

	if err := s.ingest.ValidateUpload(data); err != nil {
		s.handleDomainError(w, err)
		return
	}

	sum := sha256.Sum256(data)
	id, err := s.docs.Create(r.Context(), header.Filename, hex.EncodeToString(sum[:]))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	if err := s.blobs.Put(originalPath(id), data); err != nil {
		s.handleDomainError(w, fmt.Errorf("store original: %w", err))
		return
	}

	job, err := s.ingest.Enqueue(id, data)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"document_id": id,
		"job_id":      job.ID,
	})
}

// ReprocessDocument handles POST /api/documents/{id}/reprocess: re-runs the
// pipeline over the stored original.
func (s *Server) ReprocessDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if _, err := s.docs.Get(r.Context(), id); err != nil {
		s.handleDomainError(w, err)
		return
	}

	data, err := s.blobs.Get(originalPath(id))
	if err != nil {
		s.handleDomainError(w, fmt.Errorf("original file: %w", domain.ErrNotFound))
		return
	}

	job, err := s.ingest.Enqueue(id, data)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"document_id": id,
		"job_id":      job.ID,
	})
}

// GetDocument handles GET /api/documents/{id}.
func (s *Server) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	doc, err := s.docs.Get(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, documentToResponse(doc, 0))
}

// GetThumbnail handles GET /api/documents/{id}/thumbnail.
func (s *Server) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	doc, err := s.docs.Get(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if doc.ThumbnailPath == "" {
		s.handleDomainError(w, fmt.Errorf("thumbnail: %w", domain.ErrNotFound))
		return
	}

	data, err := s.blobs.Get(doc.ThumbnailPath)
	if err != nil {
		s.handleDomainError(w, fmt.Errorf("thumbnail: %w", domain.ErrNotFound))
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetJob handles GET /api/jobs/{id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ingest.Job(chi.URLParam(r, "id"))
	if !ok {
		s.handleDomainError(w, fmt.Errorf("job: %w", domain.ErrNotFound))
		return
	}

	state, reason := job.State()
	resp := map[string]any{
		"id":          job.ID,
		"document_id": job.DocumentID,
		"state":       state,
	}
	if reason != "" {
		resp["reason"] = reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// SearchDocuments handles GET /api/search.
func (s *Server) SearchDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "q is required")
		return
	}

	limit := queryInt(q.Get("limit"), 20)
	page := queryInt(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}

	hits, err := s.search.Search(r.Context(), searchuc.Request{
		Query:  query,
		Mode:   searchuc.Mode(q.Get("mode")),
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]documentResponse, 0, len(hits))
	for _, h := range hits {
		items = append(items, documentToResponse(&h.Document, h.Score))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"page":  page,
		"limit": limit,
	})
}

// ListDuplicates handles GET /api/duplicates.
func (s *Server) ListDuplicates(w http.ResponseWriter, r *http.Request) {
	threshold := 0.85
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "threshold must be a number")
			return
		}
		threshold = v
	}

	scanned, err := s.docs.CountEmbedded(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	groups, err := s.dedup.Scan(r.Context(), threshold)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	out := make([]duplicateGroupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupToResponse(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scanned_documents": scanned,
		"groups":            out,
	})
}

// ListRules handles GET /api/rules.
func (s *Server) ListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.ruleStore.List(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	items := make([]ruleResponse, 0, len(list))
	for i := range list {
		items = append(items, ruleToResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// CreateRule handles POST /api/rules.
func (s *Server) CreateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}

	id, err := s.ruleStore.Create(r.Context(), rule)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	rule.ID = id
	writeJSON(w, http.StatusCreated, ruleToResponse(rule))
}

// UpdateRule handles PUT /api/rules/{id}.
func (s *Server) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = id

	if err := s.ruleStore.Update(r.Context(), rule); err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleToResponse(rule))
}

// DeleteRule handles DELETE /api/rules/{id}.
func (s *Server) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.ruleStore.Delete(r.Context(), id); err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestRule handles POST /api/rules/test: dry-run a rule condition over the
// corpus.
func (s *Server) TestRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}

	result, err := s.rules.TestCondition(r.Context(), *rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// chatRequest is the POST /api/chat/messages body.
type chatRequest struct {
	ConversationID int64   `json:"conversation_id"`
	Message        string  `json:"message"`
	AllowDocIDs    []int64 `json:"allow_doc_ids"`
	ExcludeDocIDs  []int64 `json:"exclude_doc_ids"`
	SearchNew      bool    `json:"search_new"`
}

// StreamChat handles POST /api/chat/messages as an SSE stream. The event
// variants map one-to-one onto SSE event names; the single switch below is
// the only place that dispatch happens.
func (s *Server) StreamChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(e domain.ChatEvent) error {
		var payload any
		switch e.Type {
		case domain.ChatEventRefs:
			payload = map[string]any{"referenced_ids": e.Refs}
		case domain.ChatEventChunk:
			payload = map[string]string{"content": e.Chunk}
		case domain.ChatEventDone:
			payload = map[string]bool{"done": true}
		case domain.ChatEventError:
			payload = map[string]string{"error": e.Err}
		default:
			return fmt.Errorf("unknown chat event %q", e.Type)
		}
		if err := writeSSE(w, string(e.Type), payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	convID, err := s.chat.StreamMessage(r.Context(), chatuc.MessageRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		AllowDocIDs:    req.AllowDocIDs,
		ExcludeDocIDs:  req.ExcludeDocIDs,
		SearchNew:      req.SearchNew,
	}, emit)
	if err != nil {
		// Headers are gone; the terminal error event already reached the
		// client where possible.
		s.logger.Warn("chat stream ended with error",
			zap.Int64("conversation_id", convID), zap.Error(err))
	}
}

// StartBackfill handles POST /api/backfill.
func (s *Server) StartBackfill(w http.ResponseWriter, r *http.Request) {
	if err := s.backfill.Start(r.Context()); err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.backfill.Status())
}

// BackfillStatus handles GET /api/backfill.
func (s *Server) BackfillStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backfill.Status())
}

// HealthCheck handles GET /healthz.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.docs.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// --- DTOs ---

type documentResponse struct {
	ID              int64             `json:"id"`
	Title           string            `json:"title"`
	Summary         string            `json:"summary,omitempty"`
	Language        string            `json:"language,omitempty"`
	DocumentDate    string            `json:"document_date,omitempty"`
	PageCount       int               `json:"page_count,omitempty"`
	Processed       bool              `json:"processed"`
	ProcessingError string            `json:"processing_error,omitempty"`
	CorrespondentID *int64            `json:"correspondent_id,omitempty"`
	DocumentTypeID  *int64            `json:"document_type_id,omitempty"`
	TagIDs          []int64           `json:"tag_ids,omitempty"`
	ExtractedData   map[string]string `json:"extracted_data,omitempty"`
	Score           float64           `json:"score,omitempty"`
}

func documentToResponse(d *domain.Document, score float64) documentResponse {
	return documentResponse{
		ID:              d.ID,
		Title:           d.Title,
		Summary:         d.Summary,
		Language:        d.Language,
		DocumentDate:    d.DocumentDate,
		PageCount:       d.PageCount,
		Processed:       d.Processed,
		ProcessingError: d.ProcessingError,
		CorrespondentID: d.CorrespondentID,
		DocumentTypeID:  d.DocumentTypeID,
		TagIDs:          d.TagIDs,
		ExtractedData:   d.ExtractedData,
		Score:           score,
	}
}

type similarityPairResponse struct {
	DocumentID1    int64   `json:"document_id_1"`
	DocumentID2    int64   `json:"document_id_2"`
	Similarity     float64 `json:"similarity"`
	TextSimilarity float64 `json:"text_similarity"`
}

type duplicateGroupResponse struct {
	Documents         []documentResponse       `json:"documents"`
	Pairs             []similarityPairResponse `json:"pairs"`
	MaxSimilarity     float64                  `json:"max_similarity"`
	MaxTextSimilarity float64                  `json:"max_text_similarity"`
}

func groupToResponse(g domain.DuplicateGroup) duplicateGroupResponse {
	resp := duplicateGroupResponse{
		MaxSimilarity:     g.MaxSimilarity,
		MaxTextSimilarity: g.MaxTextSimilarity,
	}
	for i := range g.Documents {
		resp.Documents = append(resp.Documents, documentToResponse(&g.Documents[i], 0))
	}
	for _, p := range g.Pairs {
		resp.Pairs = append(resp.Pairs, similarityPairResponse{
			DocumentID1:    p.DocumentID1,
			DocumentID2:    p.DocumentID2,
			Similarity:     p.Similarity,
			TextSimilarity: p.TextSimilarity,
		})
	}
	return resp
}

type ruleResponse struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Order           int     `json:"order"`
	MatchField      string  `json:"match_field"`
	MatchOperator   string  `json:"match_operator"`
	MatchValue      string  `json:"match_value"`
	CorrespondentID *int64  `json:"correspondent_id,omitempty"`
	DocumentTypeID  *int64  `json:"document_type_id,omitempty"`
	TagIDs          []int64 `json:"tag_ids,omitempty"`
	Enabled         bool    `json:"enabled"`
}

func ruleToResponse(r *domain.MatchingRule) ruleResponse {
	return ruleResponse{
		ID:              r.ID,
		Name:            r.Name,
		Order:           r.Order,
		MatchField:      string(r.MatchField),
		MatchOperator:   string(r.MatchOperator),
		MatchValue:      r.MatchValue,
		CorrespondentID: r.CorrespondentID,
		DocumentTypeID:  r.DocumentTypeID,
		TagIDs:          r.TagIDs,
		Enabled:         r.Enabled,
	}
}

// decodeRule parses and validates a rule body, writing the error response
// itself on failure.
func decodeRule(w http.ResponseWriter, r *http.Request) (*domain.MatchingRule, bool) {
	var req ruleResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return nil, false
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "name is required")
		return nil, false
	}
	if !domain.ValidMatchField(domain.MatchField(req.MatchField)) {
		writeError(w, http.StatusBadRequest, "validation_failed", "unknown match_field "+req.MatchField)
		return nil, false
	}
	if !domain.ValidMatchOperator(domain.MatchOperator(req.MatchOperator)) {
		writeError(w, http.StatusBadRequest, "validation_failed", "unknown match_operator "+req.MatchOperator)
		return nil, false
	}

	return &domain.MatchingRule{
		Name:            req.Name,
		Order:           req.Order,
		MatchField:      domain.MatchField(req.MatchField),
		MatchOperator:   domain.MatchOperator(req.MatchOperator),
		MatchValue:      req.MatchValue,
		CorrespondentID: req.CorrespondentID,
		DocumentTypeID:  req.DocumentTypeID,
		TagIDs:          req.TagIDs,
		Enabled:         req.Enabled,
	}, true
}

// --- helpers ---

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "id must be an integer")
		return 0, false
	}
	return id, true
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeSSE(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	return nil
}

// safeDomainMessage returns a sentinel error message for the client without
// exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrNotFound,
		domain.ErrDocumentNotFound,
		domain.ErrConversationNotFound,
		domain.ErrAlreadyExists,
		domain.ErrBackfillRunning,
		domain.ErrEmptyFile,
		domain.ErrFileTooLarge,
		domain.ErrUnsupportedFileType,
		domain.ErrEmbeddingProviderError,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			s.logger.Warn("domain error", zap.Error(err))
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
