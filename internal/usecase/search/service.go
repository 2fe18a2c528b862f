// Package search handles document retrieval across text, semantic, and
// hybrid modes.
package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
	"github.com/kailas-cloud/docsense/internal/repository/postgres"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeText     Mode = "text"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// fusionDepth is how deep each ranking goes before fusion. Pagination
// happens over the fused list, so both sources must overfetch.
const fusionDepth = 50

// defaultLimit is the page size when the caller does not set one.
const defaultLimit = 20

// Repository is the search read surface.
type Repository interface {
	SearchLexical(ctx context.Context, query string, limit, offset int) ([]domain.Document, error)
	SearchSemantic(ctx context.Context, vec []float32, limit int) ([]postgres.SemanticHit, error)
}

// Request is one search call.
type Request struct {
	Query  string
	Mode   Mode // empty means hybrid
	Limit  int
	Offset int
}

// Hit is a retrieved document with its ranking score. Text-mode hits carry a
// zero score; ordering is recency.
type Hit struct {
	Document domain.Document
	Score    float64
}

// Service executes document searches.
type Service struct {
	repo   Repository
	embed  domain.Embedder // query-instruction embedding chain
	logger *zap.Logger
}

// New creates a search service.
func New(repo Repository, embed domain.Embedder, logger *zap.Logger) *Service {
	return &Service{repo: repo, embed: embed, logger: logger}
}

// Search executes a document search. When query embedding fails in semantic
// or hybrid mode the search degrades to lexical-only instead of erroring:
// results stay available while the embedding provider is down.
func (s *Service) Search(ctx context.Context, req Request) ([]Hit, error) {
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	switch mode {
	case ModeText:
		return s.searchText(ctx, req)
	case ModeSemantic:
		return s.searchSemantic(ctx, req)
	case ModeHybrid:
		return s.searchHybrid(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported search mode: %s", mode)
	}
}

func (s *Service) searchText(ctx context.Context, req Request) ([]Hit, error) {
	docs, err := s.repo.SearchLexical(ctx, req.Query, req.Limit, req.Offset)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	hits := make([]Hit, 0, len(docs))
	for _, d := range docs {
		hits = append(hits, Hit{Document: d})
	}
	return hits, nil
}

func (s *Service) searchSemantic(ctx context.Context, req Request) ([]Hit, error) {
	vec, ok := s.embedQuery(ctx, req.Query)
	if !ok {
		return s.searchText(ctx, req)
	}

	ranked, err := s.repo.SearchSemantic(ctx, vec, fusionDepth)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	hits := make([]Hit, 0, len(ranked))
	for _, h := range ranked {
		hits = append(hits, Hit{Document: h.Document, Score: h.Score})
	}
	return paginate(hits, req.Limit, req.Offset), nil
}

func (s *Service) searchHybrid(ctx context.Context, req Request) ([]Hit, error) {
	lexical, err := s.repo.SearchLexical(ctx, req.Query, fusionDepth, 0)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	vec, ok := s.embedQuery(ctx, req.Query)
	if !ok {
		return paginate(toHits(lexical), req.Limit, req.Offset), nil
	}

	ranked, err := s.repo.SearchSemantic(ctx, vec, fusionDepth)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	semantic := make([]domain.Document, 0, len(ranked))
	for _, h := range ranked {
		semantic = append(semantic, h.Document)
	}

	return paginate(fuseRRF(lexical, semantic), req.Limit, req.Offset), nil
}

// embedQuery vectorizes the query, reporting failure instead of erroring so
// callers can degrade to lexical search.
func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, bool) {
	res, err := s.embed.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, degrading to lexical search", zap.Error(err))
		return nil, false
	}
	return res.Embedding, true
}

func toHits(docs []domain.Document) []Hit {
	hits := make([]Hit, 0, len(docs))
	for _, d := range docs {
		hits = append(hits, Hit{Document: d})
	}
	return hits
}

func paginate(hits []Hit, limit, offset int) []Hit {
	if offset >= len(hits) {
		return nil
	}
	hits = hits[offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
