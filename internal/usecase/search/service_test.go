package search

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
	"github.com/kailas-cloud/docsense/internal/repository/postgres"
)

type fakeRepo struct {
	lexical      []domain.Document
	lexicalErr   error
	semantic     []postgres.SemanticHit
	semanticErr  error
	lexicalCalls int
	lastLimit    int
	lastOffset   int
}

func (f *fakeRepo) SearchLexical(_ context.Context, _ string, limit, offset int) ([]domain.Document, error) {
	f.lexicalCalls++
	f.lastLimit = limit
	f.lastOffset = offset
	return f.lexical, f.lexicalErr
}

func (f *fakeRepo) SearchSemantic(_ context.Context, _ []float32, _ int) ([]postgres.SemanticHit, error) {
	return f.semantic, f.semanticErr
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) (domain.EmbeddingResult, error) {
	if f.err != nil {
		return domain.EmbeddingResult{}, f.err
	}
	return domain.EmbeddingResult{Embedding: []float32{0.5}}, nil
}

func semanticHits(ids ...int64) []postgres.SemanticHit {
	out := make([]postgres.SemanticHit, 0, len(ids))
	for i, id := range ids {
		out = append(out, postgres.SemanticHit{
			Document: domain.Document{ID: id},
			Score:    1.0 - float64(i)*0.1,
		})
	}
	return out
}

func TestSearch_DefaultModeIsHybrid(t *testing.T) {
	repo := &fakeRepo{lexical: docs(1, 2, 3), semantic: semanticHits(2, 1, 4)}
	svc := New(repo, &fakeEmbedder{}, zap.NewNop())

	hits, err := svc.Search(context.Background(), Request{Query: "invoice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 4 {
		t.Fatalf("expected 4 fused hits, got %d", len(hits))
	}
	top := map[int64]bool{hits[0].Document.ID: true, hits[1].Document.ID: true}
	if !top[1] || !top[2] {
		t.Errorf("expected docs 1 and 2 on top, got %d and %d",
			hits[0].Document.ID, hits[1].Document.ID)
	}
}

func TestSearch_TextMode(t *testing.T) {
	repo := &fakeRepo{lexical: docs(3, 1)}
	svc := New(repo, &fakeEmbedder{err: errors.New("must not be called")}, zap.NewNop())

	hits, err := svc.Search(context.Background(), Request{Query: "q", Mode: ModeText, Limit: 5, Offset: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 2 || hits[0].Document.ID != 3 {
		t.Errorf("lexical order must be preserved, got %v", hits)
	}
	if repo.lastLimit != 5 || repo.lastOffset != 10 {
		t.Errorf("text mode must push pagination to the store, got limit=%d offset=%d",
			repo.lastLimit, repo.lastOffset)
	}
}

func TestSearch_SemanticMode(t *testing.T) {
	repo := &fakeRepo{semantic: semanticHits(7, 8)}
	svc := New(repo, &fakeEmbedder{}, zap.NewNop())

	hits, err := svc.Search(context.Background(), Request{Query: "q", Mode: ModeSemantic})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 2 || hits[0].Document.ID != 7 || hits[0].Score == 0 {
		t.Errorf("unexpected semantic hits %v", hits)
	}
}

func TestSearch_EmbedFailureDegradesToLexical(t *testing.T) {
	repo := &fakeRepo{lexical: docs(1, 2)}
	svc := New(repo, &fakeEmbedder{err: domain.ErrEmbeddingProviderError}, zap.NewNop())

	for _, mode := range []Mode{ModeSemantic, ModeHybrid} {
		hits, err := svc.Search(context.Background(), Request{Query: "q", Mode: mode})
		if err != nil {
			t.Fatalf("mode %s: search must degrade, not fail: %v", mode, err)
		}
		if len(hits) != 2 || hits[0].Document.ID != 1 {
			t.Errorf("mode %s: expected lexical fallback results, got %v", mode, hits)
		}
	}
}

func TestSearch_HybridPagination(t *testing.T) {
	repo := &fakeRepo{lexical: docs(1, 2, 3, 4), semantic: semanticHits(1, 2, 3, 4)}
	svc := New(repo, &fakeEmbedder{}, zap.NewNop())

	page, err := svc.Search(context.Background(), Request{Query: "q", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
	if page[0].Document.ID != 3 || page[1].Document.ID != 4 {
		t.Errorf("expected page [3 4], got [%d %d]", page[0].Document.ID, page[1].Document.ID)
	}

	if empty, _ := svc.Search(context.Background(), Request{Query: "q", Limit: 2, Offset: 100}); len(empty) != 0 {
		t.Errorf("offset past the end must yield an empty page, got %v", empty)
	}
}

func TestSearch_UnknownMode(t *testing.T) {
	svc := New(&fakeRepo{}, &fakeEmbedder{}, zap.NewNop())
	if _, err := svc.Search(context.Background(), Request{Query: "q", Mode: "fuzzy"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
