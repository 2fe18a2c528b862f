package dedup

import (
	"context"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
)

type fakeRepo struct {
	pairs         []domain.SimilarityPair
	docs          map[int64]domain.Document
	gotThreshold  float64
	gotMaxPairs   int
	requestedDocs []int64
}

func (f *fakeRepo) SimilarityPairs(_ context.Context, threshold float64, maxPairs int) ([]domain.SimilarityPair, error) {
	f.gotThreshold = threshold
	f.gotMaxPairs = maxPairs
	return f.pairs, nil
}

func (f *fakeRepo) GetMany(_ context.Context, ids []int64) ([]domain.Document, error) {
	f.requestedDocs = ids
	out := make([]domain.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := f.docs[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func TestScan_TransitiveGrouping(t *testing.T) {
	// A~B and B~C but no A~C pair: all three belong to one group.
	repo := &fakeRepo{
		pairs: []domain.SimilarityPair{
			{DocumentID1: 1, DocumentID2: 2, Similarity: 0.95},
			{DocumentID1: 2, DocumentID2: 3, Similarity: 0.91},
		},
		docs: map[int64]domain.Document{
			1: {ID: 1, Content: "quarterly electricity invoice total"},
			2: {ID: 2, Content: "quarterly electricity invoice total"},
			3: {ID: 3, Content: "monthly water invoice total"},
		},
	}
	svc := New(repo, zap.NewNop())

	groups, err := svc.Scan(context.Background(), 0.85)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected one transitive group, got %d", len(groups))
	}

	g := groups[0]
	if len(g.Documents) != 3 {
		t.Fatalf("expected 3 members, got %d", len(g.Documents))
	}
	for i, want := range []int64{1, 2, 3} {
		if g.Documents[i].ID != want {
			t.Errorf("members must be sorted by ID, got %v at %d", g.Documents[i].ID, i)
		}
	}
	if g.MaxSimilarity != 95.0 {
		t.Errorf("expected max similarity 95.0%%, got %v", g.MaxSimilarity)
	}
	// Docs 1 and 2 share all tokens: Jaccard 1.0 on the strongest pair.
	if g.MaxTextSimilarity != 100.0 {
		t.Errorf("expected max text similarity 100.0%%, got %v", g.MaxTextSimilarity)
	}
}

func TestScan_IndependentGroups(t *testing.T) {
	repo := &fakeRepo{
		pairs: []domain.SimilarityPair{
			{DocumentID1: 1, DocumentID2: 2, Similarity: 0.92},
			{DocumentID1: 10, DocumentID2: 11, Similarity: 0.97},
		},
		docs: map[int64]domain.Document{
			1: {ID: 1}, 2: {ID: 2}, 10: {ID: 10}, 11: {ID: 11},
		},
	}
	svc := New(repo, zap.NewNop())

	groups, err := svc.Scan(context.Background(), 0.9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected two independent groups, got %d", len(groups))
	}
	// Strongest group first.
	if groups[0].MaxSimilarity != 97.0 || groups[1].MaxSimilarity != 92.0 {
		t.Errorf("groups must be ordered by max similarity: %v then %v",
			groups[0].MaxSimilarity, groups[1].MaxSimilarity)
	}
	if len(groups[0].Documents) != 2 || groups[0].Documents[0].ID != 10 {
		t.Errorf("unexpected strongest group %+v", groups[0].Documents)
	}
}

func TestScan_ThresholdClamped(t *testing.T) {
	repo := &fakeRepo{}
	svc := New(repo, zap.NewNop())

	if _, err := svc.Scan(context.Background(), 0.50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.gotThreshold != 0.70 {
		t.Errorf("threshold 0.50 must clamp to 0.70, got %v", repo.gotThreshold)
	}

	if _, err := svc.Scan(context.Background(), 1.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.gotThreshold != 0.99 {
		t.Errorf("threshold 1.5 must clamp to 0.99, got %v", repo.gotThreshold)
	}
	if repo.gotMaxPairs != maxPairs {
		t.Errorf("pair scan must be capped at %d, got %d", maxPairs, repo.gotMaxPairs)
	}
}

func TestScan_NoPairs(t *testing.T) {
	svc := New(&fakeRepo{}, zap.NewNop())
	groups, err := svc.Scan(context.Background(), 0.85)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if groups == nil || len(groups) != 0 {
		t.Errorf("expected empty non-nil group list, got %v", groups)
	}
}

func TestJaccardSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "electricity invoice march total", "electricity invoice march total", 1.0},
		{"disjoint", "electricity invoice", "water receipt", 0.0},
		{"either empty", "electricity invoice", "", 0.0},
		{"case and punctuation ignored", "Invoice, TOTAL: 42!", "invoice total 42", 1.0},
		{"short tokens dropped", "the an of invoice", "invoice", 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := jaccardSimilarity(tc.a, tc.b)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("jaccard(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestUnionFind(t *testing.T) {
	uf := newUnionFind()
	uf.union(1, 2)
	uf.union(3, 4)
	uf.union(2, 3)
	uf.union(10, 11)

	if uf.find(1) != uf.find(4) {
		t.Error("1 and 4 must be connected through 2-3")
	}
	if uf.find(1) == uf.find(10) {
		t.Error("10 must stay in its own component")
	}

	comps := uf.components()
	if len(comps) != 2 {
		t.Fatalf("expected 2 components, got %d", len(comps))
	}
	if got := len(comps[uf.find(1)]); got != 4 {
		t.Errorf("expected component of 4, got %d", got)
	}
}
