package search

import (
	"math"
	"testing"

	"github.com/kailas-cloud/docsense/internal/domain"
)

func docs(ids ...int64) []domain.Document {
	out := make([]domain.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Document{ID: id})
	}
	return out
}

func TestFuseRRF_DocumentsInBothListsRankFirst(t *testing.T) {
	// Lexical [A=1, B=2, C=3], semantic [B=2, A=1, D=4]. A and B appear in
	// both lists with ranks {0,1} and tie exactly; C and D appear once.
	fused := fuseRRF(docs(1, 2, 3), docs(2, 1, 4))

	if len(fused) != 4 {
		t.Fatalf("expected 4 fused hits, got %d", len(fused))
	}

	top := map[int64]bool{fused[0].Document.ID: true, fused[1].Document.ID: true}
	if !top[1] || !top[2] {
		t.Errorf("documents in both lists must outrank single-list ones, got order %v %v",
			fused[0].Document.ID, fused[1].Document.ID)
	}

	wantShared := 1.0/61.0 + 1.0/62.0
	if math.Abs(fused[0].Score-wantShared) > 1e-12 || math.Abs(fused[1].Score-wantShared) > 1e-12 {
		t.Errorf("shared documents should score %v, got %v and %v",
			wantShared, fused[0].Score, fused[1].Score)
	}

	// C was lexical rank 2, D was semantic rank 2: identical contribution,
	// and C was accumulated first, so C stays ahead.
	if fused[2].Document.ID != 3 || fused[3].Document.ID != 4 {
		t.Errorf("expected tail order [3 4], got [%d %d]",
			fused[2].Document.ID, fused[3].Document.ID)
	}
}

func TestFuseRRF_TiesKeepLexicalOrder(t *testing.T) {
	// Docs 1 and 2 both score 1/61 + 1/62 exactly. The lexical list puts
	// doc 2 first, so doc 2 must come out first regardless of its ID.
	fused := fuseRRF(docs(2, 1, 3), docs(1, 2, 4))

	if fused[0].Document.ID != 2 || fused[1].Document.ID != 1 {
		t.Errorf("tied documents must keep lexical-list order, got [%d %d]",
			fused[0].Document.ID, fused[1].Document.ID)
	}
}

func TestFuseRRF_Deterministic(t *testing.T) {
	lexical := docs(5, 9, 1, 7)
	semantic := docs(9, 3, 5)

	first := fuseRRF(lexical, semantic)
	for n := 0; n < 20; n++ {
		again := fuseRRF(lexical, semantic)
		for i := range first {
			if again[i].Document.ID != first[i].Document.ID {
				t.Fatalf("fusion order unstable: run differs at index %d", i)
			}
		}
	}
}

func TestFuseRRF_AbsenceContributesNothing(t *testing.T) {
	fused := fuseRRF(docs(1), nil)
	if len(fused) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(fused))
	}
	want := 1.0 / 61.0
	if math.Abs(fused[0].Score-want) > 1e-12 {
		t.Errorf("expected single-list score %v, got %v", want, fused[0].Score)
	}
}

func TestFuseRRF_Empty(t *testing.T) {
	if fused := fuseRRF(nil, nil); len(fused) != 0 {
		t.Errorf("expected no hits, got %d", len(fused))
	}
}
