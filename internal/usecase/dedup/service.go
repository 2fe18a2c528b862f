// Package dedup scans embedded documents for near-duplicates and clusters
// them into transitive groups.
package dedup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
)

// Threshold bounds: below minThreshold the pair scan explodes into noise,
// above maxThreshold float rounding starts dropping true duplicates.
const (
	minThreshold = 0.70
	maxThreshold = 0.99
)

// maxPairs caps the pair scan; beyond this the corpus needs a tighter
// threshold, not a bigger response.
const maxPairs = 500

// minTokenLength filters short tokens out of the Jaccard comparison.
const minTokenLength = 3

// Repository is the duplicate scan's read surface.
type Repository interface {
	SimilarityPairs(ctx context.Context, threshold float64, maxPairs int) ([]domain.SimilarityPair, error)
	GetMany(ctx context.Context, ids []int64) ([]domain.Document, error)
}

// Service runs duplicate scans.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// New creates the duplicate scanner.
func New(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Scan finds all duplicate groups above the threshold. The threshold clamps
// into [0.70, 0.99]; groups come back ordered by their strongest pair,
// descending.
func (s *Service) Scan(ctx context.Context, threshold float64) ([]domain.DuplicateGroup, error) {
	threshold = clampThreshold(threshold)

	pairs, err := s.repo.SimilarityPairs(ctx, threshold, maxPairs)
	if err != nil {
		return nil, fmt.Errorf("similarity scan: %w", err)
	}
	if len(pairs) == 0 {
		return []domain.DuplicateGroup{}, nil
	}
	if len(pairs) == maxPairs {
		s.logger.Warn("duplicate scan hit the pair cap, results may be partial",
			zap.Float64("threshold", threshold), zap.Int("max_pairs", maxPairs))
	}

	uf := newUnionFind()
	for _, p := range pairs {
		uf.union(p.DocumentID1, p.DocumentID2)
	}

	docs, err := s.loadMembers(ctx, pairs)
	if err != nil {
		return nil, err
	}

	// Text similarity is computed per pair on the loaded content.
	for i := range pairs {
		d1, d2 := docs[pairs[i].DocumentID1], docs[pairs[i].DocumentID2]
		if d1 != nil && d2 != nil {
			pairs[i].TextSimilarity = jaccardSimilarity(d1.Content, d2.Content)
		}
	}

	groups := s.buildGroups(uf, pairs, docs)

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].MaxSimilarity > groups[j].MaxSimilarity
	})
	return groups, nil
}

func (s *Service) loadMembers(
	ctx context.Context, pairs []domain.SimilarityPair,
) (map[int64]*domain.Document, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, p := range pairs {
		for _, id := range []int64{p.DocumentID1, p.DocumentID2} {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	loaded, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load group members: %w", err)
	}

	docs := make(map[int64]*domain.Document, len(loaded))
	for i := range loaded {
		docs[loaded[i].ID] = &loaded[i]
	}
	return docs, nil
}

// buildGroups turns connected components into duplicate groups. Components
// of one member cannot happen here (every ID came from a pair) but are
// skipped anyway.
func (s *Service) buildGroups(
	uf *unionFind, pairs []domain.SimilarityPair, docs map[int64]*domain.Document,
) []domain.DuplicateGroup {
	pairsByRoot := make(map[int64][]domain.SimilarityPair)
	for _, p := range pairs {
		root := uf.find(p.DocumentID1)
		pairsByRoot[root] = append(pairsByRoot[root], p)
	}

	var groups []domain.DuplicateGroup
	for root, members := range uf.components() {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

		group := domain.DuplicateGroup{Pairs: pairsByRoot[root]}
		for _, id := range members {
			if doc := docs[id]; doc != nil {
				group.Documents = append(group.Documents, *doc)
			}
		}
		for _, p := range group.Pairs {
			group.MaxSimilarity = math.Max(group.MaxSimilarity, p.Similarity)
			group.MaxTextSimilarity = math.Max(group.MaxTextSimilarity, p.TextSimilarity)
		}
		group.MaxSimilarity = roundPercent(group.MaxSimilarity)
		group.MaxTextSimilarity = roundPercent(group.MaxTextSimilarity)

		groups = append(groups, group)
	}
	return groups
}

func clampThreshold(t float64) float64 {
	if t < minThreshold {
		return minThreshold
	}
	if t > maxThreshold {
		return maxThreshold
	}
	return t
}

// roundPercent converts a 0..1 ratio to a percentage with one decimal.
func roundPercent(ratio float64) float64 {
	return math.Round(ratio*1000) / 10
}

// jaccardSimilarity compares two texts as token sets: lowercased, punctuation
// stripped, tokens longer than minTokenLength only. Either side empty yields
// zero.
func jaccardSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range tokens {
		if len(tok) > minTokenLength {
			set[tok] = true
		}
	}
	return set
}
