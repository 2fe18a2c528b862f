package search

import (
	"sort"

	"github.com/kailas-cloud/docsense/internal/domain"
)

// rrfK is the Reciprocal Rank Fusion constant (standard value from Cormack et al. 2009).
const rrfK = 60

// fuseRRF merges the lexical and semantic rankings via Reciprocal Rank
// Fusion. score(d) = sum of 1/(k + rank_i(d)) for each ranking where d
// appears; absence from a list contributes nothing. Accumulation happens in
// first-appearance order (lexical before semantic) and the sort is stable,
// so exact ties keep that order and the output is deterministic for
// identical inputs.
func fuseRRF(lexical, semantic []domain.Document) []Hit {
	type scored struct {
		doc   domain.Document
		score float64
	}

	index := make(map[int64]int)
	var merged []scored

	accumulate := func(list []domain.Document) {
		for rank, doc := range list {
			s := 1.0 / float64(rrfK+rank+1)
			if i, ok := index[doc.ID]; ok {
				merged[i].score += s
				continue
			}
			index[doc.ID] = len(merged)
			merged = append(merged, scored{doc: doc, score: s})
		}
	}
	accumulate(lexical)
	accumulate(semantic)

	hits := make([]Hit, 0, len(merged))
	for _, s := range merged {
		hits = append(hits, Hit{Document: s.doc, Score: s.score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	return hits
}
