package domain

// SimilarityPair is a pair of documents whose embedding cosine similarity
// exceeded the scan threshold. Derived per request, never persisted.
type SimilarityPair struct {
	DocumentID1    int64
	DocumentID2    int64
	Similarity     float64 // embedding cosine similarity, 0..1
	TextSimilarity float64 // token Jaccard similarity, 0..1
}

// DuplicateGroup is the transitive closure of similarity pairs: every member
// is connected to every other through at least one chain of pairs.
type DuplicateGroup struct {
	Documents         []Document
	Pairs             []SimilarityPair
	MaxSimilarity     float64 // percent, rounded to one decimal
	MaxTextSimilarity float64 // percent, rounded to one decimal
}
