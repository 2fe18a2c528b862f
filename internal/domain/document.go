package domain

import "time"

// Document is the central entity: an uploaded file plus everything the
// ingestion pipeline derived from it.
type Document struct {
	ID              int64
	Title           string
	Content         string    // raw OCR text, empty until OCR completes
	Embedding       []float32 // nil until embedding generation succeeds
	Processed       bool
	ProcessingError string // human-readable error sentinel when the pipeline failed
	Summary         string
	Language        string
	DocumentDate    string // YYYY-MM-DD, empty when unknown
	PageCount       int
	ThumbnailPath   string
	Checksum        string // sha256 over the raw upload, for duplicate-upload detection
	CorrespondentID *int64
	DocumentTypeID  *int64
	TagIDs          []int64
	ExtractedData   map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// Deleted reports whether the document is soft-deleted.
func (d *Document) Deleted() bool { return d.DeletedAt != nil }

// EmbeddingEligible reports whether the document qualifies for a backfill
// sweep: fully processed with text but no vector yet.
func (d *Document) EmbeddingEligible() bool {
	return d.Processed && d.Content != "" && d.Embedding == nil && !d.Deleted()
}

// EntityKind identifies a name-keyed taxonomy entity.
type EntityKind string

const (
	KindTag           EntityKind = "tag"
	KindCorrespondent EntityKind = "correspondent"
	KindDocumentType  EntityKind = "document_type"
)

// Entity is a name-keyed lookup row (tag, correspondent or document type).
// Names are unique per kind; the resolver creates them lazily.
type Entity struct {
	ID   int64
	Kind EntityKind
	Name string
}

// MatchField selects the document attribute a matching rule inspects.
type MatchField string

const (
	FieldContent MatchField = "content"
	FieldTitle   MatchField = "title"
)

// MatchOperator is the comparison a matching rule applies.
type MatchOperator string

const (
	OpContains   MatchOperator = "contains"
	OpStartsWith MatchOperator = "startsWith"
	OpEndsWith   MatchOperator = "endsWith"
	OpExact      MatchOperator = "exact"
	OpRegex      MatchOperator = "regex"
)

// ValidMatchField reports whether f is a known rule field.
func ValidMatchField(f MatchField) bool {
	return f == FieldContent || f == FieldTitle
}

// ValidMatchOperator reports whether op is a known rule operator.
func ValidMatchOperator(op MatchOperator) bool {
	switch op {
	case OpContains, OpStartsWith, OpEndsWith, OpExact, OpRegex:
		return true
	}
	return false
}

// MatchingRule maps a (field, operator, value) condition onto taxonomy side
// effects. Rules evaluate in ascending Order; correspondent/type assignments
// from later rules override earlier ones, tag additions accumulate.
type MatchingRule struct {
	ID              int64
	Name            string
	Order           int
	MatchField      MatchField
	MatchOperator   MatchOperator
	MatchValue      string
	CorrespondentID *int64
	DocumentTypeID  *int64
	TagIDs          []int64
	Enabled         bool
}
