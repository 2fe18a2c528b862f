package ingest

import (
	"context"

	"github.com/kailas-cloud/docsense/internal/domain"
	"github.com/kailas-cloud/docsense/internal/render"
	"github.com/kailas-cloud/docsense/internal/repository/postgres"
)

// DocumentStore is the orchestrator's write surface. The orchestrator is the
// only writer of classification and embedding state.
type DocumentStore interface {
	FindByChecksum(ctx context.Context, checksum string) (*domain.Document, error)
	MarkFailed(ctx context.Context, id int64, summary string) error
	CompleteProcessing(ctx context.Context, id int64, upd postgres.ProcessingUpdate) error
	SetEmbedding(ctx context.Context, id int64, vec []float32) error
}

// TaxonomyReader lists existing entity names for the classifier prompt.
type TaxonomyReader interface {
	ListNames(ctx context.Context, kind domain.EntityKind) ([]string, error)
}

// BlobStore writes derived artifacts (thumbnails) by relative path.
type BlobStore interface {
	Put(relPath string, data []byte) error
}

// Renderer converts file bytes into per-page images.
type Renderer interface {
	Render(ctx context.Context, fileBytes []byte, mimeType string) (*render.Result, error)
}

// OCRClient transcribes one page image into text.
type OCRClient interface {
	ExtractText(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Classifier turns OCR text plus the existing taxonomy into a structured result.
type Classifier interface {
	Classify(
		ctx context.Context, ocrText string,
		existingTags, existingCorrespondents, existingTypes []string,
	) (domain.ClassificationResult, error)
}

// Resolver is the idempotent find-or-create for taxonomy entities.
type Resolver interface {
	FindOrCreate(ctx context.Context, kind domain.EntityKind, name string) (int64, error)
}

// RuleEngine applies the user-defined matching rules after persistence.
type RuleEngine interface {
	Apply(ctx context.Context, documentID int64) ([]string, error)
}
