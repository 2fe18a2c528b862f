package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/docsense/internal/domain"
	"github.com/kailas-cloud/docsense/internal/metrics"
	"github.com/kailas-cloud/docsense/internal/render"
	"github.com/kailas-cloud/docsense/internal/repository/postgres"
)

// pageBreakMarker joins per-page OCR output in page order.
const pageBreakMarker = "\n\n--- PAGE BREAK ---\n\n"

// Service is the ingestion orchestrator. Process never returns an error to
// its caller: every failure is absorbed and recorded on the document itself
// so the pipeline never re-triggers automatically on the same input.
type Service struct {
	docs     DocumentStore
	taxonomy TaxonomyReader
	blobs    BlobStore
	renderer Renderer
	ocr      OCRClient
	classify Classifier
	resolver Resolver
	rules    RuleEngine
	embedder domain.Embedder
	gate     *Gate
	logger   *zap.Logger

	ocrConcurrency int
	maxFileBytes   int64
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Documents      DocumentStore
	Taxonomy       TaxonomyReader
	Blobs          BlobStore
	Renderer       Renderer
	OCR            OCRClient
	Classifier     Classifier
	Resolver       Resolver
	Rules          RuleEngine
	Embedder       domain.Embedder
	Gate           *Gate
	Logger         *zap.Logger
	OCRConcurrency int
	MaxFileSizeMB  int
}

// New creates the ingestion orchestrator.
func New(cfg Config) *Service {
	ocrConc := cfg.OCRConcurrency
	if ocrConc <= 0 {
		ocrConc = 3
	}
	maxMB := cfg.MaxFileSizeMB
	if maxMB <= 0 {
		maxMB = 50
	}

	return &Service{
		docs:           cfg.Documents,
		taxonomy:       cfg.Taxonomy,
		blobs:          cfg.Blobs,
		renderer:       cfg.Renderer,
		ocr:            cfg.OCR,
		classify:       cfg.Classifier,
		resolver:       cfg.Resolver,
		rules:          cfg.Rules,
		embedder:       cfg.Embedder,
		gate:           cfg.Gate,
		logger:         cfg.Logger,
		ocrConcurrency: ocrConc,
		maxFileBytes:   int64(maxMB) << 20,
	}
}

// ValidateUpload rejects bad input synchronously, before any side effect.
func (s *Service) ValidateUpload(fileBytes []byte) error {
	if len(fileBytes) == 0 {
		return domain.ErrEmptyFile
	}
	if int64(len(fileBytes)) > s.maxFileBytes {
		return fmt.Errorf("%w: %d bytes", domain.ErrFileTooLarge, len(fileBytes))
	}
	if !render.SupportedMIME(detectMIME(fileBytes)) {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedFileType, detectMIME(fileBytes))
	}
	return nil
}

// Enqueue submits a pipeline run behind the admission gate and returns the
// observable job handle. The run itself executes on a background context:
// in-flight AI calls are not client-cancellable, they run to completion or
// timeout so a document is never left half-written.
func (s *Service) Enqueue(documentID int64, fileBytes []byte) (*Job, error) {
	job, err := s.gate.Submit(documentID, func() error {
		return s.run(context.Background(), documentID, fileBytes)
	})
	if err != nil {
		return nil, fmt.Errorf("submit pipeline job: %w", err)
	}
	return job, nil
}

// Job looks up a previously submitted pipeline job.
func (s *Service) Job(id string) (*Job, bool) {
	return s.gate.Job(id)
}

// run executes the pipeline. Its error return only feeds the job's
// observable state; by the time run returns, every failure has already been
// recorded on the document.
func (s *Service) run(ctx context.Context, documentID int64, fileBytes []byte) error {
	start := time.Now()
	log := s.logger.With(zap.Int64("document_id", documentID))
	log.Info("pipeline started", zap.Int("size_bytes", len(fileBytes)))

	mimeType := detectMIME(fileBytes)

	// Duplicate-upload short circuit by checksum.
	checksum := sha256Hex(fileBytes)
	if existing, err := s.docs.FindByChecksum(ctx, checksum); err == nil && existing.ID != documentID {
		msg := fmt.Sprintf("duplicate upload of document %d", existing.ID)
		s.markFailed(ctx, documentID, msg, log)
		metrics.DocumentsProcessedTotal.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("%s", msg)
	}

	// 1. Render pages. Hard failure aborts the run.
	rendered, err := s.renderStage(ctx, fileBytes, mimeType)
	if err != nil {
		s.markFailed(ctx, documentID, "page rendering failed: "+err.Error(), log)
		metrics.DocumentsProcessedTotal.WithLabelValues("failed").Inc()
		return err
	}

	// 2. Thumbnail from page 1. Non-fatal.
	thumbnailPath := s.storeThumbnail(documentID, rendered, log)

	// 3. OCR across all pages with bounded parallelism. One page failing
	// fails the document: classification needs the full text.
	text, err := s.extractAll(ctx, rendered.Pages)
	if err != nil {
		s.markFailed(ctx, documentID, "ocr failed: "+err.Error(), log)
		metrics.DocumentsProcessedTotal.WithLabelValues("failed").Inc()
		return err
	}
	// Every page came back blank. Completing here would store a processed
	// document with no content and nothing for classification to work on.
	if text == "" {
		msg := fmt.Sprintf("no text extracted from any of %d pages", rendered.PageCount)
		s.markFailed(ctx, documentID, msg, log)
		metrics.DocumentsProcessedTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%s", msg)
	}

	// 4. Classification. A malformed response is a hard failure: the raw
	// model output becomes the error summary and taxonomy stays untouched.
	result, err := s.classifyStage(ctx, text)
	if err != nil {
		summary := "classification failed: " + err.Error()
		var cerr *domain.ClassificationError
		if errors.As(err, &cerr) {
			summary = "classification response unusable: " + cerr.Raw
		}
		s.markFailed(ctx, documentID, summary, log)
		metrics.DocumentsProcessedTotal.WithLabelValues("failed").Inc()
		return err
	}

	// 5. Resolve taxonomy names to entities.
	correspondentID, documentTypeID, tagIDs, err := s.resolveStage(ctx, result)
	if err != nil {
		s.markFailed(ctx, documentID, "entity resolution failed: "+err.Error(), log)
		metrics.DocumentsProcessedTotal.WithLabelValues("failed").Inc()
		return err
	}

	// 6. Persist everything in one update.
	upd := postgres.ProcessingUpdate{
		Title:           titleOrDefault(result.Title, documentID),
		Content:         text,
		Summary:         result.Summary,
		Language:        result.Language,
		DocumentDate:    result.DocumentDate,
		PageCount:       rendered.PageCount,
		ThumbnailPath:   thumbnailPath,
		ExtractedData:   result.ExtractedData,
		CorrespondentID: correspondentID,
		DocumentTypeID:  documentTypeID,
		TagIDs:          tagIDs,
	}
	if err := s.docs.CompleteProcessing(ctx, documentID, upd); err != nil {
		s.markFailed(ctx, documentID, "persisting results failed: "+err.Error(), log)
		metrics.DocumentsProcessedTotal.WithLabelValues("failed").Inc()
		return err
	}

	// 7. Embedding. Non-fatal: the document stays processed with a null
	// vector and becomes eligible for the backfill sweep.
	s.embedStage(ctx, documentID, text, log)

	// 8. Matching rules on top of the persisted state.
	if applied, err := s.rules.Apply(ctx, documentID); err != nil {
		log.Warn("matching rules failed", zap.Error(err))
	} else if len(applied) > 0 {
		log.Info("matching rules applied", zap.Strings("rules", applied))
	}

	metrics.DocumentsProcessedTotal.WithLabelValues("success").Inc()
	log.Info("pipeline finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *Service) renderStage(ctx context.Context, fileBytes []byte, mimeType string) (*render.Result, error) {
	defer observeStage("render")()
	res, err := s.renderer.Render(ctx, fileBytes, mimeType)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return res, nil
}

func (s *Service) storeThumbnail(documentID int64, rendered *render.Result, log *zap.Logger) string {
	if len(rendered.Thumbnail) == 0 {
		return ""
	}
	path := fmt.Sprintf("thumbnails/%d%s", documentID, extForMIME(rendered.ThumbMIME))
	if err := s.blobs.Put(path, rendered.Thumbnail); err != nil {
		log.Warn("thumbnail store failed", zap.Error(err))
		return ""
	}
	return path
}

// extractAll runs per-page OCR with a bounded parallelism window and joins
// the results in input page order, even though pages complete out of order.
// Blank pages (the OCR model returns "" for textless scans) are dropped from
// the join so the markers only ever separate real text; an all-blank document
// yields "".
func (s *Service) extractAll(ctx context.Context, pages []render.Page) (string, error) {
	defer observeStage("ocr")()

	texts := make([]string, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.ocrConcurrency)

	for i, page := range pages {
		i, page := i, page
		g.Go(func() error {
			text, err := s.ocr.ExtractText(gctx, page.Data, page.MIME)
			if err != nil {
				return fmt.Errorf("ocr page %d: %w", page.Number, err)
			}
			texts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	nonEmpty := make([]string, 0, len(texts))
	for _, text := range texts {
		if strings.TrimSpace(text) != "" {
			nonEmpty = append(nonEmpty, text)
		}
	}
	return strings.Join(nonEmpty, pageBreakMarker), nil
}

func (s *Service) classifyStage(ctx context.Context, text string) (domain.ClassificationResult, error) {
	defer observeStage("classify")()

	tags, err := s.taxonomy.ListNames(ctx, domain.KindTag)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("list tags: %w", err)
	}
	correspondents, err := s.taxonomy.ListNames(ctx, domain.KindCorrespondent)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("list correspondents: %w", err)
	}
	types, err := s.taxonomy.ListNames(ctx, domain.KindDocumentType)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("list document types: %w", err)
	}

	return s.classify.Classify(ctx, text, tags, correspondents, types)
}

func (s *Service) resolveStage(
	ctx context.Context, result domain.ClassificationResult,
) (correspondentID, documentTypeID *int64, tagIDs []int64, err error) {
	if name := strings.TrimSpace(result.Correspondent); name != "" {
		id, err := s.resolver.FindOrCreate(ctx, domain.KindCorrespondent, name)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resolve correspondent: %w", err)
		}
		correspondentID = &id
	}
	if name := strings.TrimSpace(result.DocumentType); name != "" {
		id, err := s.resolver.FindOrCreate(ctx, domain.KindDocumentType, name)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resolve document type: %w", err)
		}
		documentTypeID = &id
	}
	seen := make(map[int64]bool)
	for _, tag := range result.Tags {
		name := strings.TrimSpace(tag)
		if name == "" {
			continue
		}
		id, err := s.resolver.FindOrCreate(ctx, domain.KindTag, name)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resolve tag %q: %w", name, err)
		}
		if !seen[id] {
			seen[id] = true
			tagIDs = append(tagIDs, id)
		}
	}
	return correspondentID, documentTypeID, tagIDs, nil
}

func (s *Service) embedStage(ctx context.Context, documentID int64, text string, log *zap.Logger) {
	if strings.TrimSpace(text) == "" {
		return
	}
	defer observeStage("embed")()

	res, err := s.embedder.Embed(ctx, text)
	if err != nil {
		log.Warn("embedding generation failed, document eligible for backfill", zap.Error(err))
		return
	}
	if err := s.docs.SetEmbedding(ctx, documentID, res.Embedding); err != nil {
		log.Warn("embedding store failed", zap.Error(err))
	}
}

func (s *Service) markFailed(ctx context.Context, documentID int64, summary string, log *zap.Logger) {
	log.Error("pipeline hard failure", zap.String("summary", summary))
	if err := s.docs.MarkFailed(ctx, documentID, summary); err != nil {
		log.Error("recording pipeline failure failed", zap.Error(err))
	}
}

func observeStage(stage string) func() {
	start := time.Now()
	return func() {
		metrics.PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func detectMIME(fileBytes []byte) string {
	mime := http.DetectContentType(fileBytes)
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	return mime
}

func titleOrDefault(title string, documentID int64) string {
	if strings.TrimSpace(title) != "" {
		return title
	}
	return fmt.Sprintf("Document %d", documentID)
}

func extForMIME(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/tiff":
		return ".tif"
	default:
		return ".png"
	}
}
