package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
	"github.com/kailas-cloud/docsense/internal/render"
	"github.com/kailas-cloud/docsense/internal/repository/postgres"
)

type mockDocStore struct {
	mu         sync.Mutex
	byChecksum *domain.Document
	failedID   int64
	failedMsg  string
	completed  *postgres.ProcessingUpdate
	embeddedID int64
	embedding  []float32
	setEmbErr  error
}

func (m *mockDocStore) FindByChecksum(context.Context, string) (*domain.Document, error) {
	if m.byChecksum == nil {
		return nil, domain.ErrDocumentNotFound
	}
	return m.byChecksum, nil
}

func (m *mockDocStore) MarkFailed(_ context.Context, id int64, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedID = id
	m.failedMsg = summary
	return nil
}

func (m *mockDocStore) CompleteProcessing(_ context.Context, _ int64, upd postgres.ProcessingUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = &upd
	return nil
}

func (m *mockDocStore) SetEmbedding(_ context.Context, id int64, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setEmbErr != nil {
		return m.setEmbErr
	}
	m.embeddedID = id
	m.embedding = vec
	return nil
}

type mockTaxonomy struct{}

func (mockTaxonomy) ListNames(_ context.Context, kind domain.EntityKind) ([]string, error) {
	switch kind {
	case domain.KindTag:
		return []string{"invoice", "tax"}, nil
	case domain.KindCorrespondent:
		return []string{"Acme Corp"}, nil
	default:
		return []string{"Invoice"}, nil
	}
}

type mockBlobs struct {
	mu    sync.Mutex
	paths []string
}

func (m *mockBlobs) Put(relPath string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, relPath)
	return nil
}

type mockRenderer struct {
	result *render.Result
	err    error
	called bool
}

func (m *mockRenderer) Render(context.Context, []byte, string) (*render.Result, error) {
	m.called = true
	return m.result, m.err
}

type mockOCR struct {
	err   error
	texts map[string]string // keyed by page payload
}

func (m *mockOCR) ExtractText(_ context.Context, image []byte, _ string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if text, ok := m.texts[string(image)]; ok {
		return text, nil
	}
	return "page text", nil
}

type mockClassifier struct {
	result domain.ClassificationResult
	err    error
	called bool
}

func (m *mockClassifier) Classify(
	_ context.Context, _ string, _, _, _ []string,
) (domain.ClassificationResult, error) {
	m.called = true
	return m.result, m.err
}

type mockResolver struct {
	mu    sync.Mutex
	next  int64
	ids   map[string]int64
	calls int
}

func (m *mockResolver) FindOrCreate(_ context.Context, kind domain.EntityKind, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.ids == nil {
		m.ids = make(map[string]int64)
	}
	key := string(kind) + "/" + name
	if id, ok := m.ids[key]; ok {
		return id, nil
	}
	m.next++
	m.ids[key] = m.next
	return m.next, nil
}

type mockRules struct {
	applied []string
	err     error
	called  bool
}

func (m *mockRules) Apply(context.Context, int64) ([]string, error) {
	m.called = true
	return m.applied, m.err
}

type mockEmbedder struct {
	vec []float32
	err error
}

func (m *mockEmbedder) Embed(context.Context, string) (domain.EmbeddingResult, error) {
	if m.err != nil {
		return domain.EmbeddingResult{}, m.err
	}
	return domain.EmbeddingResult{Embedding: m.vec}, nil
}

type fixture struct {
	docs     *mockDocStore
	blobs    *mockBlobs
	renderer *mockRenderer
	ocr      *mockOCR
	classify *mockClassifier
	resolver *mockResolver
	rules    *mockRules
	embedder *mockEmbedder
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		docs:  &mockDocStore{},
		blobs: &mockBlobs{},
		renderer: &mockRenderer{result: &render.Result{
			Pages: []render.Page{
				{Number: 1, Data: []byte("p1"), MIME: "image/png"},
				{Number: 2, Data: []byte("p2"), MIME: "image/png"},
			},
			PageCount: 2,
			Thumbnail: []byte("p1"),
			ThumbMIME: "image/png",
		}},
		ocr: &mockOCR{texts: map[string]string{"p1": "first page", "p2": "second page"}},
		classify: &mockClassifier{result: domain.ClassificationResult{
			Title:         "Electricity Invoice",
			Correspondent: "Acme Corp",
			DocumentType:  "Invoice",
			Tags:          []string{"invoice", "energy", "invoice"},
			DocumentDate:  "2026-03-14",
			Summary:       "March electricity invoice",
			Language:      "en",
			ExtractedData: map[string]string{"total": "42.50"},
		}},
		resolver: &mockResolver{},
		rules:    &mockRules{},
		embedder: &mockEmbedder{vec: []float32{0.1, 0.2}},
	}
	f.svc = New(Config{
		Documents:      f.docs,
		Taxonomy:       mockTaxonomy{},
		Blobs:          f.blobs,
		Renderer:       f.renderer,
		OCR:            f.ocr,
		Classifier:     f.classify,
		Resolver:       f.resolver,
		Rules:          f.rules,
		Embedder:       f.embedder,
		Logger:         zap.NewNop(),
		OCRConcurrency: 2,
		MaxFileSizeMB:  1,
	})
	return f
}

func TestRun_Success(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.run(context.Background(), 7, []byte("pdf bytes")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	upd := f.docs.completed
	if upd == nil {
		t.Fatal("expected CompleteProcessing to be called")
	}
	if upd.Title != "Electricity Invoice" {
		t.Errorf("unexpected title %q", upd.Title)
	}
	wantContent := "first page" + pageBreakMarker + "second page"
	if upd.Content != wantContent {
		t.Errorf("pages joined out of order:\n%q", upd.Content)
	}
	if upd.PageCount != 2 || upd.DocumentDate != "2026-03-14" || upd.Language != "en" {
		t.Errorf("metadata not carried through: %+v", upd)
	}
	if upd.CorrespondentID == nil || upd.DocumentTypeID == nil {
		t.Fatal("expected correspondent and document type to be resolved")
	}
	// Duplicate tag names collapse to one ID.
	if len(upd.TagIDs) != 2 {
		t.Errorf("expected 2 distinct tag IDs, got %v", upd.TagIDs)
	}
	if upd.ThumbnailPath != "thumbnails/7.png" {
		t.Errorf("unexpected thumbnail path %q", upd.ThumbnailPath)
	}

	if f.docs.embeddedID != 7 || len(f.docs.embedding) != 2 {
		t.Error("expected embedding to be stored")
	}
	if !f.rules.called {
		t.Error("expected matching rules to run after persistence")
	}
	if f.docs.failedMsg != "" {
		t.Errorf("no failure expected, got %q", f.docs.failedMsg)
	}
}

func TestRun_MalformedClassificationFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.classify.result = domain.ClassificationResult{}
	f.classify.err = domain.NewClassificationError("sorry, I cannot help with that", errors.New("invalid character 's'"))

	if err := f.svc.run(context.Background(), 3, []byte("pdf bytes")); err == nil {
		t.Fatal("expected run to fail")
	}

	if f.docs.completed != nil {
		t.Error("no partial result may be persisted")
	}
	if f.resolver.calls != 0 {
		t.Error("taxonomy must stay untouched on malformed classification")
	}
	if f.docs.failedID != 3 {
		t.Errorf("expected document 3 marked failed, got %d", f.docs.failedID)
	}
	if !strings.Contains(f.docs.failedMsg, "sorry, I cannot help with that") {
		t.Errorf("raw model response not preserved in summary: %q", f.docs.failedMsg)
	}
}

func TestRun_OCRFailureIsHard(t *testing.T) {
	f := newFixture(t)
	f.ocr.err = errors.New("vision model unavailable")

	if err := f.svc.run(context.Background(), 5, []byte("pdf bytes")); err == nil {
		t.Fatal("expected run to fail")
	}
	if f.classify.called {
		t.Error("classification must not run on partial OCR output")
	}
	if !strings.Contains(f.docs.failedMsg, "ocr failed") {
		t.Errorf("unexpected failure summary %q", f.docs.failedMsg)
	}
}

func TestRun_AllPagesBlankFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.ocr.texts = map[string]string{"p1": "", "p2": ""}

	if err := f.svc.run(context.Background(), 6, []byte("pdf bytes")); err == nil {
		t.Fatal("expected run to fail")
	}

	if f.classify.called {
		t.Error("classification must not run on empty text")
	}
	if f.docs.completed != nil {
		t.Error("a textless document must not be marked processed")
	}
	if f.docs.embeddedID != 0 {
		t.Error("no embedding may be generated for empty text")
	}
	if !strings.Contains(f.docs.failedMsg, "no text extracted") {
		t.Errorf("unexpected failure summary %q", f.docs.failedMsg)
	}
}

func TestRun_BlankPagesDroppedFromJoin(t *testing.T) {
	f := newFixture(t)
	f.ocr.texts = map[string]string{"p1": "", "p2": "second page"}

	if err := f.svc.run(context.Background(), 8, []byte("pdf bytes")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	upd := f.docs.completed
	if upd == nil {
		t.Fatal("expected CompleteProcessing to be called")
	}
	if upd.Content != "second page" {
		t.Errorf("blank page leaked into content: %q", upd.Content)
	}
	if strings.Contains(upd.Content, "PAGE BREAK") {
		t.Errorf("no marker expected with a single non-blank page: %q", upd.Content)
	}
}

func TestRun_EmbeddingFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = domain.ErrEmbeddingProviderError

	if err := f.svc.run(context.Background(), 9, []byte("pdf bytes")); err != nil {
		t.Fatalf("embedding failure must not fail the run: %v", err)
	}
	if f.docs.completed == nil {
		t.Fatal("document must still complete processing")
	}
	if f.docs.embeddedID != 0 {
		t.Error("no embedding should be stored")
	}
	if !f.rules.called {
		t.Error("rules must still run")
	}
}

func TestRun_RenderFailureIsHard(t *testing.T) {
	f := newFixture(t)
	f.renderer.result = nil
	f.renderer.err = domain.ErrNoPages

	if err := f.svc.run(context.Background(), 4, []byte("pdf bytes")); err == nil {
		t.Fatal("expected run to fail")
	}
	if !strings.Contains(f.docs.failedMsg, "page rendering failed") {
		t.Errorf("unexpected failure summary %q", f.docs.failedMsg)
	}
}

func TestRun_DuplicateUploadShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.docs.byChecksum = &domain.Document{ID: 99}

	if err := f.svc.run(context.Background(), 4, []byte("same bytes")); err == nil {
		t.Fatal("expected run to fail")
	}
	if f.renderer.called {
		t.Error("duplicate uploads must not reach the renderer")
	}
	if !strings.Contains(f.docs.failedMsg, "duplicate upload of document 99") {
		t.Errorf("unexpected failure summary %q", f.docs.failedMsg)
	}
}

func TestValidateUpload(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.ValidateUpload(nil); !errors.Is(err, domain.ErrEmptyFile) {
		t.Errorf("expected ErrEmptyFile, got %v", err)
	}

	big := make([]byte, 2<<20)
	if err := f.svc.ValidateUpload(big); !errors.Is(err, domain.ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}

	if err := f.svc.ValidateUpload([]byte("plain text payload")); !errors.Is(err, domain.ErrUnsupportedFileType) {
		t.Errorf("expected ErrUnsupportedFileType, got %v", err)
	}

	png := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 32)...)
	if err := f.svc.ValidateUpload(png); err != nil {
		t.Errorf("valid png rejected: %v", err)
	}
}
