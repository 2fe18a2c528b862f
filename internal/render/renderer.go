// Package render converts uploaded files into per-page raster images for
// OCR, plus a thumbnail. Scanned PDFs carry one raster image per page; the
// renderer splits the PDF and extracts that image page by page.
package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
)

// Page is one rendered page image in input order.
type Page struct {
	Number int // 1-based
	Data   []byte
	MIME   string
}

// Result is the renderer output for one document.
type Result struct {
	Pages     []Page
	PageCount int // total pages in the source, before the page cap
	Thumbnail []byte
	ThumbMIME string
}

// Renderer converts PDF/image uploads into page images.
type Renderer struct {
	maxPages int
	logger   *zap.Logger
}

// NewRenderer creates a renderer capped at maxPages pages per document.
func NewRenderer(maxPages int, logger *zap.Logger) *Renderer {
	if maxPages <= 0 {
		maxPages = 10
	}
	return &Renderer{maxPages: maxPages, logger: logger}
}

// SupportedMIME reports whether the renderer accepts the upload type.
func SupportedMIME(mimeType string) bool {
	switch mimeType {
	case "application/pdf", "image/png", "image/jpeg":
		return true
	}
	return false
}

// Render produces the page images for a document. Zero rendered pages is a
// hard error; the pipeline treats it as a hard failure.
func (r *Renderer) Render(ctx context.Context, fileBytes []byte, mimeType string) (*Result, error) {
	switch mimeType {
	case "application/pdf":
		return r.renderPDF(ctx, fileBytes)
	case "image/png", "image/jpeg":
		// Single-page image upload: the file is the page and the thumbnail.
		return &Result{
			Pages:     []Page{{Number: 1, Data: fileBytes, MIME: mimeType}},
			PageCount: 1,
			Thumbnail: fileBytes,
			ThumbMIME: mimeType,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFileType, mimeType)
	}
}

func (r *Renderer) renderPDF(ctx context.Context, fileBytes []byte) (*Result, error) {
	tempDir, err := os.MkdirTemp("", "docsense-render-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source.pdf")
	if err := os.WriteFile(sourcePath, fileBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write source pdf: %w", err)
	}

	pageCount, err := api.PageCountFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	if pageCount == 0 {
		return nil, domain.ErrNoPages
	}

	renderCount := pageCount
	if renderCount > r.maxPages {
		renderCount = r.maxPages
	}

	splitDir := filepath.Join(tempDir, "pages")
	if err := os.MkdirAll(splitDir, 0o700); err != nil {
		return nil, fmt.Errorf("create split dir: %w", err)
	}
	if err := api.SplitFile(sourcePath, splitDir, 1, nil); err != nil {
		return nil, fmt.Errorf("split pdf: %w", err)
	}

	result := &Result{PageCount: pageCount}
	for n := 1; n <= renderCount; n++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("render cancelled: %w", err)
		}

		pagePath := filepath.Join(splitDir, fmt.Sprintf("source_%d.pdf", n))
		data, mime, err := extractPageImage(tempDir, pagePath, n)
		if err != nil {
			r.logger.Warn("page image extraction failed",
				zap.Int("page", n), zap.Error(err))
			continue
		}
		result.Pages = append(result.Pages, Page{Number: n, Data: data, MIME: mime})
	}

	if len(result.Pages) == 0 {
		return nil, domain.ErrNoPages
	}

	result.Thumbnail = result.Pages[0].Data
	result.ThumbMIME = result.Pages[0].MIME
	return result, nil
}

// extractPageImage pulls the raster image out of a single-page PDF. Scanned
// pages carry one embedded image; when a page holds several, the largest
// wins.
func extractPageImage(tempDir, pagePath string, page int) ([]byte, string, error) {
	imgDir := filepath.Join(tempDir, fmt.Sprintf("img_%d", page))
	if err := os.MkdirAll(imgDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create image dir: %w", err)
	}

	if err := api.ExtractImagesFile(pagePath, imgDir, nil, nil); err != nil {
		return nil, "", fmt.Errorf("extract images: %w", err)
	}

	entries, err := os.ReadDir(imgDir)
	if err != nil {
		return nil, "", fmt.Errorf("read image dir: %w", err)
	}
	if len(entries) == 0 {
		return nil, "", fmt.Errorf("page %d has no embedded image", page)
	}

	// Deterministic: sort by size descending, name ascending.
	type candidate struct {
		name string
		size int64
	}
	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: e.Name(), size: info.Size()})
	}
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("page %d has no readable image", page)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].size != candidates[j].size {
			return candidates[i].size > candidates[j].size
		}
		return candidates[i].name < candidates[j].name
	})

	best := candidates[0].name
	data, err := os.ReadFile(filepath.Join(imgDir, best))
	if err != nil {
		return nil, "", fmt.Errorf("read page image: %w", err)
	}
	return data, mimeFromExt(best), nil
}

func mimeFromExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
