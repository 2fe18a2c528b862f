package render

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
)

func TestRender_ImagePassthrough(t *testing.T) {
	r := NewRenderer(10, zap.NewNop())
	img := []byte{0x89, 'P', 'N', 'G'}

	res, err := r.Render(context.Background(), img, "image/png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(res.Pages))
	}
	if res.Pages[0].Number != 1 || res.Pages[0].MIME != "image/png" {
		t.Errorf("unexpected page: %+v", res.Pages[0])
	}
	if !bytes.Equal(res.Thumbnail, img) {
		t.Error("thumbnail should be the image itself")
	}
	if res.PageCount != 1 {
		t.Errorf("expected page count 1, got %d", res.PageCount)
	}
}

func TestRender_UnsupportedType(t *testing.T) {
	r := NewRenderer(10, zap.NewNop())

	_, err := r.Render(context.Background(), []byte("hello"), "text/plain")
	if !errors.Is(err, domain.ErrUnsupportedFileType) {
		t.Errorf("expected ErrUnsupportedFileType, got %v", err)
	}
}

func TestRender_InvalidPDF(t *testing.T) {
	r := NewRenderer(10, zap.NewNop())

	if _, err := r.Render(context.Background(), []byte("not a pdf"), "application/pdf"); err == nil {
		t.Error("expected error for invalid pdf bytes")
	}
}

func TestSupportedMIME(t *testing.T) {
	for _, m := range []string{"application/pdf", "image/png", "image/jpeg"} {
		if !SupportedMIME(m) {
			t.Errorf("expected %s to be supported", m)
		}
	}
	for _, m := range []string{"text/plain", "application/zip", ""} {
		if SupportedMIME(m) {
			t.Errorf("expected %s to be unsupported", m)
		}
	}
}
