package domain

import (
	"errors"
	"reflect"
	"testing"
)

const classificationJSON = `{
	"title": "Electric Invoice March",
	"correspondent": "City Power Co",
	"document_type": "Invoice",
	"tags": ["utilities", "2024"],
	"document_date": "2024-03-12",
	"summary": "March electricity invoice",
	"extracted_data": {"amount": "42.50"},
	"language": "en"
}`

func TestParseClassification_PlainAndFencedAreIdentical(t *testing.T) {
	plain, err := ParseClassification(classificationJSON)
	if err != nil {
		t.Fatalf("plain parse failed: %v", err)
	}

	fenced, err := ParseClassification("```json\n" + classificationJSON + "\n```")
	if err != nil {
		t.Fatalf("fenced parse failed: %v", err)
	}

	if !reflect.DeepEqual(plain, fenced) {
		t.Errorf("fenced and plain results differ:\nplain:  %+v\nfenced: %+v", plain, fenced)
	}

	if plain.Title != "Electric Invoice March" {
		t.Errorf("unexpected title %q", plain.Title)
	}
	if plain.ExtractedData["amount"] != "42.50" {
		t.Errorf("unexpected extracted data %v", plain.ExtractedData)
	}
}

func TestParseClassification_FenceWithoutLanguageTag(t *testing.T) {
	res, err := ParseClassification("```\n" + classificationJSON + "\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Correspondent != "City Power Co" {
		t.Errorf("unexpected correspondent %q", res.Correspondent)
	}
}

func TestParseClassification_MalformedFailsClosed(t *testing.T) {
	raw := "Sorry, I cannot classify this document."

	res, err := ParseClassification(raw)
	if err == nil {
		t.Fatal("expected error for non-JSON response")
	}
	if !errors.Is(err, ErrClassificationMalformed) {
		t.Errorf("expected ErrClassificationMalformed, got %v", err)
	}

	var cerr *ClassificationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ClassificationError, got %T", err)
	}
	if cerr.Raw != raw {
		t.Errorf("raw response not preserved: %q", cerr.Raw)
	}

	// Fail closed: no partially populated result.
	if !reflect.DeepEqual(res, ClassificationResult{}) {
		t.Errorf("expected zero result on parse failure, got %+v", res)
	}
}

func TestParseClassification_TagsCapped(t *testing.T) {
	res, err := ParseClassification(`{"title":"x","tags":["a","b","c","d","e","f"]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Tags) != 4 {
		t.Errorf("expected tags capped at 4, got %d", len(res.Tags))
	}
}
