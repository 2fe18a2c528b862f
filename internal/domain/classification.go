package domain

import (
	"encoding/json"
	"strings"
)

// maxClassificationTags caps the tags a single classification may assign.
const maxClassificationTags = 4

// ClassificationResult is the strict schema for the classifier's JSON output.
// Parsing fails closed: a malformed response never yields a partially
// populated result.
type ClassificationResult struct {
	Title         string            `json:"title"`
	Correspondent string            `json:"correspondent"`
	DocumentType  string            `json:"document_type"`
	Tags          []string          `json:"tags"`
	DocumentDate  string            `json:"document_date"`
	Summary       string            `json:"summary"`
	ExtractedData map[string]string `json:"extracted_data"`
	Language      string            `json:"language"`
}

// ParseClassification parses a classifier response. The model is expected to
// return a JSON object, optionally wrapped in a fenced code block; the fence
// is stripped before parsing. Anything unparseable yields a
// ClassificationError wrapping ErrClassificationMalformed.
func ParseClassification(raw string) (ClassificationResult, error) {
	payload := stripCodeFence(strings.TrimSpace(raw))

	var res ClassificationResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return ClassificationResult{}, NewClassificationError(raw, err)
	}

	if len(res.Tags) > maxClassificationTags {
		res.Tags = res.Tags[:maxClassificationTags]
	}
	return res, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence, if present.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag on the opening fence line.
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
