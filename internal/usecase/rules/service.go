// Package rules evaluates user-defined matching rules against processed
// documents and applies their taxonomy side effects.
package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
)

// DocumentReader loads documents for rule evaluation.
type DocumentReader interface {
	Get(ctx context.Context, id int64) (*domain.Document, error)
	ListProcessed(ctx context.Context) ([]domain.Document, error)
}

// EffectWriter persists the merged outcome of a rule pass in one update.
type EffectWriter interface {
	ApplyRuleEffects(
		ctx context.Context, id int64,
		correspondentID, documentTypeID *int64, addTagIDs []int64,
	) error
}

// RuleReader lists the rules to evaluate.
type RuleReader interface {
	ListEnabled(ctx context.Context) ([]domain.MatchingRule, error)
}

// Service is the matching-rule engine.
type Service struct {
	docs    DocumentReader
	effects EffectWriter
	rules   RuleReader
	logger  *zap.Logger
}

// New creates the rule engine.
func New(docs DocumentReader, effects EffectWriter, rules RuleReader, logger *zap.Logger) *Service {
	return &Service{docs: docs, effects: effects, rules: rules, logger: logger}
}

// Apply evaluates all enabled rules against the document in ascending order
// and persists the merged effects in a single update. Later rules override
// correspondent and document type; tag additions accumulate. Returns the
// names of the rules that matched.
func (s *Service) Apply(ctx context.Context, documentID int64) ([]string, error) {
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document %d: %w", documentID, err)
	}

	enabled, err := s.rules.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	if len(enabled) == 0 {
		return nil, nil
	}

	var (
		correspondentID *int64
		documentTypeID  *int64
		tagIDs          []int64
		applied         []string
	)
	seenTags := make(map[int64]bool, len(doc.TagIDs))
	for _, id := range doc.TagIDs {
		seenTags[id] = true
	}

	for _, rule := range enabled {
		if !s.matches(rule, doc) {
			continue
		}
		applied = append(applied, rule.Name)

		if rule.CorrespondentID != nil {
			correspondentID = rule.CorrespondentID
		}
		if rule.DocumentTypeID != nil {
			documentTypeID = rule.DocumentTypeID
		}
		for _, tagID := range rule.TagIDs {
			if !seenTags[tagID] {
				seenTags[tagID] = true
				tagIDs = append(tagIDs, tagID)
			}
		}
	}

	if len(applied) == 0 {
		return nil, nil
	}

	if err := s.effects.ApplyRuleEffects(ctx, documentID, correspondentID, documentTypeID, tagIDs); err != nil {
		return nil, fmt.Errorf("apply rule effects: %w", err)
	}
	return applied, nil
}

// TestResult is a dry-run preview of a rule condition over the corpus.
type TestResult struct {
	MatchCount   int      `json:"match_count"`
	SampleTitles []string `json:"sample_titles"`
}

// maxSampleTitles caps the preview list returned by TestCondition.
const maxSampleTitles = 10

// TestCondition evaluates a rule condition against every processed document
// without persisting anything.
func (s *Service) TestCondition(ctx context.Context, rule domain.MatchingRule) (*TestResult, error) {
	if !domain.ValidMatchField(rule.MatchField) {
		return nil, fmt.Errorf("unknown match field %q", rule.MatchField)
	}
	if !domain.ValidMatchOperator(rule.MatchOperator) {
		return nil, fmt.Errorf("unknown match operator %q", rule.MatchOperator)
	}

	docs, err := s.docs.ListProcessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	result := &TestResult{SampleTitles: []string{}}
	for i := range docs {
		if !s.matches(rule, &docs[i]) {
			continue
		}
		result.MatchCount++
		if len(result.SampleTitles) < maxSampleTitles {
			result.SampleTitles = append(result.SampleTitles, docs[i].Title)
		}
	}
	return result, nil
}

// matches evaluates one rule condition. String operators compare
// case-insensitively. An invalid regex never matches; it is logged once per
// evaluation rather than failing the pass.
func (s *Service) matches(rule domain.MatchingRule, doc *domain.Document) bool {
	var subject string
	switch rule.MatchField {
	case domain.FieldTitle:
		subject = doc.Title
	case domain.FieldContent:
		subject = doc.Content
	default:
		return false
	}

	if rule.MatchOperator == domain.OpRegex {
		re, err := regexp.Compile("(?i)" + rule.MatchValue)
		if err != nil {
			s.logger.Warn("invalid rule regex",
				zap.String("rule", rule.Name), zap.Error(err))
			return false
		}
		return re.MatchString(subject)
	}

	subject = strings.ToLower(subject)
	value := strings.ToLower(rule.MatchValue)

	switch rule.MatchOperator {
	case domain.OpContains:
		return strings.Contains(subject, value)
	case domain.OpStartsWith:
		return strings.HasPrefix(subject, value)
	case domain.OpEndsWith:
		return strings.HasSuffix(subject, value)
	case domain.OpExact:
		return subject == value
	default:
		return false
	}
}
