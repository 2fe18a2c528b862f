package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
)

const classifySystemPrompt = `You are a document classification assistant. ` +
	`Given the OCR text of a scanned document and the existing taxonomy, respond ` +
	`with a single JSON object with exactly these keys: title, correspondent, ` +
	`document_type, tags (array of at most 4 strings), document_date (YYYY-MM-DD ` +
	`or empty), summary, extracted_data (object of string key-value pairs), ` +
	`language (ISO 639-1). Prefer fuzzy-matching entries from the existing ` +
	`taxonomy over inventing new ones. Respond with JSON only.`

// Classifier turns OCR text into a structured classification via the
// external completion service.
type Classifier struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// ClassifierConfig holds classifier transport settings.
type ClassifierConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewClassifier creates a classification transport.
func NewClassifier(cfg *ClassifierConfig) *Classifier {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Classifier{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: timeout,
		logger:  cfg.Logger,
	}
}

// Classify sends the OCR text plus the existing taxonomy to the model and
// parses its JSON response strictly. A malformed response surfaces as a
// domain.ClassificationError, never as a blank classification.
func (c *Classifier) Classify(
	ctx context.Context, ocrText string,
	existingTags, existingCorrespondents, existingTypes []string,
) (domain.ClassificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildClassifyPrompt(
				ocrText, existingTags, existingCorrespondents, existingTypes,
			)},
		},
	})
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("classification completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.ClassificationResult{}, fmt.Errorf("classification completion: empty response")
	}

	return domain.ParseClassification(resp.Choices[0].Message.Content)
}

func buildClassifyPrompt(ocrText string, tags, correspondents, types []string) string {
	var b strings.Builder
	b.WriteString("Existing tags: ")
	writeNameList(&b, tags)
	b.WriteString("\nExisting correspondents: ")
	writeNameList(&b, correspondents)
	b.WriteString("\nExisting document types: ")
	writeNameList(&b, types)
	b.WriteString("\n\nDocument text:\n")
	b.WriteString(ocrText)
	return b.String()
}

func writeNameList(b *strings.Builder, names []string) {
	if len(names) == 0 {
		b.WriteString("(none)")
		return
	}
	b.WriteString(strings.Join(names, ", "))
}
