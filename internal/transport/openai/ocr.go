package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/metrics"
)

const ocrSystemPrompt = `You are an OCR engine. Transcribe the text in the ` +
	`provided page image exactly as written. Preserve line breaks and reading ` +
	`order. Do not invent, summarize, translate or correct content. If the page ` +
	`contains no text, respond with an empty string.`

// OCRClient extracts text from page images via a vision-capable chat model.
type OCRClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// OCRConfig holds OCR transport settings.
type OCRConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewOCRClient creates a vision OCR transport.
func NewOCRClient(cfg *OCRConfig) *OCRClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OCRClient{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: timeout,
		logger:  cfg.Logger,
	}
}

// ExtractText transcribes one page image into text.
func (c *OCRClient) ExtractText(ctx context.Context, image []byte, mimeType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: ocrSystemPrompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Transcribe this page.",
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
	})
	if err != nil {
		metrics.OCRPagesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("ocr completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.OCRPagesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("ocr completion: empty response")
	}

	metrics.OCRPagesTotal.WithLabelValues("success").Inc()
	return resp.Choices[0].Message.Content, nil
}
