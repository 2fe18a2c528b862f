package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
)

// ChatStreamer drives streaming chat completions against the external
// completion service.
type ChatStreamer struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// ChatConfig holds chat transport settings.
type ChatConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  *zap.Logger
}

// NewChatStreamer creates a streaming chat transport.
func NewChatStreamer(cfg *ChatConfig) *ChatStreamer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &ChatStreamer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

// Stream runs a streaming completion, invoking onChunk for every text
// fragment as it arrives. It returns the full accumulated text; on a
// mid-stream failure the text received so far is returned alongside the
// error so the caller can persist the partial message.
func (c *ChatStreamer) Stream(
	ctx context.Context,
	system string,
	history []domain.ChatMessage,
	onChunk func(chunk string) error,
) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("create chat stream: %w", err)
	}
	defer stream.Close()

	var full string
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return full, nil
		}
		if err != nil {
			return full, fmt.Errorf("chat stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		chunk := resp.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		full += chunk
		if err := onChunk(chunk); err != nil {
			return full, fmt.Errorf("chunk callback: %w", err)
		}
	}
}

// GenerateTitle produces a short conversation title from the first user
// message, falling back to a timestamp-free truncation on failure.
func (c *ChatStreamer) GenerateTitle(ctx context.Context, firstMessage string) string {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "Generate a title of at most six words for a conversation " +
					"that starts with the following message. Respond with the title only.",
			},
			{Role: openai.ChatMessageRoleUser, Content: firstMessage},
		},
	})
	if err != nil || len(resp.Choices) == 0 {
		if c.logger != nil {
			c.logger.Debug("title generation failed, using truncation", zap.Error(err))
		}
		return truncateRunes(firstMessage, 60)
	}
	return resp.Choices[0].Message.Content
}
