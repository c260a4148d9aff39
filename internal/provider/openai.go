package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultFallbackPrompt instructs the model to write one short holding reply.
const DefaultFallbackPrompt = "你是微信聊天中的智能体。下面是你和用户最近的聊天记录。" +
	"你正在处理用户的消息但还需要一点时间，请以智能体的口吻写一句简短自然的话，" +
	"找个合理的理由让用户稍等，不要回答用户的问题，只输出这句话。"

// OpenAIConfig configures the OpenAI-compatible filler writer.
type OpenAIConfig struct {
	APIKey       string
	APIBase      string
	Model        string
	MaxTokens    int
	SystemPrompt string
	Logger       *slog.Logger
}

// OpenAIWriter implements domain.FallbackWriter with a chat completion.
type OpenAIWriter struct {
	client    openai.Client
	model     string
	maxTokens int64
	prompt    string
	logger    *slog.Logger
}

func NewOpenAIWriter(cfg OpenAIConfig) *OpenAIWriter {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 120
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultFallbackPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAIWriter{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		prompt:    cfg.SystemPrompt,
		logger:    cfg.Logger,
	}
}

func (o *OpenAIWriter) WriteFallback(ctx context.Context, chatLog string) (string, error) {
	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(o.prompt),
			openai.UserMessage(chatLog),
		},
		MaxCompletionTokens: openai.Int(o.maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai fallback: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai fallback: no choices in response")
	}

	o.logger.Debug("fallback written",
		"model", o.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"completion_tokens", resp.Usage.CompletionTokens)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
