package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// WhisperConfig configures the Whisper speech-to-text provider.
type WhisperConfig struct {
	APIBase string // e.g. "https://api.groq.com/openai/v1"; empty uses OpenAI
	APIKey  string
	Model   string // e.g. "whisper-1"
	Logger  *slog.Logger
}

// WhisperProvider implements domain.Transcriber with the OpenAI-compatible
// transcription endpoint.
type WhisperProvider struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

func NewWhisperProvider(cfg WhisperConfig) *WhisperProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhisperProvider{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

// Transcribe converts the audio file at path to text.
func (w *WhisperProvider) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	resp, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  f,
		Model: openai.AudioModel(w.model),
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}

	w.logger.Info("transcription complete", "text_len", len(resp.Text))
	return resp.Text, nil
}
