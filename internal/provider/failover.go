package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jiulingyun/wechat-bot/internal/domain"
)

// FailoverWriter tries filler writers in order until one returns a
// non-empty reply.
type FailoverWriter struct {
	writers []domain.FallbackWriter
	logger  *slog.Logger
}

// NewFailoverWriter creates a failover chain. At least one writer is required.
func NewFailoverWriter(writers []domain.FallbackWriter, logger *slog.Logger) *FailoverWriter {
	return &FailoverWriter{writers: writers, logger: logger}
}

func (fw *FailoverWriter) WriteFallback(ctx context.Context, chatLog string) (string, error) {
	var lastErr error
	for i, w := range fw.writers {
		text, err := w.WriteFallback(ctx, chatLog)
		if err == nil && text != "" {
			if i > 0 {
				fw.logger.Info("fallback writer failover succeeded", "index", i)
			}
			return text, nil
		}
		if err == nil {
			err = fmt.Errorf("writer %d returned an empty reply", i)
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		fw.logger.Warn("fallback writer failed, trying next", "index", i, "err", err)
	}
	if lastErr == nil {
		return "", fmt.Errorf("no fallback writers configured")
	}
	return "", fmt.Errorf("all fallback writers failed: %w", lastErr)
}
