package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/bus"
	"github.com/jiulingyun/wechat-bot/internal/domain"
)

// fallbackClaimer is the part of Buffer the fallback path needs.
type fallbackClaimer interface {
	ClaimFallback(key string) bool
	ReleaseFallback(key string)
	InFlight(key string) []domain.ContentItem
}

// pendingChecker reports outbound activity per recipient.
type pendingChecker interface {
	Pending(recipient string) bool
}

// Fallback sends one short filler reply while the AI call for a
// conversation is slow.
type Fallback struct {
	writer     domain.FallbackWriter
	sender     domain.Sender
	history    domain.HistoryReader
	transcript domain.TranscriptStore
	claims     fallbackClaimer
	outbound   pendingChecker
	limit      int
	events     *bus.EventBus
	logger     *slog.Logger
}

// FallbackConfig configures NewFallback. A nil Writer disables filler replies.
type FallbackConfig struct {
	Writer       domain.FallbackWriter // nil disables filler replies
	Sender       domain.Sender
	History      domain.HistoryReader // optional
	Transcript   domain.TranscriptStore
	Claims       fallbackClaimer
	Outbound     pendingChecker
	HistoryLimit int
	Events       *bus.EventBus
	Logger       *slog.Logger
}

// NewFallback creates the filler sender. HistoryLimit defaults to 15 entries.
func NewFallback(cfg FallbackConfig) *Fallback {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 15
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fallback{
		writer:     cfg.Writer,
		sender:     cfg.Sender,
		history:    cfg.History,
		transcript: cfg.Transcript,
		claims:     cfg.Claims,
		outbound:   cfg.Outbound,
		limit:      cfg.HistoryLimit,
		events:     cfg.Events,
		logger:     cfg.Logger.With("component", "fallback"),
	}
}

// Fire sends the filler reply for key unless outbound delivery to the
// recipient has already started or a filler was already sent in this
// processing interval. A failed attempt gives the claim back, so a later
// trigger may retry. It returns true when a reply was sent.
func (f *Fallback) Fire(ctx context.Context, key, trigger string) bool {
	if f.writer == nil {
		return false
	}
	if f.suppressed(key, trigger) {
		return false
	}
	if !f.claims.ClaimFallback(key) {
		f.logger.Debug("fallback already sent or not processing", "key", key, "trigger", trigger)
		return false
	}

	chatLog := f.chatLog(ctx, key)
	text, err := f.writer.WriteFallback(ctx, chatLog)
	if err != nil {
		f.logger.Warn("fallback writer failed", "key", key, "err", err)
		f.claims.ReleaseFallback(key)
		return false
	}
	if text == "" {
		f.logger.Warn("fallback writer returned empty reply", "key", key)
		f.claims.ReleaseFallback(key)
		return false
	}
	if f.suppressed(key, trigger) {
		return false
	}

	if err := f.sender.SendText(ctx, key, text, nil); err != nil {
		f.logger.Warn("fallback send failed", "key", key, "err", err)
		f.claims.ReleaseFallback(key)
		return false
	}
	f.logger.Info("fallback reply sent", "key", key, "trigger", trigger)
	f.events.Emit(bus.Event{Type: bus.EventFallbackSent, Key: key, Payload: map[string]any{"trigger": trigger}})
	recordSelf(ctx, f.transcript, key, domain.HistoryEntry{
		Kind:      domain.KindText,
		FromSelf:  true,
		Content:   text,
		CreatedAt: time.Now(),
	}, f.logger)
	return true
}

func (f *Fallback) suppressed(key, trigger string) bool {
	if !f.outbound.Pending(key) {
		return false
	}
	f.logger.Debug("fallback suppressed, delivery already started", "key", key, "trigger", trigger)
	f.events.Emit(bus.Event{Type: bus.EventFallbackSuppressed, Key: key, Payload: map[string]any{"trigger": trigger}})
	return true
}

func (f *Fallback) chatLog(ctx context.Context, key string) string {
	var history []domain.HistoryEntry
	if f.history != nil {
		h, err := f.history.History(ctx, key, f.limit)
		if err != nil {
			f.logger.Warn("history unavailable for fallback", "key", key, "err", err)
		}
		history = h
	}
	return formatChatLog(history, f.claims.InFlight(key))
}
