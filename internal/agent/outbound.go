package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/jiulingyun/wechat-bot/internal/bus"
	"github.com/jiulingyun/wechat-bot/internal/domain"
	"github.com/jiulingyun/wechat-bot/internal/serial"
)

// Outbound delivers sends per recipient in enqueue order, pausing before
// each text as if it were being typed.
type Outbound struct {
	proc       *serial.Processor[string]
	sender     domain.Sender
	transcript domain.TranscriptStore
	base       time.Duration
	jitter     time.Duration
	events     *bus.EventBus
	logger     *slog.Logger
}

// OutboundConfig configures NewOutbound. Processor is keyed by recipient.
type OutboundConfig struct {
	Processor    *serial.Processor[string]
	Sender       domain.Sender
	Transcript   domain.TranscriptStore // optional
	TypingBase   time.Duration          // per character
	TypingJitter time.Duration          // random extra per character, [0, jitter)
	Events       *bus.EventBus
	Logger       *slog.Logger
}

// NewOutbound creates the pacing queue on top of cfg.Processor.
func NewOutbound(cfg OutboundConfig) *Outbound {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Outbound{
		proc:       cfg.Processor,
		sender:     cfg.Sender,
		transcript: cfg.Transcript,
		base:       cfg.TypingBase,
		jitter:     cfg.TypingJitter,
		events:     cfg.Events,
		logger:     cfg.Logger.With("component", "outbound"),
	}
}

// TypingDelay is runeCount × (base + jitter draw).
func TypingDelay(text string, base, jitter time.Duration) time.Duration {
	per := base
	if jitter > 0 {
		per += time.Duration(rand.Int64N(int64(jitter)))
	}
	return time.Duration(utf8.RuneCountInString(text)) * per
}

// Enqueue schedules item for delivery to item.Recipient.
func (o *Outbound) Enqueue(item domain.OutboundItem) error {
	if item.Recipient == "" {
		return fmt.Errorf("outbound item has no recipient")
	}
	return o.proc.Enqueue(item.Recipient, func(ctx context.Context) error {
		return o.deliver(ctx, item)
	})
}

// Pending reports whether a send to recipient is queued or in flight.
func (o *Outbound) Pending(recipient string) bool {
	return o.proc.Pending(recipient)
}

func (o *Outbound) deliver(ctx context.Context, item domain.OutboundItem) error {
	var err error
	switch item.Kind {
	case domain.OutboundText:
		if d := TypingDelay(item.Text, o.base, o.jitter); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		err = o.sender.SendText(ctx, item.Recipient, item.Text, item.Mentions)
	case domain.OutboundImage:
		err = o.sender.SendImage(ctx, item.Recipient, item.Path)
	case domain.OutboundFile:
		err = o.sender.SendFile(ctx, item.Recipient, item.Path)
	default:
		return fmt.Errorf("unknown outbound kind %d", item.Kind)
	}
	if err != nil {
		o.events.Emit(bus.Event{Type: bus.EventOutboundError, Key: item.Recipient})
		return fmt.Errorf("send to %s: %w", item.Recipient, err)
	}

	o.events.Emit(bus.Event{Type: bus.EventOutboundSent, Key: item.Recipient})
	recordSelf(ctx, o.transcript, item.Recipient, outboundHistory(item), o.logger)
	return nil
}

func outboundHistory(item domain.OutboundItem) domain.HistoryEntry {
	e := domain.HistoryEntry{FromSelf: true, Content: item.Text, CreatedAt: time.Now()}
	switch item.Kind {
	case domain.OutboundText:
		e.Kind = domain.KindText
	case domain.OutboundImage:
		e.Kind = domain.KindImage
	case domain.OutboundFile:
		e.Kind = domain.KindFile
	}
	return e
}

// recordSelf appends an entry to the transcript when one is configured.
func recordSelf(ctx context.Context, ts domain.TranscriptStore, userID string, e domain.HistoryEntry, logger *slog.Logger) {
	if ts == nil {
		return
	}
	if err := ts.AppendTranscript(ctx, userID, e); err != nil {
		logger.Warn("transcript append failed", "user", userID, "err", err)
	}
}
