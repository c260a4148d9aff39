package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/bus"
	"github.com/jiulingyun/wechat-bot/internal/domain"
)

// outboundQueue accepts reply fragments for paced delivery.
type outboundQueue interface {
	Enqueue(item domain.OutboundItem) error
}

// Orchestrator drives one AI turn per flushed batch and races it against
// the fallback timer.
type Orchestrator struct {
	backend  domain.Backend
	sessions *SessionManager
	botID    string
	outbound outboundQueue
	fallback *Fallback
	lastSeen domain.LastSeenStore
	window   time.Duration
	events   *bus.EventBus
	logger   *slog.Logger
}

// OrchestratorConfig configures NewOrchestrator. FallbackWindow is how long
// an AI call may run before the filler reply is attempted.
type OrchestratorConfig struct {
	Backend        domain.Backend
	Sessions       *SessionManager
	BotID          string
	Outbound       outboundQueue
	Fallback       *Fallback
	LastSeen       domain.LastSeenStore // optional
	FallbackWindow time.Duration
	Events         *bus.EventBus
	Logger         *slog.Logger
}

// NewOrchestrator creates the turn driver. It is installed as the buffer's
// BatchHandler.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		backend:  cfg.Backend,
		sessions: cfg.Sessions,
		botID:    cfg.BotID,
		outbound: cfg.Outbound,
		fallback: cfg.Fallback,
		lastSeen: cfg.LastSeen,
		window:   cfg.FallbackWindow,
		events:   cfg.Events,
		logger:   cfg.Logger.With("component", "orchestrator"),
	}
}

// Process implements BatchHandler. The fallback timer starts with the AI
// call and is stopped as soon as the call returns; a filler that already
// started is awaited before Process returns so it stays inside the
// processing interval.
func (o *Orchestrator) Process(ctx context.Context, key string, batch []domain.ContentItem) domain.ContentItem {
	o.events.Emit(bus.Event{Type: bus.EventBatchFlushed, Key: key, Payload: map[string]any{"items": len(batch)}})

	done := make(chan struct{})
	raced := make(chan struct{})
	go func() {
		defer close(raced)
		t := time.NewTimer(o.window)
		defer t.Stop()
		select {
		case <-done:
		case <-ctx.Done():
		case <-t.C:
			o.fallback.Fire(ctx, key, "timer")
		}
	}()

	start := time.Now()
	res, err := o.chat(ctx, key, domain.ChatRequest{Items: batch})
	close(done)
	defer func() { <-raced }()
	elapsed := time.Since(start)

	if err != nil {
		o.logger.Error("chat request failed", "key", key, "duration", elapsed, "err", err)
		o.events.Emit(bus.Event{Type: bus.EventChatError, Key: key, Payload: map[string]any{"duration": elapsed}})
		return nil
	}
	o.logger.Info("chat finished", "key", key, "status", res.Status, "duration", elapsed)
	return o.deliver(ctx, key, res, elapsed)
}

// Busy implements BatchHandler: an arrival during processing triggers the
// fallback path directly.
func (o *Orchestrator) Busy(ctx context.Context, key string) {
	o.fallback.Fire(ctx, key, "arrival")
}

// Direct sends plain text to the backend without batching, for system
// notices and friend requests. Callers run it through Buffer.Exclusive so it
// holds the conversation's processing flag. The reply is delivered the same
// way as a batch reply; a failure is returned as feedback.
func (o *Orchestrator) Direct(ctx context.Context, key, text string) (domain.ContentItem, error) {
	start := time.Now()
	res, err := o.chat(ctx, key, domain.ChatRequest{Text: text})
	if err != nil {
		o.events.Emit(bus.Event{Type: bus.EventChatError, Key: key, Payload: map[string]any{"duration": time.Since(start)}})
		return nil, err
	}
	return o.deliver(ctx, key, res, time.Since(start)), nil
}

func (o *Orchestrator) chat(ctx context.Context, key string, req domain.ChatRequest) (*domain.ChatResult, error) {
	req.BotID = o.botID
	req.UserID = key

	convID, err := o.sessions.Conversation(ctx, key, o.botID)
	if err != nil {
		o.logger.Warn("session lookup failed, starting new conversation", "key", key, "err", err)
	}
	req.ConversationID = convID

	res, err := o.backend.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if convID == "" && res.Status == domain.ChatCompleted {
		if err := o.sessions.Remember(ctx, key, o.botID, res.ConversationID); err != nil {
			o.logger.Warn("session save failed", "key", key, "err", err)
		}
	}
	return res, nil
}

// deliver maps a chat result to outbound sends or a feedback item.
func (o *Orchestrator) deliver(ctx context.Context, key string, res *domain.ChatResult, elapsed time.Duration) domain.ContentItem {
	if res.Status != domain.ChatCompleted {
		msg := string(res.Status)
		if res.LastError != nil && res.LastError.Msg != "" {
			msg = res.LastError.Msg
		}
		o.logger.Warn("chat did not complete", "key", key, "status", res.Status, "error", msg)
		o.events.Emit(bus.Event{Type: bus.EventChatFailed, Key: key, Payload: map[string]any{"status": string(res.Status), "duration": elapsed}})
		return failureFeedback(msg)
	}

	sent := 0
	for _, answer := range res.Answers() {
		for _, part := range splitReply(answer) {
			if err := o.outbound.Enqueue(domain.OutboundItem{Kind: domain.OutboundText, Recipient: key, Text: part}); err != nil {
				o.logger.Error("reply not queued", "key", key, "err", err)
				continue
			}
			sent++
		}
	}
	o.events.Emit(bus.Event{Type: bus.EventChatCompleted, Key: key, Payload: map[string]any{"fragments": sent, "duration": elapsed}})

	if o.lastSeen != nil {
		if err := o.lastSeen.TouchLastSeen(ctx, key, time.Now().Unix()); err != nil {
			o.logger.Warn("last-seen update failed", "key", key, "err", err)
		}
	}
	return nil
}
