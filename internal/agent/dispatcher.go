package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jiulingyun/wechat-bot/internal/bus"
	"github.com/jiulingyun/wechat-bot/internal/domain"
	"github.com/jiulingyun/wechat-bot/internal/serial"
)

// eventHandler processes one classified inbound event.
type eventHandler interface {
	Handle(ctx context.Context, evt domain.InboundEvent) error
}

// Dispatcher filters and classifies inbound events and hands them to the
// inbound serial processor, keyed by sender.
type Dispatcher struct {
	bus        domain.MessageBus
	inbound    *serial.Processor[string]
	takeover   domain.TakeoverState
	handler    eventHandler
	lastSeen   domain.LastSeenStore   // optional
	transcript domain.TranscriptStore // optional
	events     *bus.EventBus
	logger     *slog.Logger
}

// DispatcherConfig configures NewDispatcher. Bus is only read by Run.
type DispatcherConfig struct {
	Bus        domain.MessageBus
	Inbound    *serial.Processor[string]
	Takeover   domain.TakeoverState
	Handler    eventHandler
	LastSeen   domain.LastSeenStore
	Transcript domain.TranscriptStore
	Events     *bus.EventBus
	Logger     *slog.Logger
}

// NewDispatcher creates the inbound dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		bus:        cfg.Bus,
		inbound:    cfg.Inbound,
		takeover:   cfg.Takeover,
		handler:    cfg.Handler,
		lastSeen:   cfg.LastSeen,
		transcript: cfg.Transcript,
		events:     cfg.Events,
		logger:     cfg.Logger.With("component", "dispatcher"),
	}
}

// Run consumes the bus until ctx is done or the bus is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started")
	inbound := d.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case evt, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return
			}
			d.Dispatch(evt)
		}
	}
}

// InboundKey is the serial key an event is handled under. Friend requests
// and system notices get their own scope so they never queue behind a
// conversation's media handling.
func InboundKey(evt domain.InboundEvent) string {
	switch evt.Kind {
	case domain.KindVerify:
		sender := evt.SenderID
		if evt.Verify != nil && evt.Verify.FromUser != "" {
			sender = evt.Verify.FromUser
		}
		return sender + "_verify"
	case domain.KindSys:
		return evt.SenderID + "_sys"
	default:
		return evt.SenderID
	}
}

// Dispatch applies the takeover filter, intercepts self-originated control
// codes and enqueues everything else. It never blocks on handling.
func (d *Dispatcher) Dispatch(evt domain.InboundEvent) {
	if d.takeover != nil && d.takeover.IsPaused(evt.SenderID) {
		d.logger.Debug("sender under takeover, dropped", "sender", evt.SenderID)
		d.events.Emit(bus.Event{Type: bus.EventInboundDropped, Key: evt.SenderID, Payload: map[string]any{"reason": "takeover"}})
		return
	}
	if evt.Self {
		d.handleSelf(evt)
		return
	}
	if evt.SenderID == "" {
		d.logger.Warn("event without sender dropped", "id", evt.ID, "kind", evt.Kind)
		d.events.Emit(bus.Event{Type: bus.EventInboundDropped, Payload: map[string]any{"reason": "malformed"}})
		return
	}

	d.events.Emit(bus.Event{Type: bus.EventInboundReceived, Key: evt.SenderID, Payload: map[string]any{"kind": evt.Kind.String()}})
	err := d.inbound.Enqueue(InboundKey(evt), func(ctx context.Context) error {
		d.observe(ctx, evt)
		return d.handler.Handle(ctx, evt)
	})
	if err != nil {
		d.logger.Warn("event not enqueued", "sender", evt.SenderID, "err", err)
	}
}

// observe records the event for last-seen tracking and the local transcript.
func (d *Dispatcher) observe(ctx context.Context, evt domain.InboundEvent) {
	if evt.Group {
		return
	}
	if d.lastSeen != nil && evt.Kind != domain.KindVerify {
		if err := d.lastSeen.TouchLastSeen(ctx, evt.SenderID, evt.Timestamp); err != nil {
			d.logger.Warn("last-seen update failed", "sender", evt.SenderID, "err", err)
		}
	}
	if d.transcript != nil && evt.Kind != domain.KindVerify && evt.Kind != domain.KindSys {
		entry := domain.HistoryEntry{
			Kind:      evt.Kind,
			Content:   evt.Content,
			CreatedAt: evt.Time(),
		}
		if evt.Kind == domain.KindQuote && evt.Quote != nil && evt.Quote.Title != "" {
			entry.Content = evt.Quote.Title
		}
		if err := d.transcript.AppendTranscript(ctx, evt.SenderID, entry); err != nil {
			d.logger.Warn("transcript append failed", "sender", evt.SenderID, "err", err)
		}
	}
}

// handleSelf mutates the pause list when the operator sends a control code
// into a conversation. Other self messages are only transcribed.
func (d *Dispatcher) handleSelf(evt domain.InboundEvent) {
	room := evt.RoomID
	if d.takeover == nil || room == "" {
		return
	}
	code := strings.TrimSpace(evt.Content)

	var err error
	switch code {
	case d.takeover.PauseCode():
		err = d.takeover.Pause(room)
		d.logger.Info("takeover paused", "room", room)
	case d.takeover.ResumeCode():
		err = d.takeover.Resume(room)
		d.logger.Info("takeover resumed", "room", room)
	default:
		if d.transcript != nil && !evt.Group {
			recordSelf(context.Background(), d.transcript, room, domain.HistoryEntry{
				Kind:      evt.Kind,
				FromSelf:  true,
				Content:   evt.Content,
				CreatedAt: evt.Time(),
			}, d.logger)
		}
		return
	}
	if err != nil {
		d.logger.Error("takeover update failed", "room", room, "err", err)
		return
	}
	d.events.Emit(bus.Event{Type: bus.EventTakeoverChanged, Key: room, Payload: map[string]any{"paused": d.takeover.IsPaused(room)}})
}
