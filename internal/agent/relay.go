package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/bus"
	"github.com/jiulingyun/wechat-bot/internal/domain"
	"github.com/jiulingyun/wechat-bot/internal/serial"
)

// Options holds the tuning of the relay.
type Options struct {
	BotID                     string
	ImageUnderstandWorkflowID string
	SystemMark                string
	BufferWindow              time.Duration
	FallbackWindow            time.Duration
	TypingBase                time.Duration
	TypingJitter              time.Duration
	HistoryLimit              int
	MediaDir                  string
}

// Deps are the collaborators the relay is wired to.
type Deps struct {
	Bus         domain.MessageBus
	Platform    domain.Platform
	Backend     domain.Backend
	Writer      domain.FallbackWriter // nil disables filler replies
	Transcriber domain.Transcriber    // nil uses the backend
	Sessions    domain.SessionStore
	Files       domain.FileStore
	LastSeen    domain.LastSeenStore
	History     domain.HistoryReader
	Transcript  domain.TranscriptStore // set when History reads the local transcript
	Takeover    domain.TakeoverState
	Events      *bus.EventBus
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Relay wires the three serial processors, the buffer, the orchestrator
// and the dispatcher together.
type Relay struct {
	inbound  *serial.Processor[string]
	flushes  *serial.Processor[string]
	sends    *serial.Processor[string]
	buffer   *Buffer
	outbound *Outbound
	orch     *Orchestrator
	fallback *Fallback
	handlers *Handlers
	dispatch *Dispatcher
	replayer *Replayer
	logger   *slog.Logger
}

// NewRelay builds the pipeline. Nothing runs until Run or Dispatch is called.
func NewRelay(opts Options, deps Deps) *Relay {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Relay{
		inbound: serial.New[string]("inbound", logger),
		flushes: serial.New[string]("flush", logger),
		sends:   serial.New[string]("outbound", logger),
		logger:  logger,
	}

	r.buffer = NewBuffer(BufferConfig{
		Window:  opts.BufferWindow,
		Flushes: r.flushes,
		Events:  deps.Events,
		Logger:  logger,
	})
	r.outbound = NewOutbound(OutboundConfig{
		Processor:    r.sends,
		Sender:       deps.Platform,
		Transcript:   deps.Transcript,
		TypingBase:   opts.TypingBase,
		TypingJitter: opts.TypingJitter,
		Events:       deps.Events,
		Logger:       logger,
	})
	r.fallback = NewFallback(FallbackConfig{
		Writer:       deps.Writer,
		Sender:       deps.Platform,
		History:      deps.History,
		Transcript:   deps.Transcript,
		Claims:       r.buffer,
		Outbound:     r.outbound,
		HistoryLimit: opts.HistoryLimit,
		Events:       deps.Events,
		Logger:       logger,
	})
	r.orch = NewOrchestrator(OrchestratorConfig{
		Backend:        deps.Backend,
		Sessions:       NewSessionManager(deps.Sessions, logger),
		BotID:          opts.BotID,
		Outbound:       r.outbound,
		Fallback:       r.fallback,
		LastSeen:       deps.LastSeen,
		FallbackWindow: opts.FallbackWindow,
		Events:         deps.Events,
		Logger:         logger,
	})
	r.buffer.SetHandler(r.orch)

	r.handlers = NewHandlers(HandlersConfig{
		Buffer:                    r.buffer,
		Direct:                    r.orch,
		Backend:                   deps.Backend,
		Transcriber:               deps.Transcriber,
		Platform:                  deps.Platform,
		Files:                     deps.Files,
		HTTPClient:                deps.HTTPClient,
		MediaDir:                  opts.MediaDir,
		BotID:                     opts.BotID,
		ImageUnderstandWorkflowID: opts.ImageUnderstandWorkflowID,
		SystemMark:                opts.SystemMark,
		Logger:                    logger,
	})
	r.dispatch = NewDispatcher(DispatcherConfig{
		Bus:        deps.Bus,
		Inbound:    r.inbound,
		Takeover:   deps.Takeover,
		Handler:    r.handlers,
		LastSeen:   deps.LastSeen,
		Transcript: deps.Transcript,
		Events:     deps.Events,
		Logger:     logger,
	})
	r.replayer = NewReplayer(deps.LastSeen, deps.History, r.inbound, r.buffer, logger)

	if ln, ok := deps.Platform.(domain.LoginNotifier); ok {
		ln.OnLogin(func() {
			n, err := r.replayer.Replay(context.Background())
			if err != nil {
				logger.Warn("unread replay failed", "err", err)
				return
			}
			logger.Info("unread replay finished", "messages", n)
		})
	}
	return r
}

// Run dispatches inbound events until ctx is done or the bus closes.
func (r *Relay) Run(ctx context.Context) {
	r.dispatch.Run(ctx)
}

// Dispatch handles a single event, bypassing the bus.
func (r *Relay) Dispatch(evt domain.InboundEvent) {
	r.dispatch.Dispatch(evt)
}

// Replay queues unread messages of all known senders.
func (r *Relay) Replay(ctx context.Context) (int, error) {
	return r.replayer.Replay(ctx)
}

func (r *Relay) Buffer() *Buffer { return r.buffer }

// Stats reports live work per stage.
func (r *Relay) Stats() map[string]int {
	return map[string]int{
		"inbound_keys":  r.inbound.Len(),
		"flush_keys":    r.flushes.Len(),
		"outbound_keys": r.sends.Len(),
		"buffered_keys": r.buffer.Keys(),
	}
}

// Shutdown drains the stages in pipeline order: inbound handling, then
// running AI turns, then outbound sends. Pending debounce timers are
// cancelled and their items discarded.
func (r *Relay) Shutdown(ctx context.Context) error {
	errIn := r.inbound.Close(ctx)
	dropped := r.buffer.Stop()
	if dropped > 0 {
		r.logger.Warn("unflushed items discarded", "items", dropped)
	}
	errFlush := r.flushes.Close(ctx)
	errOut := r.sends.Close(ctx)
	return errors.Join(errIn, errFlush, errOut)
}
