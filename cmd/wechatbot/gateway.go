package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/agent"
	"github.com/jiulingyun/wechat-bot/internal/bus"
	"github.com/jiulingyun/wechat-bot/internal/channel"
	"github.com/jiulingyun/wechat-bot/internal/config"
	"github.com/jiulingyun/wechat-bot/internal/domain"
	"github.com/jiulingyun/wechat-bot/internal/memory"
	"github.com/jiulingyun/wechat-bot/internal/metrics"
	"github.com/jiulingyun/wechat-bot/internal/provider"

	"github.com/spf13/cobra"
)

// app holds everything the gateway and replay commands run.
type app struct {
	cfg      *config.Config
	store    *memory.SQLiteStore
	takeover *config.Takeover
	platform domain.Platform
	bus      *bus.InMemoryBus
	events   *bus.EventBus
	relay    *agent.Relay
	metrics  *metrics.RelayMetrics
}

func openStore(cfg *config.Config) (*memory.SQLiteStore, error) {
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	return store, nil
}

func newPlatform(cfg *config.Config) (domain.Platform, error) {
	switch cfg.Platform.Name {
	case "wcf":
		pc := cfg.Platform.WCF
		return channel.NewWCF(channel.WCFConfig{
			URL:               pc.URL,
			RequestTimeout:    time.Duration(pc.RequestTimeoutSec) * time.Second,
			DownloadTimeout:   time.Duration(pc.DownloadTimeoutSec) * time.Second,
			ReconnectInterval: time.Duration(pc.ReconnectSec) * time.Second,
			MediaDir:          pc.MediaDir,
			Logger:            logger,
		}), nil
	case "telegram":
		pc := cfg.Platform.Telegram
		return channel.NewTelegram(channel.TelegramConfig{
			Token:     pc.Token,
			AllowFrom: pc.AllowFrom,
			MediaDir:  pc.MediaDir,
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown platform: %s", cfg.Platform.Name)
	}
}

func buildApp(cfg *config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store}
	fail := func(err error) (*app, error) {
		store.Close()
		return nil, err
	}

	a.takeover, err = config.LoadTakeover(cfg.Takeover.Path, logger)
	if err != nil {
		return fail(fmt.Errorf("takeover state: %w", err))
	}

	factory := provider.NewFactory(cfg, logger)
	backend, err := factory.Backend()
	if err != nil {
		return fail(err)
	}
	writer, err := factory.FallbackWriter()
	if err != nil {
		return fail(err)
	}
	transcriber, err := factory.Transcriber()
	if err != nil {
		return fail(err)
	}

	a.platform, err = newPlatform(cfg)
	if err != nil {
		return fail(err)
	}

	// Platforms with native history feed the fallback chat log themselves;
	// the others read back what the relay transcribed locally.
	var history domain.HistoryReader = store
	var transcript domain.TranscriptStore = store
	if hr, ok := a.platform.(domain.HistoryReader); ok {
		history, transcript = hr, nil
	}

	a.bus = bus.New(cfg.Relay.InboundBuffer, logger)
	a.events = bus.NewEventBus(logger)

	mediaDir := cfg.Platform.WCF.MediaDir
	if cfg.Platform.Name == "telegram" {
		mediaDir = cfg.Platform.Telegram.MediaDir
	}
	a.relay = agent.NewRelay(agent.Options{
		BotID:                     cfg.Backend.Coze.BotID,
		ImageUnderstandWorkflowID: cfg.Backend.Coze.ImageUnderstandWorkflowID,
		SystemMark:                cfg.General.SystemMessageMark,
		BufferWindow:              cfg.Relay.BufferWindow(),
		FallbackWindow:            cfg.Relay.FallbackWindow(),
		TypingBase:                time.Duration(cfg.Relay.TypingBaseMs) * time.Millisecond,
		TypingJitter:              time.Duration(cfg.Relay.TypingJitterMs) * time.Millisecond,
		HistoryLimit:              cfg.Relay.HistoryLimit,
		MediaDir:                  mediaDir,
	}, agent.Deps{
		Bus:         a.bus,
		Platform:    a.platform,
		Backend:     backend,
		Writer:      writer,
		Transcriber: transcriber,
		Sessions:    store,
		Files:       store,
		LastSeen:    store,
		History:     history,
		Transcript:  transcript,
		Takeover:    a.takeover,
		Events:      a.events,
		HTTPClient:  provider.NewHTTPClient(provider.MediaTimeout),
		Logger:      logger,
	})

	a.metrics = metrics.NewRelayMetrics(metrics.NewCollector("wechatbot_"), a.relay.Stats)
	a.metrics.Attach(a.events)
	a.events.On(bus.EventTakeoverChanged, func(e bus.Event) {
		logger.Info("takeover changed", "room", e.Key, "paused", e.Payload["paused"])
	})
	return a, nil
}

// start launches the platform, the takeover watcher, housekeeping and the
// metrics endpoint, then dispatches inbound events in the background.
func (a *app) start(ctx context.Context) {
	go func() {
		if err := a.platform.Start(ctx, a.bus); err != nil {
			logger.Error("platform stopped", "platform", a.platform.Name(), "err", err)
		}
	}()

	if a.cfg.Takeover.Watch {
		a.takeover.OnChange(func(st config.TakeoverState) {
			logger.Info("takeover file reloaded", "paused", len(st.Paused))
		})
		go func() {
			if err := a.takeover.Watch(ctx); err != nil {
				logger.Warn("takeover watch stopped", "err", err)
			}
		}()
	}

	hk := agent.NewHousekeeping(agent.HousekeepingConfig{
		Retention: time.Duration(a.cfg.Memory.TranscriptRetentionDays) * 24 * time.Hour,
		Logger:    logger,
	}, a.store)
	go hk.Start(ctx)

	if a.cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, a.cfg.Metrics.Addr, a.cfg.Metrics.Endpoint, a.metrics, logger); err != nil {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
	}

	go a.relay.Run(ctx)
}

// shutdown stops intake and drains the relay within the configured timeout.
func (a *app) shutdown() error {
	timeout := time.Duration(a.cfg.Relay.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.platform.Stop(); err != nil {
		logger.Warn("platform stop", "err", err)
	}
	a.bus.Close()
	err := a.relay.Shutdown(ctx)
	if cerr := a.store.Close(); cerr != nil {
		logger.Warn("store close", "err", cerr)
	}
	return err
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the relay",
		Long:  "Connects to the chat platform and relays conversations to the Coze bot. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := configureLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	a.start(ctx)
	logger.Info("gateway started. Press Ctrl+C to stop.",
		"platform", cfg.Platform.Name,
		"buffer_window", cfg.Relay.BufferWindow(),
		"fallback_window", cfg.Relay.FallbackWindow(),
	)

	<-ctx.Done()
	logger.Info("shutting down gateway...")
	if err := a.shutdown(); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func replayCmd() *cobra.Command {
	var (
		connectWait time.Duration
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Answer messages that arrived while the relay was offline, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			closeLog, err := configureLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			a.start(ctx)

			select {
			case <-time.After(connectWait):
			case <-ctx.Done():
			}
			n, err := a.relay.Replay(ctx)
			if err != nil {
				a.shutdown()
				return fmt.Errorf("replay: %w", err)
			}
			logger.Info("unread messages queued", "messages", n)

			if n > 0 {
				waitIdle(ctx, a.relay)
			}
			return a.shutdown()
		},
	}
	cmd.Flags().DurationVar(&connectWait, "connect-wait", 3*time.Second, "time to let the platform connect before replaying")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

// waitIdle blocks until no stage of the relay has live work or ctx is done.
func waitIdle(ctx context.Context, r *agent.Relay) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		busy := 0
		for _, n := range r.Stats() {
			busy += n
		}
		if busy == 0 {
			return
		}
	}
}
