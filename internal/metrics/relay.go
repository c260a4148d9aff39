package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/bus"
)

// RelayMetrics turns relay events into series.
type RelayMetrics struct {
	c           *Collector
	chatLatency *Histogram
	stats       func() map[string]int
}

// NewRelayMetrics registers the relay series on c. stats, when set, is
// sampled into per-stage gauges on every scrape.
func NewRelayMetrics(c *Collector, stats func() map[string]int) *RelayMetrics {
	return &RelayMetrics{
		c: c,
		chatLatency: c.Histogram("chat_latency_seconds", "AI backend chat latency in seconds",
			[]float64{0.5, 1, 2, 5, 10, 30, 60, 120}),
		stats: stats,
	}
}

// Attach subscribes to every event on eb and returns the handler id.
func (m *RelayMetrics) Attach(eb *bus.EventBus) string {
	return eb.On("*", m.Observe)
}

// Observe counts e and records latency payloads.
func (m *RelayMetrics) Observe(e bus.Event) {
	m.c.Counter("events_total", "Relay events by type", Label("type", e.Type)).Inc()

	switch e.Type {
	case bus.EventChatCompleted, bus.EventChatFailed, bus.EventChatError:
		if d, ok := e.Payload["duration"].(time.Duration); ok {
			m.chatLatency.Observe(d.Seconds())
		}
	case bus.EventInboundDropped:
		reason, _ := e.Payload["reason"].(string)
		m.c.Counter("inbound_dropped_total", "Inbound events dropped before handling", Label("reason", reason)).Inc()
	}
}

func (m *RelayMetrics) sample() {
	if m.stats == nil {
		return
	}
	for stage, n := range m.stats() {
		m.c.Gauge("stage_keys", "Keys with live work per relay stage", Label("stage", stage)).Set(int64(n))
	}
}

// Handler samples the stage gauges and renders the collector.
func (m *RelayMetrics) Handler() http.HandlerFunc {
	render := m.c.Handler()
	return func(w http.ResponseWriter, r *http.Request) {
		m.sample()
		render(w, r)
	}
}

// Serve exposes the metrics endpoint and /healthz on addr until ctx is done.
func Serve(ctx context.Context, addr, endpoint string, m *RelayMetrics, logger *slog.Logger) error {
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+endpoint, m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint started", "addr", addr, "path", endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
