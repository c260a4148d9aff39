package agent

import (
	"context"
	"log/slog"
	"time"
)

// transcriptPruner deletes transcript rows older than a cutoff.
type transcriptPruner interface {
	PruneTranscript(ctx context.Context, before time.Time) (int64, error)
}

// HousekeepingConfig configures the periodic transcript cleanup.
type HousekeepingConfig struct {
	Retention time.Duration // zero keeps the transcript forever
	Interval  time.Duration
	Logger    *slog.Logger
}

// Housekeeping prunes the local transcript on a fixed interval.
type Housekeeping struct {
	store     transcriptPruner
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

func NewHousekeeping(cfg HousekeepingConfig, store transcriptPruner) *Housekeeping {
	if cfg.Interval < time.Minute {
		cfg.Interval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Housekeeping{
		store:     store,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		logger:    cfg.Logger.With("component", "housekeeping"),
	}
}

// Start runs a prune immediately and then on every tick. Blocks until ctx
// is cancelled.
func (h *Housekeeping) Start(ctx context.Context) {
	if h.retention <= 0 || h.store == nil {
		return
	}
	h.logger.Info("housekeeping started", "interval", h.interval, "retention", h.retention)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Prune(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("housekeeping stopped")
			return
		case now := <-ticker.C:
			h.Prune(ctx, now)
		}
	}
}

// Prune removes transcript entries older than the retention as of now.
func (h *Housekeeping) Prune(ctx context.Context, now time.Time) int64 {
	n, err := h.store.PruneTranscript(ctx, now.Add(-h.retention))
	if err != nil {
		h.logger.Warn("transcript prune failed", "err", err)
		return 0
	}
	if n > 0 {
		h.logger.Info("transcript pruned", "rows", n)
	}
	return n
}
