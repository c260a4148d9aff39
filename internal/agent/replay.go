package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/domain"
	"github.com/jiulingyun/wechat-bot/internal/serial"
)

// Replayer feeds messages that arrived while the relay was offline back
// into the buffer, one conversation at a time.
type Replayer struct {
	lastSeen domain.LastSeenStore
	history  domain.HistoryReader
	inbound  *serial.Processor[string]
	buffer   itemAdder
	logger   *slog.Logger
}

func NewReplayer(lastSeen domain.LastSeenStore, history domain.HistoryReader, inbound *serial.Processor[string], buffer itemAdder, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		lastSeen: lastSeen,
		history:  history,
		inbound:  inbound,
		buffer:   buffer,
		logger:   logger.With("component", "replay"),
	}
}

// Replay queues the unread text messages of every known sender and returns
// how many were queued.
func (r *Replayer) Replay(ctx context.Context) (int, error) {
	if r.lastSeen == nil || r.history == nil {
		return 0, fmt.Errorf("unread replay needs a last-seen store and a history source")
	}
	markers, err := r.lastSeen.ListLastSeen(ctx)
	if err != nil {
		return 0, fmt.Errorf("list last-seen markers: %w", err)
	}

	total := 0
	for _, m := range markers {
		since := time.Unix(domain.NormalizeUnix(m.LastMessageTime), 0)
		unread, err := r.history.Unread(ctx, m.UserID, since)
		if err != nil {
			r.logger.Warn("unread lookup failed", "user", m.UserID, "err", err)
			continue
		}
		if len(unread) == 0 {
			continue
		}

		items := make([]domain.ContentItem, 0, len(unread)+1)
		for _, e := range unread {
			items = append(items, domain.Text{Text: formatUnread(e)})
		}
		items = append(items, domain.Text{Text: unreadHintText})

		user := m.UserID
		err = r.inbound.Enqueue(user, func(ctx context.Context) error {
			for _, item := range items {
				r.buffer.AddItem(ctx, user, item)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		r.logger.Info("unread messages queued", "user", user, "count", len(unread))
		total += len(unread)
	}
	return total, nil
}
