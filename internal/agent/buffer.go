package agent

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/bus"
	"github.com/jiulingyun/wechat-bot/internal/domain"
	"github.com/jiulingyun/wechat-bot/internal/serial"
)

// BatchHandler consumes flushed batches.
type BatchHandler interface {
	// Process runs one AI turn for key. A non-nil result is fed back into
	// the buffer for the next turn.
	Process(ctx context.Context, key string, batch []domain.ContentItem) domain.ContentItem
	// Busy is called when an item arrives while key is processing.
	Busy(ctx context.Context, key string)
}

// pending is the per-key state. All fields are guarded by Buffer.mu.
type pending struct {
	items      []domain.ContentItem
	inflight   []domain.ContentItem
	timer      *time.Timer
	gen        uint64
	processing bool
	claimed    bool // a fallback was sent during this processing interval
}

// Buffer accumulates items per conversation behind a resettable debounce
// timer and submits flushes to a per-key serial processor.
type Buffer struct {
	window  time.Duration
	flushes *serial.Processor[string]
	events  *bus.EventBus
	logger  *slog.Logger

	mu      sync.Mutex
	state   map[string]*pending
	handler BatchHandler
	stopped bool
}

// BufferConfig configures NewBuffer. Flushes is the processor flushes and
// exclusive turns run on.
type BufferConfig struct {
	Window  time.Duration
	Flushes *serial.Processor[string]
	Events  *bus.EventBus
	Logger  *slog.Logger
}

// NewBuffer creates an empty buffer. SetHandler must be called before use.
func NewBuffer(cfg BufferConfig) *Buffer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Buffer{
		window:  cfg.Window,
		flushes: cfg.Flushes,
		events:  cfg.Events,
		logger:  cfg.Logger.With("component", "buffer"),
		state:   make(map[string]*pending),
	}
}

// SetHandler installs the batch consumer. Must be called before the first AddItem.
func (b *Buffer) SetHandler(h BatchHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// AddItem buffers item for key and restarts the debounce timer. While an AI
// call is outstanding for key the item is not buffered; the handler's Busy
// path runs instead and the item is dropped.
func (b *Buffer) AddItem(ctx context.Context, key string, item domain.ContentItem) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.logger.Warn("buffer stopped, item dropped", "key", key)
		return
	}
	st := b.state[key]
	if st == nil {
		st = &pending{}
		b.state[key] = st
	}
	if st.processing {
		h := b.handler
		b.mu.Unlock()
		b.logger.Info("item arrived while processing, not buffered", "key", key, "type", domain.ItemType(item))
		b.events.Emit(bus.Event{Type: bus.EventItemRejected, Key: key})
		if h != nil {
			h.Busy(ctx, key)
		}
		return
	}
	st.items = append(st.items, item)
	n := len(st.items)
	b.arm(key, st)
	b.mu.Unlock()

	b.logger.Debug("item buffered", "key", key, "type", domain.ItemType(item), "count", n)
	b.events.Emit(bus.Event{Type: bus.EventItemBuffered, Key: key, Payload: map[string]any{"count": n}})
}

// arm cancels the live timer and starts a new one. Caller holds mu.
func (b *Buffer) arm(key string, st *pending) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(b.window, func() { b.expire(key, gen) })
}

// expire submits the flush for a timer that has not been superseded.
func (b *Buffer) expire(key string, gen uint64) {
	b.mu.Lock()
	st := b.state[key]
	if st == nil || st.gen != gen || b.stopped {
		b.mu.Unlock()
		return
	}
	st.timer = nil
	b.mu.Unlock()

	err := b.flushes.Enqueue(key, func(ctx context.Context) error {
		b.flush(ctx, key, gen)
		return nil
	})
	if err != nil {
		b.logger.Warn("flush not scheduled", "key", key, "err", err)
	}
}

// flush hands the batch to the handler. It is a no-op when the batch is
// empty or a later arrival rescheduled the flush.
func (b *Buffer) flush(ctx context.Context, key string, gen uint64) {
	b.mu.Lock()
	st := b.state[key]
	if st == nil || st.gen != gen || len(st.items) == 0 || st.processing {
		b.mu.Unlock()
		return
	}
	batch := st.items
	st.items = nil
	st.inflight = batch
	st.processing = true
	st.claimed = false
	h := b.handler
	b.mu.Unlock()

	var feedback domain.ContentItem
	defer func() { b.release(key, feedback) }()

	b.logger.Info("flushing batch", "key", key, "items", len(batch))
	if h != nil {
		feedback = h.Process(ctx, key, batch)
	}
}

// Exclusive schedules fn on the flush processor for key and holds the
// processing flag while it runs, so it never overlaps a batch turn for the
// same conversation. inflight is what the fallback chat log shows as the
// pending request. A non-nil result of fn is buffered like batch feedback.
func (b *Buffer) Exclusive(key string, inflight []domain.ContentItem, fn func(ctx context.Context) domain.ContentItem) error {
	return b.flushes.Enqueue(key, func(ctx context.Context) error {
		b.mu.Lock()
		st := b.state[key]
		if st == nil {
			st = &pending{}
			b.state[key] = st
		}
		st.inflight = inflight
		st.processing = true
		st.claimed = false
		b.mu.Unlock()

		var feedback domain.ContentItem
		defer func() { b.release(key, feedback) }()
		feedback = fn(ctx)
		return nil
	})
}

// release clears the processing flag and, in the same critical section,
// buffers the feedback item with a fresh debounce timer.
func (b *Buffer) release(key string, feedback domain.ContentItem) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state[key]
	if st == nil {
		return
	}
	st.processing = false
	st.inflight = nil
	if feedback != nil && !b.stopped {
		st.items = append(st.items, feedback)
		b.arm(key, st)
		return
	}
	if len(st.items) == 0 && st.timer == nil {
		delete(b.state, key)
	}
}

// ClaimFallback reports whether a fallback may be sent for key now. It
// succeeds at most once per processing interval unless the claim is
// released again.
func (b *Buffer) ClaimFallback(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state[key]
	if st == nil || !st.processing || st.claimed {
		return false
	}
	st.claimed = true
	return true
}

// ReleaseFallback returns an unused claim, letting a later trigger in the
// same processing interval try again.
func (b *Buffer) ReleaseFallback(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.state[key]; st != nil && st.processing {
		st.claimed = false
	}
}

// Processing reports whether an AI call is outstanding for key.
func (b *Buffer) Processing(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state[key]
	return st != nil && st.processing
}

// Items returns a copy of the buffered, not yet flushed items for key.
func (b *Buffer) Items(key string) []domain.ContentItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.state[key]; st != nil {
		return slices.Clone(st.items)
	}
	return nil
}

// InFlight returns a copy of the batch currently being processed for key.
func (b *Buffer) InFlight(key string) []domain.ContentItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.state[key]; st != nil {
		return slices.Clone(st.inflight)
	}
	return nil
}

// Keys returns the number of conversations with live state.
func (b *Buffer) Keys() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state)
}

// Stop cancels every debounce timer. Unflushed items are discarded.
func (b *Buffer) Stop() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	dropped := 0
	for _, st := range b.state {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		dropped += len(st.items)
	}
	return dropped
}
