package agent

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/domain"
	"github.com/jiulingyun/wechat-bot/internal/serial"
)

type recordingHandler struct {
	mu       sync.Mutex
	batches  [][]domain.ContentItem
	at       []time.Time
	busy     int
	release  chan struct{} // when set, Process blocks until closed
	feedback domain.ContentItem
}

func (h *recordingHandler) Process(ctx context.Context, key string, batch []domain.ContentItem) domain.ContentItem {
	h.mu.Lock()
	h.batches = append(h.batches, batch)
	h.at = append(h.at, time.Now())
	release, feedback := h.release, h.feedback
	h.feedback = nil
	h.mu.Unlock()
	if release != nil {
		<-release
	}
	return feedback
}

func (h *recordingHandler) Busy(ctx context.Context, key string) {
	h.mu.Lock()
	h.busy++
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() ([][]domain.ContentItem, []time.Time, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.batches), slices.Clone(h.at), h.busy
}

func newTestBuffer(t *testing.T, window time.Duration, h BatchHandler) *Buffer {
	t.Helper()
	flushes := serial.New[string]("flush", testLogger())
	b := NewBuffer(BufferConfig{Window: window, Flushes: flushes, Logger: testLogger()})
	b.SetHandler(h)
	t.Cleanup(func() {
		b.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		flushes.Close(ctx)
	})
	return b
}

func TestBuffer_BatchesItemsWithinWindow(t *testing.T) {
	h := &recordingHandler{}
	window := 60 * time.Millisecond
	b := newTestBuffer(t, window, h)
	ctx := context.Background()

	b.AddItem(ctx, "A", domain.Text{Text: "hi"})
	time.Sleep(20 * time.Millisecond)
	last := time.Now()
	b.AddItem(ctx, "A", domain.Text{Text: "how are you"})

	waitFor(t, time.Second, "flush", func() bool {
		batches, _, _ := h.snapshot()
		return len(batches) == 1
	})
	batches, at, _ := h.snapshot()
	want := []domain.ContentItem{domain.Text{Text: "hi"}, domain.Text{Text: "how are you"}}
	if !slices.Equal(batches[0], want) {
		t.Fatalf("unexpected batch: %v", batches[0])
	}
	if at[0].Sub(last) < window {
		t.Errorf("flushed %v after the last arrival, want at least %v", at[0].Sub(last), window)
	}

	time.Sleep(2 * window)
	if batches, _, _ := h.snapshot(); len(batches) != 1 {
		t.Errorf("expected exactly one AI turn, got %d", len(batches))
	}
}

func TestBuffer_NoPrematureFlush(t *testing.T) {
	h := &recordingHandler{}
	window := 80 * time.Millisecond
	b := newTestBuffer(t, window, h)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.AddItem(ctx, "A", domain.Text{Text: "x"})
		time.Sleep(window / 2)
		if batches, _, _ := h.snapshot(); len(batches) != 0 {
			t.Fatalf("flushed before the window elapsed after arrival %d", i)
		}
	}
	waitFor(t, time.Second, "flush", func() bool {
		batches, _, _ := h.snapshot()
		return len(batches) == 1
	})
	batches, _, _ := h.snapshot()
	if len(batches[0]) != 4 {
		t.Errorf("expected all 4 items in one batch, got %d", len(batches[0]))
	}
}

func TestBuffer_KeysAreIndependent(t *testing.T) {
	h := &recordingHandler{}
	b := newTestBuffer(t, 20*time.Millisecond, h)
	ctx := context.Background()

	b.AddItem(ctx, "A", domain.Text{Text: "a"})
	b.AddItem(ctx, "B", domain.Text{Text: "b"})

	waitFor(t, time.Second, "two flushes", func() bool {
		batches, _, _ := h.snapshot()
		return len(batches) == 2
	})
}

func TestBuffer_ArrivalWhileProcessingIsNotBuffered(t *testing.T) {
	h := &recordingHandler{release: make(chan struct{})}
	b := newTestBuffer(t, 20*time.Millisecond, h)
	ctx := context.Background()

	b.AddItem(ctx, "A", domain.Text{Text: "first"})
	waitFor(t, time.Second, "processing", func() bool { return b.Processing("A") })

	b.AddItem(ctx, "A", domain.Text{Text: "during"})
	if items := b.Items("A"); len(items) != 0 {
		t.Fatalf("item must not be buffered while processing, got %v", items)
	}
	if _, _, busy := h.snapshot(); busy != 1 {
		t.Fatalf("expected the busy path once, got %d", busy)
	}
	if got := b.InFlight("A"); len(got) != 1 || got[0] != (domain.Text{Text: "first"}) {
		t.Errorf("unexpected in-flight batch: %v", got)
	}

	close(h.release)
	waitFor(t, time.Second, "release", func() bool { return !b.Processing("A") })

	time.Sleep(60 * time.Millisecond)
	if batches, _, _ := h.snapshot(); len(batches) != 1 {
		t.Errorf("dropped item must not start another turn, got %d turns", len(batches))
	}
}

func TestBuffer_FeedbackBufferedForNextTurn(t *testing.T) {
	feedback := failureFeedback("rate limited")
	h := &recordingHandler{release: make(chan struct{}), feedback: feedback}
	window := 40 * time.Millisecond
	b := newTestBuffer(t, window, h)
	ctx := context.Background()

	b.AddItem(ctx, "A", domain.Text{Text: "hi"})
	waitFor(t, time.Second, "processing", func() bool { return b.Processing("A") })
	close(h.release)
	waitFor(t, time.Second, "release", func() bool { return !b.Processing("A") })

	items := b.Items("A")
	if len(items) != 1 || items[0] != feedback {
		t.Fatalf("expected the failure feedback buffered, got %v", items)
	}

	waitFor(t, time.Second, "second turn", func() bool {
		batches, _, _ := h.snapshot()
		return len(batches) == 2
	})
	batches, _, _ := h.snapshot()
	if len(batches[1]) != 1 || batches[1][0] != feedback {
		t.Errorf("second turn should carry the feedback, got %v", batches[1])
	}
}

func TestBuffer_FlushEmptyIsNoop(t *testing.T) {
	h := &recordingHandler{}
	b := newTestBuffer(t, time.Hour, h)

	b.flush(context.Background(), "nobody", 0)
	b.flush(context.Background(), "nobody", 1)

	if batches, _, _ := h.snapshot(); len(batches) != 0 {
		t.Fatalf("empty flush must not call the handler")
	}
	if b.Keys() != 0 || b.Processing("nobody") {
		t.Error("empty flush must not create state")
	}
}

func TestBuffer_StaleFlushIsNoop(t *testing.T) {
	h := &recordingHandler{}
	b := newTestBuffer(t, time.Hour, h)
	b.AddItem(context.Background(), "A", domain.Text{Text: "x"})

	// Generation 1 was superseded by nothing yet; a flush for generation 0 is stale.
	b.flush(context.Background(), "A", 0)
	if batches, _, _ := h.snapshot(); len(batches) != 0 {
		t.Fatal("stale flush must not process the batch")
	}
	if len(b.Items("A")) != 1 {
		t.Error("stale flush must leave items in place")
	}
}

func TestBuffer_EvictsIdleKeys(t *testing.T) {
	h := &recordingHandler{}
	b := newTestBuffer(t, 10*time.Millisecond, h)
	b.AddItem(context.Background(), "A", domain.Text{Text: "x"})

	waitFor(t, time.Second, "eviction", func() bool {
		batches, _, _ := h.snapshot()
		return len(batches) == 1 && b.Keys() == 0
	})
}

func TestBuffer_ClaimFallbackOncePerInterval(t *testing.T) {
	h := &recordingHandler{release: make(chan struct{})}
	b := newTestBuffer(t, 10*time.Millisecond, h)

	if b.ClaimFallback("A") {
		t.Fatal("no claim outside a processing interval")
	}
	b.AddItem(context.Background(), "A", domain.Text{Text: "x"})
	waitFor(t, time.Second, "processing", func() bool { return b.Processing("A") })

	if !b.ClaimFallback("A") {
		t.Fatal("first claim should succeed")
	}
	if b.ClaimFallback("A") {
		t.Fatal("second claim in the same interval must fail")
	}
	close(h.release)
}

func TestBuffer_ReleasedClaimCanBeTakenAgain(t *testing.T) {
	h := &recordingHandler{release: make(chan struct{})}
	b := newTestBuffer(t, 10*time.Millisecond, h)
	b.AddItem(context.Background(), "A", domain.Text{Text: "x"})
	waitFor(t, time.Second, "processing", func() bool { return b.Processing("A") })

	if !b.ClaimFallback("A") {
		t.Fatal("first claim should succeed")
	}
	b.ReleaseFallback("A")
	if !b.ClaimFallback("A") {
		t.Fatal("a released claim should be available again")
	}
	close(h.release)
}

func TestBuffer_ExclusiveHoldsProcessingFlag(t *testing.T) {
	h := &recordingHandler{}
	b := newTestBuffer(t, time.Hour, h)

	started := make(chan struct{})
	finish := make(chan struct{})
	err := b.Exclusive("A", []domain.ContentItem{domain.Text{Text: "notice"}}, func(ctx context.Context) domain.ContentItem {
		close(started)
		<-finish
		return domain.Text{Text: "feedback"}
	})
	if err != nil {
		t.Fatalf("exclusive: %v", err)
	}
	<-started

	if !b.Processing("A") {
		t.Fatal("exclusive turn must hold the processing flag")
	}
	if got := b.InFlight("A"); len(got) != 1 || got[0] != (domain.Text{Text: "notice"}) {
		t.Errorf("in-flight should show the direct text, got %v", got)
	}
	b.AddItem(context.Background(), "A", domain.Text{Text: "late"})
	if _, _, busy := h.snapshot(); busy != 1 {
		t.Errorf("arrival during an exclusive turn should take the busy path, got %d", busy)
	}
	close(finish)

	waitFor(t, time.Second, "release", func() bool { return !b.Processing("A") })
	if items := b.Items("A"); len(items) != 1 || items[0] != (domain.Text{Text: "feedback"}) {
		t.Errorf("feedback should be buffered after the turn, got %v", items)
	}
}

func TestBuffer_StopCancelsTimers(t *testing.T) {
	h := &recordingHandler{}
	b := newTestBuffer(t, 20*time.Millisecond, h)
	b.AddItem(context.Background(), "A", domain.Text{Text: "x"})
	b.AddItem(context.Background(), "B", domain.Text{Text: "y"})

	if dropped := b.Stop(); dropped != 2 {
		t.Errorf("expected 2 discarded items, got %d", dropped)
	}
	time.Sleep(60 * time.Millisecond)
	if batches, _, _ := h.snapshot(); len(batches) != 0 {
		t.Error("no flush may run after Stop")
	}
}
