package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/bus"
	"github.com/jiulingyun/wechat-bot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// --- backend ---

type chatCall struct {
	req domain.ChatRequest
	at  time.Time
}

type fakeBackend struct {
	mu       sync.Mutex
	calls    []chatCall
	inflight int
	maxIn    int

	delay   time.Duration
	result  func(req domain.ChatRequest) *domain.ChatResult
	chatErr error

	uploads       []string
	uploadErr     error
	workflows     []domain.WorkflowRequest
	workflow      map[string]any
	transcript    string
	transcribeErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		result: func(domain.ChatRequest) *domain.ChatResult {
			return completed("conv-1", "好的")
		},
	}
}

func completed(convID string, answers ...string) *domain.ChatResult {
	res := &domain.ChatResult{Status: domain.ChatCompleted, ConversationID: convID}
	for _, a := range answers {
		res.Messages = append(res.Messages, domain.ChatMessage{Role: "assistant", Type: "answer", Content: a})
	}
	return res
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, chatCall{req: req, at: time.Now()})
	f.inflight++
	f.maxIn = max(f.maxIn, f.inflight)
	delay, result, chatErr := f.delay, f.result, f.chatErr
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if chatErr != nil {
		return nil, chatErr
	}
	return result(req), nil
}

func (f *fakeBackend) RunWorkflow(ctx context.Context, req domain.WorkflowRequest) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows = append(f.workflows, req)
	return f.workflow, nil
}

func (f *fakeBackend) UploadFile(ctx context.Context, path string) (*domain.UploadedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, path)
	return &domain.UploadedFile{ID: fmt.Sprintf("file_%d", len(f.uploads)), Bytes: 3, FileName: filepath.Base(path)}, nil
}

func (f *fakeBackend) Transcribe(ctx context.Context, path string) (string, error) {
	return f.transcript, f.transcribeErr
}

func (f *fakeBackend) chatCalls() []chatCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeBackend) maxInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxIn
}

// --- platform ---

type sent struct {
	to   string
	kind string
	body string
	at   time.Time
}

type fakePlatform struct {
	mu       sync.Mutex
	sends    []sent
	accepted []domain.VerifyRequest
	download string
	dlErr    error
}

func (p *fakePlatform) Name() string { return "fake" }

func (p *fakePlatform) Start(ctx context.Context, b domain.MessageBus) error { return nil }

func (p *fakePlatform) Stop() error { return nil }

func (p *fakePlatform) record(to, kind, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends = append(p.sends, sent{to: to, kind: kind, body: body, at: time.Now()})
}

func (p *fakePlatform) SendText(ctx context.Context, to, text string, mentions []string) error {
	p.record(to, "text", text)
	return nil
}

func (p *fakePlatform) SendImage(ctx context.Context, to, path string) error {
	p.record(to, "image", path)
	return nil
}

func (p *fakePlatform) SendFile(ctx context.Context, to, path string) error {
	p.record(to, "file", path)
	return nil
}

func (p *fakePlatform) Download(ctx context.Context, evt domain.InboundEvent) (string, error) {
	if p.dlErr != nil {
		return "", p.dlErr
	}
	return p.download, nil
}

func (p *fakePlatform) AcceptFriend(ctx context.Context, req domain.VerifyRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepted = append(p.accepted, req)
	return nil
}

func (p *fakePlatform) sentItems() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.sends)
}

// --- fallback writer ---

type fakeWriter struct {
	mu    sync.Mutex
	logs  []string
	reply string
	err   error
}

func (w *fakeWriter) WriteFallback(ctx context.Context, chatLog string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logs = append(w.logs, chatLog)
	return w.reply, w.err
}

func (w *fakeWriter) calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.logs)
}

// --- stores ---

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]domain.SessionMapping
	files    map[string]domain.FileRecord
	lastSeen map[string]int64
	unread   map[string][]domain.HistoryEntry
	history  []domain.HistoryEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]domain.SessionMapping{},
		files:    map[string]domain.FileRecord{},
		lastSeen: map[string]int64{},
		unread:   map[string][]domain.HistoryEntry{},
	}
}

func (s *fakeStore) GetSession(ctx context.Context, userID, botID string) (*domain.SessionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.sessions[userID+"/"+botID]; ok {
		return &m, nil
	}
	return nil, nil
}

func (s *fakeStore) SaveSession(ctx context.Context, m domain.SessionMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[m.UserID+"/"+m.BotID] = m
	return nil
}

func (s *fakeStore) SaveFile(ctx context.Context, rec domain.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[rec.OriginMsgID] = rec
	return nil
}

func (s *fakeStore) FindFileByOrigin(ctx context.Context, id string) (*domain.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.files[id]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (s *fakeStore) TouchLastSeen(ctx context.Context, userID string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[userID] = domain.NormalizeUnix(ts)
	return nil
}

func (s *fakeStore) ListLastSeen(ctx context.Context) ([]domain.LastSeen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LastSeen
	for u, ts := range s.lastSeen {
		out = append(out, domain.LastSeen{UserID: u, LastMessageTime: ts})
	}
	slices.SortFunc(out, func(a, b domain.LastSeen) int {
		if a.UserID < b.UserID {
			return -1
		}
		return 1
	})
	return out, nil
}

func (s *fakeStore) History(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history), nil
}

func (s *fakeStore) Unread(ctx context.Context, userID string, since time.Time) ([]domain.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HistoryEntry
	for _, e := range s.unread[userID] {
		if e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- takeover ---

type fakeTakeover struct {
	mu     sync.Mutex
	paused []string
}

func (f *fakeTakeover) IsPaused(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.paused, id)
}

func (f *fakeTakeover) Pause(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.paused, id) {
		f.paused = append(f.paused, id)
	}
	return nil
}

func (f *fakeTakeover) Resume(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = slices.DeleteFunc(f.paused, func(s string) bool { return s == id })
	return nil
}

func (f *fakeTakeover) PauseCode() string { return "[皱眉][皱眉][皱眉]" }

func (f *fakeTakeover) ResumeCode() string { return "[微笑][微笑][微笑]" }

// --- relay harness ---

type harness struct {
	relay    *Relay
	backend  *fakeBackend
	platform *fakePlatform
	writer   *fakeWriter
	store    *fakeStore
	takeover *fakeTakeover
	events   *bus.EventBus
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		backend:  newFakeBackend(),
		platform: &fakePlatform{},
		writer:   &fakeWriter{reply: "稍等一下，我看看"},
		store:    newFakeStore(),
		takeover: &fakeTakeover{},
		events:   bus.NewEventBus(testLogger()),
	}
	if opts.BotID == "" {
		opts.BotID = "bot"
	}
	if opts.BufferWindow == 0 {
		opts.BufferWindow = 30 * time.Millisecond
	}
	if opts.FallbackWindow == 0 {
		opts.FallbackWindow = time.Second
	}
	if opts.MediaDir == "" {
		opts.MediaDir = t.TempDir()
	}
	h.relay = NewRelay(opts, Deps{
		Platform: h.platform,
		Backend:  h.backend,
		Writer:   h.writer,
		Sessions: h.store,
		Files:    h.store,
		LastSeen: h.store,
		History:  h.store,
		Takeover: h.takeover,
		Events:   h.events,
		Logger:   testLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.relay.Shutdown(ctx)
	})
	return h
}

func (h *harness) add(key, text string) {
	h.relay.Buffer().AddItem(context.Background(), key, domain.Text{Text: text})
}

var errTransport = errors.New("connection reset")
