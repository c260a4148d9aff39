package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jiulingyun/wechat-bot/internal/domain"
)

// ErrDisconnected is returned by bridge calls made while no connection is up.
var ErrDisconnected = errors.New("wechat bridge not connected")

// WeChat message types as reported by the hook.
const (
	wxText      = 1
	wxImage     = 3
	wxVoice     = 34
	wxVerify    = 37
	wxVideo     = 43
	wxEmoticon  = 47
	wxApp       = 49
	wxSys       = 10000
	appFile     = 6
	wcfPlatform = "wechat"
)

// WCFConfig configures the hook bridge client.
type WCFConfig struct {
	URL               string
	RequestTimeout    time.Duration
	DownloadTimeout   time.Duration
	ReconnectInterval time.Duration
	MediaDir          string
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

// WCF connects to a WeChat hook bridge over a websocket. Inbound messages
// arrive as event frames; every outbound action is a command frame answered
// by a reply frame carrying the same id.
type WCF struct {
	url       string
	timeout   time.Duration
	dlTimeout time.Duration
	reconnect time.Duration
	mediaDir  string
	dialer    *websocket.Dialer
	logger    *slog.Logger

	bus domain.MessageBus

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wcfReply
	writeMu sync.Mutex

	loginMu sync.RWMutex
	onLogin []func()

	stop     chan struct{}
	stopOnce sync.Once
}

// wcfFrame is the union of event and reply frames sent by the bridge.
type wcfFrame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
}

type wcfReply struct {
	ok   bool
	err  string
	data json.RawMessage
}

type wcfCommand struct {
	ID     string `json:"id"`
	Cmd    string `json:"cmd"`
	Params any    `json:"params,omitempty"`
}

// wcfMessage is the message payload of an inbound event.
type wcfMessage struct {
	ID      string `json:"id"`
	Type    int    `json:"type"`
	Sender  string `json:"sender"`
	RoomID  string `json:"roomid"`
	Content string `json:"content"`
	Thumb   string `json:"thumb"`
	Extra   string `json:"extra"`
	IsSelf  bool   `json:"is_self"`
	IsGroup bool   `json:"is_group"`
	TS      int64  `json:"ts"`
	XML     string `json:"xml"`
}

type wcfHistoryRow struct {
	Type    int    `json:"type"`
	IsSelf  bool   `json:"is_self"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

type wcfPath struct {
	Path string `json:"path"`
}

func NewWCF(cfg WCFConfig) *WCF {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WCF{
		url:       cfg.URL,
		timeout:   cfg.RequestTimeout,
		dlTimeout: cfg.DownloadTimeout,
		reconnect: cfg.ReconnectInterval,
		mediaDir:  cfg.MediaDir,
		dialer:    cfg.Dialer,
		logger:    cfg.Logger.With("platform", wcfPlatform),
		pending:   make(map[string]chan wcfReply),
		stop:      make(chan struct{}),
	}
}

func (w *WCF) Name() string { return wcfPlatform }

// OnLogin registers fn to run each time the bridge reports a login.
func (w *WCF) OnLogin(fn func()) {
	w.loginMu.Lock()
	defer w.loginMu.Unlock()
	w.onLogin = append(w.onLogin, fn)
}

// Start connects to the bridge and publishes inbound messages to bus,
// reconnecting until ctx is cancelled or Stop is called.
func (w *WCF) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus
	for {
		err := w.session(ctx)
		if ctx.Err() != nil || w.stopped() {
			w.logger.Info("wechat bridge stopping")
			return nil
		}
		w.logger.Warn("wechat bridge connection lost, reconnecting", "err", err, "in", w.reconnect)

		t := time.NewTimer(w.reconnect)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-w.stop:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (w *WCF) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (w *WCF) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// session runs one connection until it fails.
func (w *WCF) session(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.logger.Info("wechat bridge connected", "url", w.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-w.stop:
		case <-done:
		}
		conn.Close()
	}()
	defer w.disconnect(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		w.handleFrame(data)
	}
}

// disconnect fails every call still waiting on conn.
func (w *WCF) disconnect(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == conn {
		w.conn = nil
	}
	for id, ch := range w.pending {
		ch <- wcfReply{err: ErrDisconnected.Error()}
		delete(w.pending, id)
	}
}

func (w *WCF) handleFrame(data []byte) {
	var f wcfFrame
	if err := json.Unmarshal(data, &f); err != nil {
		w.logger.Warn("invalid bridge frame", "err", err)
		return
	}

	switch {
	case f.Event == "" && f.ID != "":
		w.mu.Lock()
		ch, ok := w.pending[f.ID]
		delete(w.pending, f.ID)
		w.mu.Unlock()
		if ok {
			ch <- wcfReply{ok: f.OK, err: f.Error, data: f.Data}
		}
	case f.Event == "message":
		var m wcfMessage
		if err := json.Unmarshal(f.Data, &m); err != nil {
			w.logger.Warn("invalid bridge message", "err", err)
			return
		}
		if w.bus != nil {
			w.bus.Publish(parseMessage(m))
		}
	case f.Event == "login":
		w.logger.Info("wechat login reported")
		w.loginMu.RLock()
		fns := append([]func(){}, w.onLogin...)
		w.loginMu.RUnlock()
		for _, fn := range fns {
			go fn()
		}
	default:
		w.logger.Debug("bridge frame ignored", "event", f.Event)
	}
}

// call sends a command and waits for its reply. out may be nil.
func (w *WCF) call(ctx context.Context, timeout time.Duration, cmd string, params, out any) error {
	id := uuid.NewString()
	ch := make(chan wcfReply, 1)

	w.mu.Lock()
	conn := w.conn
	if conn == nil {
		w.mu.Unlock()
		return ErrDisconnected
	}
	w.pending[id] = ch
	w.mu.Unlock()

	forget := func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}

	payload, err := json.Marshal(wcfCommand{ID: id, Cmd: cmd, Params: params})
	if err != nil {
		forget()
		return err
	}
	w.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	w.writeMu.Unlock()
	if err != nil {
		forget()
		return fmt.Errorf("%s: %w", cmd, err)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-t.C:
		forget()
		return fmt.Errorf("%s: no reply within %v", cmd, timeout)
	case r := <-ch:
		if !r.ok {
			return fmt.Errorf("%s: %s", cmd, r.err)
		}
		if out != nil && len(r.data) > 0 {
			if err := json.Unmarshal(r.data, out); err != nil {
				return fmt.Errorf("%s: decode reply: %w", cmd, err)
			}
		}
		return nil
	}
}

func (w *WCF) SendText(ctx context.Context, to, text string, mentions []string) error {
	return w.call(ctx, w.timeout, "send_text", map[string]any{
		"receiver": to,
		"msg":      text,
		"aters":    strings.Join(mentions, ","),
	}, nil)
}

func (w *WCF) SendImage(ctx context.Context, to, path string) error {
	return w.call(ctx, w.timeout, "send_image", map[string]any{"receiver": to, "path": path}, nil)
}

func (w *WCF) SendFile(ctx context.Context, to, path string) error {
	return w.call(ctx, w.timeout, "send_file", map[string]any{"receiver": to, "path": path}, nil)
}

// Download asks the bridge to save the attachment of evt and returns the
// local path.
func (w *WCF) Download(ctx context.Context, evt domain.InboundEvent) (string, error) {
	var out wcfPath
	err := w.call(ctx, w.dlTimeout, "download", map[string]any{
		"id":    evt.ID,
		"extra": evt.Extra,
		"dir":   w.mediaDir,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Path == "" {
		return "", fmt.Errorf("download %s: empty path", evt.ID)
	}
	return out.Path, nil
}

func (w *WCF) DecryptImage(ctx context.Context, src, dir string) (string, error) {
	var out wcfPath
	if err := w.call(ctx, w.dlTimeout, "decrypt_image", map[string]any{"src": src, "dir": dir}, &out); err != nil {
		return "", err
	}
	if out.Path == "" {
		return "", fmt.Errorf("decrypt %s: empty path", src)
	}
	return out.Path, nil
}

func (w *WCF) AcceptFriend(ctx context.Context, req domain.VerifyRequest) error {
	return w.call(ctx, w.timeout, "accept_friend", map[string]any{
		"v3":    req.EncryptUser,
		"v4":    req.Ticket,
		"scene": req.Scene,
	}, nil)
}

// History returns up to limit messages exchanged with userID, newest first.
func (w *WCF) History(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error) {
	var rows []wcfHistoryRow
	if err := w.call(ctx, w.timeout, "history", map[string]any{"wxid": userID, "limit": limit}, &rows); err != nil {
		return nil, err
	}
	out := make([]domain.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.HistoryEntry{
			Kind:      messageKind(r.Type, r.Content),
			FromSelf:  r.IsSelf,
			Content:   r.Content,
			CreatedAt: time.Unix(domain.NormalizeUnix(r.TS), 0),
		})
	}
	return out, nil
}

// Unread returns incoming text messages from userID newer than since,
// oldest first.
func (w *WCF) Unread(ctx context.Context, userID string, since time.Time) ([]domain.HistoryEntry, error) {
	var rows []wcfHistoryRow
	if err := w.call(ctx, w.timeout, "history", map[string]any{"wxid": userID, "since": since.Unix()}, &rows); err != nil {
		return nil, err
	}
	var out []domain.HistoryEntry
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		created := time.Unix(domain.NormalizeUnix(r.TS), 0)
		if r.IsSelf || r.Type != wxText || !created.After(since) {
			continue
		}
		out = append(out, domain.HistoryEntry{Kind: domain.KindText, Content: r.Content, CreatedAt: created})
	}
	return out, nil
}

// parseMessage classifies a bridge message into a typed event.
func parseMessage(m wcfMessage) domain.InboundEvent {
	evt := domain.InboundEvent{
		ID:        m.ID,
		Platform:  wcfPlatform,
		SenderID:  m.Sender,
		RoomID:    m.RoomID,
		Content:   m.Content,
		Extra:     m.Extra,
		Self:      m.IsSelf,
		Group:     m.IsGroup,
		Timestamp: m.TS,
	}
	if evt.Extra == "" {
		evt.Extra = m.Thumb
	}
	raw := m.XML
	if raw == "" {
		raw = m.Content
	}

	switch m.Type {
	case wxText:
		evt.Kind = domain.KindText
	case wxImage:
		evt.Kind = domain.KindImage
	case wxVoice:
		evt.Kind = domain.KindVoice
	case wxVideo:
		evt.Kind = domain.KindVideo
	case wxSys:
		evt.Kind = domain.KindSys
	case wxEmoticon:
		evt.Kind = domain.KindEmoticon
		evt.Emoji = parseEmoji(raw)
	case wxVerify:
		evt.Kind = domain.KindVerify
		evt.Verify = parseVerify(raw)
	case wxApp:
		evt.Kind = domain.KindUnknown
		app, ok := parseAppMsg(raw)
		if !ok {
			break
		}
		switch {
		case app.AppMsg.ReferMsg != nil:
			evt.Kind = domain.KindQuote
			evt.Quote = app.quote()
			evt.Content = app.AppMsg.Title
		case app.AppMsg.Type == appFile:
			evt.Kind = domain.KindFile
		}
	default:
		evt.Kind = domain.KindUnknown
	}
	return evt
}

// messageKind maps a raw type for history entries.
func messageKind(t int, content string) domain.EventKind {
	switch t {
	case wxText:
		return domain.KindText
	case wxImage:
		return domain.KindImage
	case wxVoice:
		return domain.KindVoice
	case wxVideo:
		return domain.KindVideo
	case wxEmoticon:
		return domain.KindEmoticon
	case wxApp:
		if app, ok := parseAppMsg(content); ok && app.AppMsg.Type == appFile {
			return domain.KindFile
		}
		return domain.KindText
	default:
		return domain.KindUnknown
	}
}
