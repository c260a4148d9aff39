package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/domain"
	"github.com/jiulingyun/wechat-bot/internal/provider"
)

// itemAdder is the buffer entry point used by handlers.
type itemAdder interface {
	AddItem(ctx context.Context, key string, item domain.ContentItem)
	Exclusive(key string, inflight []domain.ContentItem, fn func(ctx context.Context) domain.ContentItem) error
}

// directChatter sends text straight to the backend, bypassing the buffer.
type directChatter interface {
	Direct(ctx context.Context, key, text string) (domain.ContentItem, error)
}

// Handlers turns typed inbound events into buffered content items.
type Handlers struct {
	buffer      itemAdder
	direct      directChatter
	backend     domain.Backend
	transcriber domain.Transcriber
	downloader  domain.Downloader
	acceptor    domain.FriendAcceptor // optional
	decrypter   domain.ImageDecrypter // optional
	files       domain.FileStore      // optional
	client      *http.Client
	mediaDir    string
	botID       string
	imageFlow   string
	mark        string
	logger      *slog.Logger
}

// HandlersConfig configures NewHandlers. Transcriber and HTTPClient are optional.
type HandlersConfig struct {
	Buffer                    itemAdder
	Direct                    directChatter
	Backend                   domain.Backend
	Transcriber               domain.Transcriber
	Platform                  domain.Downloader
	Files                     domain.FileStore
	HTTPClient                *http.Client
	MediaDir                  string
	BotID                     string
	ImageUnderstandWorkflowID string
	SystemMark                string
	Logger                    *slog.Logger
}

// NewHandlers creates the per-kind event handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = provider.NewHTTPClient(provider.MediaTimeout)
	}
	if cfg.SystemMark == "" {
		cfg.SystemMark = defaultSystemMark
	}
	if cfg.Transcriber == nil {
		cfg.Transcriber = cfg.Backend
	}
	h := &Handlers{
		buffer:      cfg.Buffer,
		direct:      cfg.Direct,
		backend:     cfg.Backend,
		transcriber: cfg.Transcriber,
		downloader:  cfg.Platform,
		files:       cfg.Files,
		client:      cfg.HTTPClient,
		mediaDir:    cfg.MediaDir,
		botID:       cfg.BotID,
		imageFlow:   cfg.ImageUnderstandWorkflowID,
		mark:        cfg.SystemMark,
		logger:      cfg.Logger.With("component", "handlers"),
	}
	if a, ok := cfg.Platform.(domain.FriendAcceptor); ok {
		h.acceptor = a
	}
	if d, ok := cfg.Platform.(domain.ImageDecrypter); ok {
		h.decrypter = d
	}
	return h
}

// Handle routes evt to the handler for its kind. Group chats are ignored.
func (h *Handlers) Handle(ctx context.Context, evt domain.InboundEvent) error {
	if evt.Group {
		h.logger.Debug("group message ignored", "room", evt.RoomID, "kind", evt.Kind)
		return nil
	}
	switch evt.Kind {
	case domain.KindText:
		return h.text(ctx, evt)
	case domain.KindImage:
		return h.media(ctx, evt, "image", imageFailedText)
	case domain.KindVideo:
		return h.media(ctx, evt, "file", videoFailedText)
	case domain.KindFile:
		return h.media(ctx, evt, "file", fileFailedText)
	case domain.KindVoice:
		return h.voice(ctx, evt)
	case domain.KindEmoticon:
		return h.emoticon(ctx, evt)
	case domain.KindQuote:
		return h.quote(ctx, evt)
	case domain.KindVerify:
		return h.verify(ctx, evt)
	case domain.KindSys:
		return h.sys(ctx, evt)
	case domain.KindUnknown:
		h.logger.Debug("unsupported message kind dropped", "sender", evt.SenderID, "id", evt.ID)
		return nil
	default:
		return fmt.Errorf("unhandled event kind %v", evt.Kind)
	}
}

func (h *Handlers) text(ctx context.Context, evt domain.InboundEvent) error {
	if strings.TrimSpace(evt.Content) == "" {
		return nil
	}
	h.buffer.AddItem(ctx, evt.SenderID, domain.Text{Text: evt.Content})
	return nil
}

// media handles image, video and file messages: download, upload, record.
func (h *Handlers) media(ctx context.Context, evt domain.InboundEvent, fileType, failed string) error {
	up, err := h.fetchAndUpload(ctx, evt, fileType, "")
	if err != nil {
		h.logger.Warn("media ingest failed", "sender", evt.SenderID, "kind", evt.Kind, "err", err)
		h.buffer.AddItem(ctx, evt.SenderID, domain.Text{Text: failed})
		return nil
	}
	var item domain.ContentItem = domain.FileRef{FileID: up.ID}
	if fileType == "image" {
		item = domain.ImageRef{FileID: up.ID}
	}
	h.buffer.AddItem(ctx, evt.SenderID, item)
	return nil
}

func (h *Handlers) voice(ctx context.Context, evt domain.InboundEvent) error {
	text, err := h.transcribe(ctx, evt)
	if err != nil {
		h.logger.Warn("voice transcription failed", "sender", evt.SenderID, "err", err)
		h.buffer.AddItem(ctx, evt.SenderID, domain.Text{Text: voiceFailedText})
		return nil
	}
	h.buffer.AddItem(ctx, evt.SenderID, domain.Text{Text: voiceTextPrefix + text})
	return nil
}

func (h *Handlers) transcribe(ctx context.Context, evt domain.InboundEvent) (string, error) {
	path, err := h.downloader.Download(ctx, evt)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	up, err := h.backend.UploadFile(ctx, path)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	text, err := h.transcriber.Transcribe(ctx, path)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("empty transcription")
	}
	h.record(ctx, evt, up, "audio", text)
	return text, nil
}

func (h *Handlers) emoticon(ctx context.Context, evt domain.InboundEvent) error {
	path, err := h.emojiFile(ctx, evt)
	if err == nil {
		var up *domain.UploadedFile
		if up, err = h.backend.UploadFile(ctx, path); err == nil {
			h.record(ctx, evt, up, "image", emoticonRecordText)
			h.buffer.AddItem(ctx, evt.SenderID, domain.ImageRef{FileID: up.ID})
			h.buffer.AddItem(ctx, evt.SenderID, domain.Text{Text: emoticonHintText})
			return nil
		}
	}
	h.logger.Warn("emoticon ingest failed", "sender", evt.SenderID, "err", err)
	h.buffer.AddItem(ctx, evt.SenderID, domain.Text{Text: emoticonFailedText})
	return nil
}

// emojiFile fetches the sticker from its CDN url, or decrypts the local
// copy when the platform supports it.
func (h *Handlers) emojiFile(ctx context.Context, evt domain.InboundEvent) (string, error) {
	if evt.Emoji != nil && evt.Emoji.CDNURL != "" {
		name := evt.Emoji.MD5
		if name == "" {
			name = evt.ID
		}
		return h.fetch(ctx, evt.Emoji.CDNURL, name+".gif")
	}
	if h.decrypter != nil && evt.Extra != "" {
		return h.decrypter.DecryptImage(ctx, evt.Extra, h.mediaDir)
	}
	return "", errors.New("no sticker source")
}

func (h *Handlers) fetch(ctx context.Context, url, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(h.mediaDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(h.mediaDir, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

func (h *Handlers) quote(ctx context.Context, evt domain.InboundEvent) error {
	q := evt.Quote
	if q == nil {
		return h.text(ctx, evt)
	}

	switch q.OriginKind {
	case domain.KindImage, domain.KindEmoticon:
		if rec := h.lookup(ctx, q.OriginMsgID); rec != nil {
			h.buffer.AddItem(ctx, evt.SenderID, domain.ImageRef{FileID: rec.FileID})
		} else {
			h.buffer.AddItem(ctx, evt.SenderID, domain.Text{Text: formatQuoted(q, "[图片]")})
		}
	case domain.KindFile, domain.KindVideo:
		if rec := h.lookup(ctx, q.OriginMsgID); rec != nil {
			h.buffer.AddItem(ctx, evt.SenderID, domain.FileRef{FileID: rec.FileID})
		} else {
			h.buffer.AddItem(ctx, evt.SenderID, domain.Text{Text: formatQuoted(q, "[文件]")})
		}
	case domain.KindVoice:
		body := "[语音]"
		if rec := h.lookup(ctx, q.OriginMsgID); rec != nil && rec.MsgContent != "" {
			body += rec.MsgContent
		}
		h.buffer.AddItem(ctx, evt.SenderID, domain.Text{Text: formatQuoted(q, body)})
	default:
		h.buffer.AddItem(ctx, evt.SenderID, domain.Text{Text: formatQuoted(q, q.Content)})
	}

	title := q.Title
	if title == "" {
		title = evt.Content
	}
	if strings.TrimSpace(title) != "" {
		h.buffer.AddItem(ctx, evt.SenderID, domain.Text{Text: title})
	}
	return nil
}

func (h *Handlers) lookup(ctx context.Context, originMsgID string) *domain.FileRecord {
	if h.files == nil || originMsgID == "" {
		return nil
	}
	rec, err := h.files.FindFileByOrigin(ctx, originMsgID)
	if err != nil {
		h.logger.Warn("file record lookup failed", "origin", originMsgID, "err", err)
		return nil
	}
	return rec
}

// verify accepts a friend request and introduces the new contact to the bot.
func (h *Handlers) verify(ctx context.Context, evt domain.InboundEvent) error {
	v := evt.Verify
	if v == nil || v.FromUser == "" {
		h.logger.Warn("friend request without sender dropped", "id", evt.ID)
		return nil
	}

	avatar := h.describeImage(ctx, v.HeadImageURL, noAvatarText)
	background := h.describeImage(ctx, v.MomentsBGURL, noMomentsBGText)

	if h.acceptor != nil {
		if err := h.acceptor.AcceptFriend(ctx, *v); err != nil {
			return fmt.Errorf("accept friend %s: %w", v.FromUser, err)
		}
		h.logger.Info("friend request accepted", "user", v.FromUser, "nickname", v.Nickname)
	}

	return h.sendDirect(v.FromUser, formatProfile(h.mark, v, avatar, background, time.Now()))
}

func (h *Handlers) sys(ctx context.Context, evt domain.InboundEvent) error {
	if strings.TrimSpace(evt.Content) == "" {
		return nil
	}
	return h.sendDirect(evt.SenderID, h.mark+evt.Content)
}

// sendDirect runs the direct turn as the conversation's exclusive AI call.
// The returned error only covers scheduling; the turn itself runs later.
func (h *Handlers) sendDirect(key, text string) error {
	err := h.buffer.Exclusive(key, []domain.ContentItem{domain.Text{Text: text}}, func(ctx context.Context) domain.ContentItem {
		feedback, err := h.direct.Direct(ctx, key, text)
		if err != nil {
			h.logger.Warn("direct chat failed", "key", key, "err", err)
			return nil
		}
		return feedback
	})
	if err != nil {
		return fmt.Errorf("direct chat for %s: %w", key, err)
	}
	return nil
}

// describeImage asks the image-understanding workflow for a description.
func (h *Handlers) describeImage(ctx context.Context, url, fallback string) string {
	if url == "" || h.imageFlow == "" {
		return fallback
	}
	out, err := h.backend.RunWorkflow(ctx, domain.WorkflowRequest{
		BotID:      h.botID,
		WorkflowID: h.imageFlow,
		Parameters: map[string]any{"image_url": url},
	})
	if err != nil {
		h.logger.Warn("image description failed", "err", err)
		return fallback
	}
	if s, ok := out["data"].(string); ok && s != "" {
		return s
	}
	return fallback
}

func (h *Handlers) fetchAndUpload(ctx context.Context, evt domain.InboundEvent, fileType, msgContent string) (*domain.UploadedFile, error) {
	path, err := h.downloader.Download(ctx, evt)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	up, err := h.backend.UploadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	h.record(ctx, evt, up, fileType, msgContent)
	return up, nil
}

func (h *Handlers) record(ctx context.Context, evt domain.InboundEvent, up *domain.UploadedFile, fileType, msgContent string) {
	if h.files == nil {
		return
	}
	err := h.files.SaveFile(ctx, domain.FileRecord{
		FileID:      up.ID,
		Bytes:       up.Bytes,
		FileName:    up.FileName,
		FileType:    fileType,
		MsgContent:  msgContent,
		OriginMsgID: evt.ID,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		h.logger.Warn("file record not saved", "file_id", up.ID, "err", err)
	}
}
