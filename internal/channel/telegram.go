package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramPlatform       = "telegram"
)

// Telegram implements domain.Platform for a Telegram bot. Private chats map
// to conversations keyed by chat id; attachments are referenced by file id
// and fetched on Download.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)
	mediaDir  string

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	MediaDir  string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		mediaDir:  cfg.MediaDir,
		logger:    cfg.Logger.With("platform", telegramPlatform),
	}
}

func (t *Telegram) Name() string { return telegramPlatform }

// Start connects to Telegram and publishes updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", msg.From.ID,
			"username", msg.From.UserName,
		)
		return
	}
	if msg.IsCommand() && msg.Command() == "start" {
		return
	}

	evt, ok := telegramEvent(msg)
	if !ok {
		t.logger.Debug("unsupported telegram message", "chat_id", msg.Chat.ID, "message_id", msg.MessageID)
		return
	}
	if t.bot != nil {
		_, _ = t.bot.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping))
	}
	t.bus.Publish(evt)
}

// telegramEvent converts a message into an inbound event. Attachments carry
// their file id in Extra.
func telegramEvent(msg *tgbotapi.Message) (domain.InboundEvent, bool) {
	evt := domain.InboundEvent{
		ID:        strconv.Itoa(msg.MessageID),
		Platform:  telegramPlatform,
		SenderID:  strconv.FormatInt(msg.Chat.ID, 10),
		RoomID:    strconv.FormatInt(msg.Chat.ID, 10),
		Group:     msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
		Timestamp: int64(msg.Date),
	}

	kind, extra, content := telegramKind(msg)
	if kind == domain.KindUnknown {
		return evt, false
	}
	evt.Kind, evt.Extra, evt.Content = kind, extra, content

	if r := msg.ReplyToMessage; r != nil && kind == domain.KindText {
		origin, _, body := telegramKind(r)
		q := &domain.QuotedMessage{
			Title:       content,
			OriginMsgID: strconv.Itoa(r.MessageID),
			OriginKind:  origin,
			Content:     body,
		}
		if r.From != nil {
			q.FromUser = strconv.FormatInt(r.From.ID, 10)
			q.DisplayName = strings.TrimSpace(r.From.FirstName + " " + r.From.LastName)
		}
		evt.Kind = domain.KindQuote
		evt.Quote = q
	}
	return evt, true
}

func telegramKind(msg *tgbotapi.Message) (domain.EventKind, string, string) {
	switch {
	case len(msg.Photo) > 0:
		return domain.KindImage, msg.Photo[len(msg.Photo)-1].FileID, msg.Caption
	case msg.Sticker != nil:
		return domain.KindImage, msg.Sticker.FileID, msg.Sticker.Emoji
	case msg.Voice != nil:
		return domain.KindVoice, msg.Voice.FileID, ""
	case msg.Audio != nil:
		return domain.KindVoice, msg.Audio.FileID, ""
	case msg.Video != nil:
		return domain.KindVideo, msg.Video.FileID, msg.Caption
	case msg.Document != nil:
		return domain.KindFile, msg.Document.FileID, msg.Document.FileName
	case strings.TrimSpace(msg.Text) != "":
		return domain.KindText, "", strings.TrimSpace(msg.Text)
	default:
		return domain.KindUnknown, "", ""
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) SendText(ctx context.Context, to, text string, mentions []string) error {
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	for _, chunk := range splitTelegramText(text) {
		if err := t.send(ctx, tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) SendImage(ctx context.Context, to, path string) error {
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	return t.send(ctx, tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(path)))
}

func (t *Telegram) SendFile(ctx context.Context, to, path string) error {
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	return t.send(ctx, tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path)))
}

// Download fetches the attachment referenced by evt.Extra into the media dir.
func (t *Telegram) Download(ctx context.Context, evt domain.InboundEvent) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not started")
	}
	if evt.Extra == "" {
		return "", fmt.Errorf("message %s has no attachment", evt.ID)
	}
	url, err := t.bot.GetFileDirectURL(evt.Extra)
	if err != nil {
		return "", fmt.Errorf("resolve file %s: %w", evt.Extra, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.bot.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", evt.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: HTTP %d", evt.ID, resp.StatusCode)
	}

	if err := os.MkdirAll(t.mediaDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(t.mediaDir, evt.ID+filepath.Ext(url))
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

func parseChatID(to string) (int64, error) {
	id, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat ID %q: %w", to, err)
	}
	return id, nil
}

// splitTelegramText cuts text at newlines into chunks under the message limit.
func splitTelegramText(text string) []string {
	const maxLen = telegramMaxMsgLen
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// send delivers one message with retry and rate limit handling.
func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	const maxRetries = telegramMaxSendRetries

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if _, err = t.bot.Send(c); err == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}

		backoff := time.Duration(attempt+1) * time.Second
		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	return fmt.Errorf("telegram send: %w", err)
}
