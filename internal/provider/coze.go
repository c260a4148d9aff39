package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/jiulingyun/wechat-bot/internal/domain"
)

// APIError is a non-zero business code returned by the backend.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coze api error %d: %s", e.Code, e.Msg)
}

// CozeConfig configures the Coze backend client.
type CozeConfig struct {
	BaseURL         string
	Auth            TokenSource
	PollInterval    time.Duration
	RateLimitPerMin int
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Coze implements domain.Backend against the Coze open API: v3 chat with
// polling, workflows, file upload and audio transcription.
type Coze struct {
	baseURL string
	auth    TokenSource
	poll    time.Duration
	client  *http.Client
	limiter *rate.Limiter
	retry   retryPolicy
	logger  *slog.Logger
}

func NewCoze(cfg CozeConfig) *Coze {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(BackendTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Coze{
		baseURL: cfg.BaseURL,
		auth:    cfg.Auth,
		poll:    cfg.PollInterval,
		client:  cfg.HTTPClient,
		retry:   defaultRetry,
		logger:  cfg.Logger.With("component", "coze"),
	}
	if cfg.RateLimitPerMin > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitPerMin)), max(1, cfg.RateLimitPerMin/10))
	}
	return c
}

func (c *Coze) Name() string { return "coze" }

// envelope is the common response shape: {code, msg, data}.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type chatObject struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Status         domain.ChatStatus `json:"status"`
	LastError      *domain.ChatError `json:"last_error,omitempty"`
}

type additionalMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// Chat starts a chat, polls until it reaches a terminal status and, when
// completed, lists its messages.
func (c *Coze) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResult, error) {
	msg := additionalMessage{Role: "user", Content: req.Text, ContentType: "text"}
	if len(req.Items) > 0 {
		encoded, err := domain.EncodeItems(req.Items)
		if err != nil {
			return nil, err
		}
		msg = additionalMessage{Role: "user", Content: encoded, ContentType: "object_string"}
	}
	body := map[string]any{
		"bot_id":              req.BotID,
		"user_id":             req.UserID,
		"stream":              false,
		"auto_save_history":   true,
		"additional_messages": []additionalMessage{msg},
	}

	q := url.Values{}
	if req.ConversationID != "" {
		q.Set("conversation_id", req.ConversationID)
	}

	var chat chatObject
	if err := c.postJSON(ctx, "/v3/chat", q, body, &chat); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	c.logger.Debug("chat created", "chat_id", chat.ID, "conversation_id", chat.ConversationID, "user", req.UserID)

	for !terminal(chat.Status) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.poll):
		}
		q := url.Values{"chat_id": {chat.ID}, "conversation_id": {chat.ConversationID}}
		if err := c.getJSON(ctx, "/v3/chat/retrieve", q, &chat); err != nil {
			return nil, fmt.Errorf("retrieve chat: %w", err)
		}
	}

	result := &domain.ChatResult{
		Status:         chat.Status,
		ChatID:         chat.ID,
		ConversationID: chat.ConversationID,
		LastError:      chat.LastError,
	}
	if chat.Status != domain.ChatCompleted {
		return result, nil
	}

	q = url.Values{"chat_id": {chat.ID}, "conversation_id": {chat.ConversationID}}
	if err := c.getJSON(ctx, "/v3/chat/message/list", q, &result.Messages); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return result, nil
}

func terminal(s domain.ChatStatus) bool {
	switch s {
	case domain.ChatCompleted, domain.ChatFailed, domain.ChatRequiresAction, domain.ChatCanceled:
		return true
	}
	return false
}

// RunWorkflow runs a workflow synchronously. The workflow output arrives as a
// JSON string in data and is decoded into a map.
func (c *Coze) RunWorkflow(ctx context.Context, req domain.WorkflowRequest) (map[string]any, error) {
	body := map[string]any{
		"workflow_id": req.WorkflowID,
		"parameters":  req.Parameters,
	}
	if req.BotID != "" {
		body["bot_id"] = req.BotID
	}

	var raw string
	if err := c.postJSON(ctx, "/v1/workflow/run", nil, body, &raw); err != nil {
		return nil, fmt.Errorf("run workflow %s: %w", req.WorkflowID, err)
	}
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode workflow output: %w", err)
	}
	return out, nil
}

// UploadFile uploads a local file and returns the backend file id.
func (c *Coze) UploadFile(ctx context.Context, path string) (*domain.UploadedFile, error) {
	var out domain.UploadedFile
	if err := c.postFile(ctx, "/v1/files/upload", path, &out); err != nil {
		return nil, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	return &out, nil
}

// Transcribe converts a voice file to text.
func (c *Coze) Transcribe(ctx context.Context, path string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := c.postFile(ctx, "/v1/audio/transcriptions", path, &out); err != nil {
		return "", fmt.Errorf("transcribe %s: %w", filepath.Base(path), err)
	}
	return out.Text, nil
}

// WorkflowWriter writes filler replies with a backend workflow that takes the
// chat log as "content" and returns the reply as "data".
type WorkflowWriter struct {
	backend    domain.Backend
	botID      string
	workflowID string
}

func NewWorkflowWriter(backend domain.Backend, botID, workflowID string) *WorkflowWriter {
	return &WorkflowWriter{backend: backend, botID: botID, workflowID: workflowID}
}

func (w *WorkflowWriter) WriteFallback(ctx context.Context, chatLog string) (string, error) {
	out, err := w.backend.RunWorkflow(ctx, domain.WorkflowRequest{
		BotID:      w.botID,
		WorkflowID: w.workflowID,
		Parameters: map[string]any{"content": chatLog},
	})
	if err != nil {
		return "", err
	}
	s, _ := out["data"].(string)
	return s, nil
}

// --- transport ---

func (c *Coze) postJSON(ctx context.Context, path string, q url.Values, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, q), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}, out)
}

func (c *Coze) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, q), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}, out)
}

func (c *Coze) postFile(ctx context.Context, path, filePath string, out any) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	name := filepath.Base(filePath)
	return c.do(ctx, func(token string) (*http.Request, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}, out)
}

func (c *Coze) endpoint(path string, q url.Values) string {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do waits for the rate limiter, attaches a fresh token, retries transient
// failures and decodes the envelope's data into out.
func (c *Coze) do(ctx context.Context, build func(token string) (*http.Request, error), out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	token, err := c.auth.Token(ctx)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	resp, err := doWithRetry(ctx, c.client, c.retry, func() (*http.Request, error) {
		return build(token)
	}, c.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// IsAPIError reports whether err carries a backend business error.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
